package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/log"

	"go.uber.org/zap"
)

// PGInbox persists push notifications together with their delivery state.
type PGInbox struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGInbox(db *sql.DB, logger *log.Logger) *PGInbox {
	return &PGInbox{db: db, logger: logger}
}

func (s *PGInbox) Save(ctx context.Context, n *inbox.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, title, body, data, type, status, retries, last_error, read, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, n.ID, n.RecipientID, n.Title, n.Body, data, n.Type, string(n.Status), n.Retries, n.LastError, n.Read, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to insert notification", zap.Int64("notification_id", n.ID), zap.Error(err))
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PGInbox) MarkResult(ctx context.Context, id int64, status inbox.Status, retries int, lastError *string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $1, retries = $2, last_error = $3, updated_at = $4 WHERE id = $5
	`, string(status), retries, lastError, at, id)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return expectOne(res, id)
}

func (s *PGInbox) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*inbox.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, title, body, data, type, status, retries, last_error, read, created_at, updated_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]*inbox.Notification, 0)
	for rows.Next() {
		var (
			n      inbox.Notification
			data   []byte
			status string
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Body, &data, &n.Type, &status, &n.Retries,
			&n.LastError, &n.Read, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("unmarshal notification data: %w", err)
			}
		}
		n.Status = inbox.Status(status)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PGInbox) MarkRead(ctx context.Context, id int64, recipientID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, updated_at = $1 WHERE id = $2 AND recipient_id = $3
	`, at, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", inbox.ErrNotFound, id)
	}
	return nil
}
