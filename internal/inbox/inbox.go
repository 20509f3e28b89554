package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecolift/internal/log"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("notification not found")

type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notification types.
const (
	TypeInstantPickup  = "INSTANT_PICKUP"
	TypePickupAccepted = "PICKUP_ACCEPTED"
)

// Notification is the durable record of one offline push to one recipient.
type Notification struct {
	ID          int64             `json:"id,string"`
	RecipientID string            `json:"recipientId"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Type        string            `json:"type"`
	Status      Status            `json:"status"`
	Retries     int               `json:"retries"`
	LastError   *string           `json:"lastError,omitempty"`
	Read        bool              `json:"read"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type Store interface {
	Save(ctx context.Context, n *Notification) error
	// MarkResult records the outcome of a delivery attempt.
	MarkResult(ctx context.Context, id int64, status Status, retries int, lastError *string, at time.Time) error
	// ListByRecipient returns at most limit notifications, newest first.
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Notification, error)
	// MarkRead returns ErrNotFound when id does not exist or belongs to
	// another recipient.
	MarkRead(ctx context.Context, id int64, recipientID string, at time.Time) error
}

const listLimit = 50

type Service struct {
	store  Store
	logger *log.Logger
}

func NewService(store Store, logger *log.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) List(ctx context.Context, recipientID string) ([]*Notification, error) {
	items, err := s.store.ListByRecipient(ctx, recipientID, listLimit)
	if err != nil {
		s.logger.Error("Failed to list notifications", zap.String("recipient_id", recipientID), zap.Error(err))
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func (s *Service) MarkRead(ctx context.Context, recipientID string, id int64) error {
	if err := s.store.MarkRead(ctx, id, recipientID, time.Now().UTC()); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("Failed to mark notification read", zap.Int64("notification_id", id), zap.Error(err))
		}
		return err
	}
	return nil
}
