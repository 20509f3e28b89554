package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ecolift/internal/log"
	"ecolift/internal/pickup"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// OpenPostgres opens a pooled connection and verifies it is reachable.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const requestColumns = `id, customer_id, collector_id, longitude, latitude, items, request_type, scheduled_time,
	status, collector_lng, collector_lat, version, created_at, updated_at, accepted_at, started_at, completed_at`

type PGStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGStore(db *sql.DB, logger *log.Logger) *PGStore {
	return &PGStore{db: db, logger: logger}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Create(ctx context.Context, r *pickup.Request) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pickup_requests (id, customer_id, longitude, latitude, items, request_type, scheduled_time,
			status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.CustomerID, r.Location.Longitude, r.Location.Latitude, items, string(r.Mode), r.ScheduledTime,
		string(r.Status), r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to insert pickup request", zap.Int64("pickup_id", r.ID), zap.Error(err))
		return fmt.Errorf("insert pickup request: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id int64) (*pickup.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM pickup_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pickup request: %w", err)
	}
	return r, nil
}

func (s *PGStore) Find(ctx context.Context, f pickup.Filter) ([]*pickup.Request, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.CollectorID != "" {
		args = append(args, f.CollectorID)
		where = append(where, fmt.Sprintf("collector_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + requestColumns + ` FROM pickup_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find pickup requests: %w", err)
	}
	defer rows.Close()

	out := make([]*pickup.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pickup request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pickup requests: %w", err)
	}
	return out, nil
}

// CompareAndSwap is a single conditional UPDATE; Postgres row locking makes
// exactly one of several concurrent callers with the same version succeed.
func (s *PGStore) CompareAndSwap(ctx context.Context, id int64, expected pickup.Status, version int64, next pickup.Lifecycle, at time.Time) (*pickup.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pickup_requests
		SET status = $1, collector_id = $2, accepted_at = $3, started_at = $4, completed_at = $5,
			collector_lng = CASE WHEN $6 THEN NULL ELSE collector_lng END,
			collector_lat = CASE WHEN $6 THEN NULL ELSE collector_lat END,
			version = version + 1, updated_at = $7
		WHERE id = $8 AND status = $9 AND version = $10
		RETURNING `+requestColumns,
		string(next.Status), next.CollectorID, next.AcceptedAt, next.StartedAt, next.CompletedAt,
		next.Status == pickup.StatusPending, at, id, string(expected), version)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update pickup request: %w", err)
	}
	return r, nil
}

func (s *PGStore) SetCollectorLocation(ctx context.Context, id int64, collectorID string, p pickup.Point, at time.Time) (*pickup.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE pickup_requests
		SET collector_lng = $1, collector_lat = $2, updated_at = $3
		WHERE id = $4 AND collector_id = $5 AND status IN ('Accepted', 'In Progress')
		RETURNING `+requestColumns,
		p.Longitude, p.Latitude, at, id, collectorID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update collector location: %w", err)
	}
	return r, nil
}

func (s *PGStore) missOrConflict(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pickup_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check pickup request: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	return fmt.Errorf("%w: request %d changed concurrently", pickup.ErrConflict, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*pickup.Request, error) {
	var (
		r            pickup.Request
		collectorID  sql.NullString
		items        []byte
		mode, status string
		lng, lat     sql.NullFloat64
		scheduled    sql.NullTime
		accepted     sql.NullTime
		started      sql.NullTime
		completed    sql.NullTime
	)
	err := row.Scan(&r.ID, &r.CustomerID, &collectorID, &r.Location.Longitude, &r.Location.Latitude, &items, &mode,
		&scheduled, &status, &lng, &lat, &r.Version, &r.CreatedAt, &r.UpdatedAt, &accepted, &started, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	r.Mode = pickup.Mode(mode)
	r.Status = pickup.Status(status)
	if collectorID.Valid {
		r.CollectorID = &collectorID.String
	}
	if lng.Valid && lat.Valid {
		r.CollectorLocation = &pickup.Point{Longitude: lng.Float64, Latitude: lat.Float64}
	}
	r.ScheduledTime = nullTime(scheduled)
	r.AcceptedAt = nullTime(accepted)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(completed)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
