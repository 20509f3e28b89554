package location

import (
	"context"
	"fmt"
	"time"

	"ecolift/internal/log"
	"ecolift/internal/metrics"
	"ecolift/internal/pickup"

	"go.uber.org/zap"
)

// Store holds the latest position of each collector.
type Store interface {
	Update(ctx context.Context, collectorID string, p pickup.Point) error
	Position(ctx context.Context, collectorID string) (pickup.Point, bool, error)
	NearbyActive(ctx context.Context, p pickup.Point, radiusKm float64) ([]string, error)
}

// RequestReader returns a pickup request the actor may see.
type RequestReader interface {
	Get(ctx context.Context, actor pickup.Actor, id int64) (*pickup.Request, error)
}

type Source string

const (
	SourceLive   Source = "live"
	SourceRecord Source = "record"
)

// Fix is a known position of a request's assignee.
type Fix struct {
	CollectorID string       `json:"collectorId"`
	Location    pickup.Point `json:"location"`
	Source      Source       `json:"source"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

// Relay validates collector position reports and forwards them to the
// location store. store may be nil when no location store is configured.
type Relay struct {
	store    Store
	requests RequestReader
	metrics  *metrics.Metrics
	logger   *log.Logger
}

func NewRelay(store Store, requests RequestReader, m *metrics.Metrics, logger *log.Logger) *Relay {
	return &Relay{store: store, requests: requests, metrics: m, logger: logger}
}

// Report validates and stores a live position. Invalid coordinates are
// rejected with pickup.ErrValidation before reaching the store.
func (r *Relay) Report(ctx context.Context, collectorID string, longitude, latitude float64) error {
	p := pickup.Point{Longitude: longitude, Latitude: latitude}
	if err := p.Validate(); err != nil {
		r.metrics.ObserveLocationReport("invalid")
		return err
	}
	if r.store == nil {
		r.metrics.ObserveLocationReport("unavailable")
		return fmt.Errorf("%w: location tracking is not configured", pickup.ErrUpstreamUnavailable)
	}
	if err := r.store.Update(ctx, collectorID, p); err != nil {
		r.metrics.ObserveLocationReport("unavailable")
		r.logger.Error("Failed to store collector location", zap.String("collector_id", collectorID), zap.Error(err))
		return fmt.Errorf("%w: failed to update location", pickup.ErrUpstreamUnavailable)
	}
	r.metrics.ObserveLocationReport("ok")
	r.logger.Debug("Collector location updated",
		zap.String("collector_id", collectorID), zap.Float64("lng", longitude), zap.Float64("lat", latitude))
	return nil
}

// AssigneeLocation returns the assignee's live position, falling back to the
// last position recorded on the request when the store has none or fails.
func (r *Relay) AssigneeLocation(ctx context.Context, actor pickup.Actor, id int64) (Fix, error) {
	req, err := r.requests.Get(ctx, actor, id)
	if err != nil {
		return Fix{}, err
	}
	if req.CollectorID == nil {
		return Fix{}, fmt.Errorf("%w: request %d has no assigned collector", pickup.ErrNotFound, id)
	}
	collectorID := *req.CollectorID

	if r.store != nil {
		p, ok, err := r.store.Position(ctx, collectorID)
		switch {
		case err != nil:
			r.logger.Warn("Location store unavailable, using recorded position",
				zap.String("collector_id", collectorID), zap.Error(err))
		case ok:
			return Fix{CollectorID: collectorID, Location: p, Source: SourceLive}, nil
		}
	}

	if req.CollectorLocation == nil {
		return Fix{}, fmt.Errorf("%w: no location reported for request %d", pickup.ErrNotFound, id)
	}
	updated := req.UpdatedAt
	return Fix{CollectorID: collectorID, Location: *req.CollectorLocation, Source: SourceRecord, UpdatedAt: &updated}, nil
}
