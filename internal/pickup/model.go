package pickup

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/userservice"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusAccepted   Status = "Accepted"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

type Mode string

const (
	ModeInstant   Mode = "instant"
	ModeScheduled Mode = "scheduled"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeInstant:
		return ModeInstant, nil
	case ModeScheduled:
		return ModeScheduled, nil
	}
	return "", fmt.Errorf("%w: requestType must be instant or scheduled", ErrValidation)
}

// Point is a geographic position. It is encoded as a GeoJSON point.
type Point struct {
	Longitude float64
	Latitude  float64
}

func (p Point) Validate() error {
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrValidation)
	}
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrValidation)
	}
	return nil
}

type geoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(geoJSONPoint{Type: "Point", Coordinates: []float64{p.Longitude, p.Latitude}})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var g geoJSONPoint
	if err := json.Unmarshal(b, &g); err != nil {
		return fmt.Errorf("%w: location must be a GeoJSON point", ErrValidation)
	}
	if len(g.Coordinates) != 2 {
		return fmt.Errorf("%w: coordinates must be [longitude, latitude]", ErrValidation)
	}
	p.Longitude, p.Latitude = g.Coordinates[0], g.Coordinates[1]
	return nil
}

type Item struct {
	Category string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Note     string  `json:"description,omitempty"`
}

// Request is one waste-collection job.
type Request struct {
	ID                int64      `json:"id,string"`
	CustomerID        string     `json:"customerId"`
	CollectorID       *string    `json:"collectorId"`
	Location          Point      `json:"location"`
	Items             []Item     `json:"items"`
	Mode              Mode       `json:"requestType"`
	ScheduledTime     *time.Time `json:"scheduledTime,omitempty"`
	Status            Status     `json:"status"`
	CollectorLocation *Point     `json:"collectorLocation,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	AcceptedAt        *time.Time `json:"acceptedAt"`
	StartedAt         *time.Time `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt"`
}

// Lifecycle is the part of a Request a transition may change.
type Lifecycle struct {
	Status      Status
	CollectorID *string
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (r *Request) Lifecycle() Lifecycle {
	return Lifecycle{
		Status:      r.Status,
		CollectorID: r.CollectorID,
		AcceptedAt:  r.AcceptedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// Apply copies l onto r and bumps the version.
func (r *Request) Apply(l Lifecycle, at time.Time) {
	r.Status = l.Status
	r.CollectorID = l.CollectorID
	r.AcceptedAt = l.AcceptedAt
	r.StartedAt = l.StartedAt
	r.CompletedAt = l.CompletedAt
	if l.Status == StatusPending {
		r.CollectorLocation = nil
	}
	r.Version++
	r.UpdatedAt = at
}

// AssignedTo reports whether collectorID is the current assignee.
func (r *Request) AssignedTo(collectorID string) bool {
	return r.CollectorID != nil && *r.CollectorID == collectorID
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   auth.Role
}

func (a Actor) IsCollector() bool { return a.Role == auth.RoleCollector }
func (a Actor) IsCustomer() bool  { return a.Role == auth.RoleCustomer }

// NewRequest is the input to Engine.Create.
type NewRequest struct {
	Location      Point      `json:"location"`
	Items         []Item     `json:"items"`
	Mode          Mode       `json:"requestType"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
}

func (n NewRequest) Validate(now time.Time) error {
	if len(n.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	for i, it := range n.Items {
		if strings.TrimSpace(it.Category) == "" {
			return fmt.Errorf("%w: item %d has no type", ErrValidation, i)
		}
		if math.IsNaN(it.Quantity) || math.IsInf(it.Quantity, 0) || it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i)
		}
	}
	if err := n.Location.Validate(); err != nil {
		return err
	}
	switch n.Mode {
	case ModeInstant:
	case ModeScheduled:
		if n.ScheduledTime == nil {
			return fmt.Errorf("%w: scheduledTime is required for scheduled pickups", ErrValidation)
		}
		if !n.ScheduledTime.After(now) {
			return fmt.Errorf("%w: scheduledTime must be in the future", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: requestType must be instant or scheduled", ErrValidation)
	}
	return nil
}

// Filter selects requests for Store.Find. Empty fields match everything.
type Filter struct {
	CustomerID  string
	CollectorID string
	Statuses    []Status
}

// View is a Request with the counterpart's profile attached for listings.
// A nil profile means the lookup failed or the party is not assigned.
type View struct {
	*Request
	Customer  *userservice.Profile `json:"customer,omitempty"`
	Collector *userservice.Profile `json:"collector,omitempty"`
}
