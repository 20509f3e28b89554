package pickup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/log"
	"ecolift/internal/metrics"
	"ecolift/internal/realtime"
	"ecolift/internal/userservice"

	"go.uber.org/zap"
)

// Store is the durable record of pickup requests. CompareAndSwap is the only
// way a lifecycle changes: it applies next iff the stored request still has
// the expected status and version, and returns ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id int64) (*Request, error)
	Find(ctx context.Context, f Filter) ([]*Request, error)
	CompareAndSwap(ctx context.Context, id int64, expected Status, version int64, next Lifecycle, at time.Time) (*Request, error)
	// SetCollectorLocation records p iff collectorID is still the assignee of
	// an active request.
	SetCollectorLocation(ctx context.Context, id int64, collectorID string, p Point, at time.Time) (*Request, error)
}

// Notifier delivers real-time events on a best-effort basis.
type Notifier interface {
	NotifyOne(userID string, role auth.Role, ev realtime.Event) bool
	Broadcast(role auth.Role, ev realtime.Event) int
}

// PushNotifier sends offline notifications. Calls must not block on delivery.
type PushNotifier interface {
	PickupCreated(r *Request)
	PickupAccepted(r *Request)
}

// Directory resolves profiles for listings.
type Directory interface {
	Customer(ctx context.Context, id string) (*userservice.Profile, error)
	Collector(ctx context.Context, id string) (*userservice.Profile, error)
}

type IDGenerator interface {
	Next() int64
}

type Scope string

const (
	// ScopeMine lists requests the actor owns (customer) or is assigned (collector).
	ScopeMine Scope = "mine"
	// ScopeOpen lists every pending request. Collectors only.
	ScopeOpen Scope = "open"
)

type Query struct {
	Scope  Scope
	Status Status
}

type Engine struct {
	store     Store
	notifier  Notifier
	ids       IDGenerator
	push      PushNotifier
	directory Directory
	metrics   *metrics.Metrics
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine wires the lifecycle engine. push and directory may be nil.
func NewEngine(store Store, notifier Notifier, ids IDGenerator, push PushNotifier, directory Directory, m *metrics.Metrics, logger *log.Logger) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		ids:       ids,
		push:      push,
		directory: directory,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Create(ctx context.Context, actor Actor, in NewRequest) (*Request, error) {
	if !actor.IsCustomer() {
		e.metrics.ObserveTransition("create", "forbidden")
		return nil, fmt.Errorf("%w: only customers can request pickups", ErrForbidden)
	}
	now := e.now()
	if err := in.Validate(now); err != nil {
		e.metrics.ObserveTransition("create", "invalid")
		return nil, err
	}

	r := &Request{
		ID:         e.ids.Next(),
		CustomerID: actor.UserID,
		Location:   in.Location,
		Items:      in.Items,
		Mode:       in.Mode,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.Mode == ModeScheduled {
		st := in.ScheduledTime.UTC()
		r.ScheduledTime = &st
	}
	if err := e.store.Create(ctx, r); err != nil {
		e.metrics.ObserveTransition("create", "error")
		e.logger.Error("Failed to persist pickup request", zap.String("customer_id", actor.UserID), zap.Error(err))
		return nil, fmt.Errorf("create pickup request: %w", err)
	}
	e.metrics.ObserveTransition("create", "ok")
	e.logger.Info("Pickup request created",
		zap.Int64("pickup_id", r.ID), zap.String("customer_id", r.CustomerID), zap.String("mode", string(r.Mode)))

	if r.Mode == ModeInstant {
		n := e.notifier.Broadcast(auth.RoleCollector, realtime.PickupEvent(realtime.KindPickupCreated, r))
		e.logger.Debug("Announced new pickup", zap.Int64("pickup_id", r.ID), zap.Int("collectors", n))
		if e.push != nil {
			e.push.PickupCreated(r)
		}
	}
	return r, nil
}

// Get returns a request visible to actor: its requester, its assignee, or any
// collector while it is still pending.
func (e *Engine) Get(ctx context.Context, actor Actor, id int64) (*Request, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.IsCustomer() && r.CustomerID == actor.UserID:
	case actor.IsCollector() && (r.Status == StatusPending || r.AssignedTo(actor.UserID)):
	default:
		return nil, fmt.Errorf("%w: request %d is not visible to you", ErrForbidden, id)
	}
	return r, nil
}

// List returns requests newest first, each enriched with the counterpart's
// profile. Profile lookups that fail leave the profile nil.
func (e *Engine) List(ctx context.Context, actor Actor, q Query) ([]View, error) {
	var f Filter
	switch q.Scope {
	case ScopeOpen:
		if !actor.IsCollector() {
			return nil, fmt.Errorf("%w: only collectors can browse open pickups", ErrForbidden)
		}
		f.Statuses = []Status{StatusPending}
	case ScopeMine, "":
		if actor.IsCollector() {
			f.CollectorID = actor.UserID
			f.Statuses = []Status{StatusAccepted, StatusInProgress, StatusCompleted}
		} else {
			f.CustomerID = actor.UserID
		}
		if q.Status != "" {
			f.Statuses = []Status{q.Status}
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrValidation, q.Scope)
	}

	records, err := e.store.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list pickup requests: %w", err)
	}
	return e.enrich(ctx, actor, records), nil
}

// maxLookups bounds concurrent user-service calls per listing.
const maxLookups = 8

func (e *Engine) enrich(ctx context.Context, actor Actor, records []*Request) []View {
	views := make([]View, len(records))
	for i, r := range records {
		views[i] = View{Request: r}
	}
	if e.directory == nil {
		return views
	}

	// Each counterpart is looked up once however many records share it.
	fetch := e.directory.Collector
	counterpart := func(v *View) string {
		if v.CollectorID == nil {
			return ""
		}
		return *v.CollectorID
	}
	if actor.IsCollector() {
		fetch = e.directory.Customer
		counterpart = func(v *View) string { return v.CustomerID }
	}

	var uids []string
	seen := make(map[string]bool)
	for i := range views {
		if uid := counterpart(&views[i]); uid != "" && !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, maxLookups)
		profiles = make(map[string]*userservice.Profile, len(uids))
	)
	for _, uid := range uids {
		wg.Add(1)
		sem <- struct{}{}
		go func(uid string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			p := e.lookup(ctx, fetch, uid)
			mu.Lock()
			profiles[uid] = p
			mu.Unlock()
		}(uid)
	}
	wg.Wait()

	for i := range views {
		uid := counterpart(&views[i])
		if uid == "" {
			continue
		}
		if actor.IsCollector() {
			views[i].Customer = profiles[uid]
		} else {
			views[i].Collector = profiles[uid]
		}
	}
	return views
}

func (e *Engine) lookup(ctx context.Context, fn func(context.Context, string) (*userservice.Profile, error), id string) *userservice.Profile {
	p, err := fn(ctx, id)
	if err != nil {
		e.logger.Warn("Profile lookup failed", zap.String("user_id", id), zap.Error(err))
		return nil
	}
	return p
}

func (e *Engine) Accept(ctx context.Context, actor Actor, id int64) (*Request, error) {
	return e.apply(ctx, actor, id, transitionAccept)
}

func (e *Engine) Start(ctx context.Context, actor Actor, id int64) (*Request, error) {
	return e.apply(ctx, actor, id, transitionStart)
}

func (e *Engine) Complete(ctx context.Context, actor Actor, id int64) (*Request, error) {
	return e.apply(ctx, actor, id, transitionComplete)
}

// Cancel returns an accepted or in-progress request to the open pool.
func (e *Engine) Cancel(ctx context.Context, actor Actor, id int64) (*Request, error) {
	return e.apply(ctx, actor, id, transitionCancel)
}

// UpdateStatus moves a request to status through the matching transition.
func (e *Engine) UpdateStatus(ctx context.Context, actor Actor, id int64, status string) (*Request, error) {
	s, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t, err := transitionTo(s)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, actor, id, t)
}

func (e *Engine) apply(ctx context.Context, actor Actor, id int64, t transition) (*Request, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		e.metrics.ObserveTransition(string(t), outcome(err))
		return nil, err
	}
	now := e.now()
	next, err := plan(r, actor, t, now)
	if err != nil {
		e.metrics.ObserveTransition(string(t), outcome(err))
		return nil, err
	}
	updated, err := e.store.CompareAndSwap(ctx, id, r.Status, r.Version, next, now)
	if err != nil {
		e.metrics.ObserveTransition(string(t), outcome(err))
		if errors.Is(err, ErrConflict) {
			e.logger.Info("Lost transition race",
				zap.Int64("pickup_id", id), zap.String("transition", string(t)), zap.String("user_id", actor.UserID))
		}
		return nil, err
	}
	e.metrics.ObserveTransition(string(t), "ok")
	e.logger.Info("Pickup request transitioned",
		zap.Int64("pickup_id", id), zap.String("transition", string(t)),
		zap.String("from", string(r.Status)), zap.String("to", string(updated.Status)),
		zap.String("user_id", actor.UserID))

	e.announce(t, updated)
	return updated, nil
}

// announce runs after persistence; nothing it does can fail the transition.
func (e *Engine) announce(t transition, r *Request) {
	switch t {
	case transitionAccept:
		e.notifier.NotifyOne(r.CustomerID, auth.RoleCustomer, realtime.PickupEvent(realtime.KindPickupAccepted, r))
		if e.push != nil {
			e.push.PickupAccepted(r)
		}
	case transitionStart, transitionComplete:
		e.notifier.NotifyOne(r.CustomerID, auth.RoleCustomer, realtime.PickupEvent(realtime.KindPickupStatusUpdated, r))
	case transitionCancel:
		e.notifier.NotifyOne(r.CustomerID, auth.RoleCustomer, realtime.PickupEvent(realtime.KindPickupCancelled, r))
		e.notifier.Broadcast(auth.RoleCollector, realtime.PickupEvent(realtime.KindPickupPending, r))
	}
}

type locationUpdate struct {
	ID       int64 `json:"id,string"`
	Location Point `json:"location"`
}

// ReportAssigneeLocation stores the assignee's last known position on the
// request and forwards it to the requester.
func (e *Engine) ReportAssigneeLocation(ctx context.Context, actor Actor, id int64, p Point) (*Request, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsCollector() || !r.AssignedTo(actor.UserID) {
		return nil, fmt.Errorf("%w: not the assigned collector", ErrForbidden)
	}
	if r.Status != StatusAccepted && r.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, r.Status)
	}
	updated, err := e.store.SetCollectorLocation(ctx, id, actor.UserID, p, e.now())
	if err != nil {
		return nil, err
	}
	e.notifier.NotifyOne(updated.CustomerID, auth.RoleCustomer,
		realtime.PickupEvent(realtime.KindCollectorLocation, locationUpdate{ID: id, Location: p}))
	return updated, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
