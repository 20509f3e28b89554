package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/pickup"
)

// MemoryStore keeps pickup requests in process memory. It serializes every
// conditional update under one lock, which gives the same single-winner
// guarantee as the database stores.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[int64]*pickup.Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[int64]*pickup.Request)}
}

func (s *MemoryStore) Create(_ context.Context, r *pickup.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("pickup request %d already exists", r.ID)
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*pickup.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) Find(_ context.Context, f pickup.Filter) ([]*pickup.Request, error) {
	s.mu.RLock()
	out := make([]*pickup.Request, 0)
	for _, r := range s.requests {
		if matches(r, f) {
			out = append(out, cloneRequest(r))
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id int64, expected pickup.Status, version int64, next pickup.Lifecycle, at time.Time) (*pickup.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	if r.Status != expected || r.Version != version {
		return nil, fmt.Errorf("%w: request %d is %s at version %d", pickup.ErrConflict, id, r.Status, r.Version)
	}
	r.Apply(next, at)
	return cloneRequest(r), nil
}

func (s *MemoryStore) SetCollectorLocation(_ context.Context, id int64, collectorID string, p pickup.Point, at time.Time) (*pickup.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	if !r.AssignedTo(collectorID) || !activeStatus(r.Status) {
		return nil, fmt.Errorf("%w: request %d is no longer assigned to %s", pickup.ErrConflict, id, collectorID)
	}
	loc := p
	r.CollectorLocation = &loc
	r.UpdatedAt = at
	return cloneRequest(r), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func matches(r *pickup.Request, f pickup.Filter) bool {
	if f.CustomerID != "" && r.CustomerID != f.CustomerID {
		return false
	}
	if f.CollectorID != "" && !r.AssignedTo(f.CollectorID) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if r.Status == st {
			return true
		}
	}
	return false
}

func activeStatus(s pickup.Status) bool {
	return s == pickup.StatusAccepted || s == pickup.StatusInProgress
}

func sortNewestFirst(rs []*pickup.Request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

func cloneRequest(r *pickup.Request) *pickup.Request {
	c := *r
	c.Items = append([]pickup.Item(nil), r.Items...)
	c.CollectorID = cloneString(r.CollectorID)
	c.ScheduledTime = cloneTime(r.ScheduledTime)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.CollectorLocation != nil {
		loc := *r.CollectorLocation
		c.CollectorLocation = &loc
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MemoryInbox is the in-process notification inbox.
type MemoryInbox struct {
	mu    sync.RWMutex
	items map[int64]*inbox.Notification
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{items: make(map[int64]*inbox.Notification)}
}

func (s *MemoryInbox) Save(_ context.Context, n *inbox.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	s.items[n.ID] = &c
	return nil
}

func (s *MemoryInbox) MarkResult(_ context.Context, id int64, status inbox.Status, retries int, lastError *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %d", inbox.ErrNotFound, id)
	}
	n.Status, n.Retries, n.LastError, n.UpdatedAt = status, retries, cloneString(lastError), at
	return nil
}

func (s *MemoryInbox) ListByRecipient(_ context.Context, recipientID string, limit int) ([]*inbox.Notification, error) {
	s.mu.RLock()
	out := make([]*inbox.Notification, 0)
	for _, n := range s.items {
		if n.RecipientID == recipientID {
			c := *n
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryInbox) MarkRead(_ context.Context, id int64, recipientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || n.RecipientID != recipientID {
		return fmt.Errorf("%w: %d", inbox.ErrNotFound, id)
	}
	n.Read, n.UpdatedAt = true, at
	return nil
}
