package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/log"
	"ecolift/internal/pickup"
	"ecolift/internal/store"
	"ecolift/internal/userservice"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return s.n.Add(1) }

type fakeSender struct {
	mu       sync.Mutex
	failures map[string]int
	err      error
	sent     []Message
	attempts int
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures[m.Token] > 0 {
		f.failures[m.Token]--
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Token)
	}
	return out
}

func newDispatcher(sender Sender, in inbox.Store, retries int) *Dispatcher {
	return NewDispatcher(sender, in, &seqIDs{}, DispatcherConfig{MaxRetries: retries, Backoff: time.Millisecond}, nil, log.Nop())
}

func only(t *testing.T, in inbox.Store, recipient string) *inbox.Notification {
	t.Helper()
	got, err := in.ListByRecipient(context.Background(), recipient, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: map[string]int{"tok": 2}, err: errors.New("unavailable")}
	in := store.NewMemoryInbox()
	d := newDispatcher(sender, in, 3)

	d.Deliver(context.Background(), Notice{RecipientID: "u1", Token: "tok", Type: inbox.TypeInstantPickup, Title: "t", Body: "b"})

	n := only(t, in, "u1")
	assert.Equal(t, inbox.StatusSent, n.Status)
	assert.Equal(t, 2, n.Retries)
	assert.Nil(t, n.LastError)
	assert.Equal(t, 3, sender.attempts)
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	sender := &fakeSender{failures: map[string]int{"tok": 10}, err: errors.New("unavailable")}
	in := store.NewMemoryInbox()
	d := newDispatcher(sender, in, 2)

	d.Deliver(context.Background(), Notice{RecipientID: "u1", Token: "tok"})

	n := only(t, in, "u1")
	assert.Equal(t, inbox.StatusFailed, n.Status)
	assert.Equal(t, 2, n.Retries)
	require.NotNil(t, n.LastError)
	assert.Equal(t, "unavailable", *n.LastError)
	assert.Equal(t, 3, sender.attempts)
}

func TestDeliverDoesNotRetryPermanentFailure(t *testing.T) {
	sender := &fakeSender{failures: map[string]int{"tok": 10}, err: ErrPermanent}
	in := store.NewMemoryInbox()
	newDispatcher(sender, in, 5).Deliver(context.Background(), Notice{RecipientID: "u1", Token: "tok"})

	assert.Equal(t, 1, sender.attempts)
	assert.Equal(t, inbox.StatusFailed, only(t, in, "u1").Status)
}

type stuckSender struct{ attempts atomic.Int32 }

func (s *stuckSender) Send(ctx context.Context, _ Message) error {
	s.attempts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestDeliverBoundsEachAttempt(t *testing.T) {
	sender := &stuckSender{}
	in := store.NewMemoryInbox()
	d := NewDispatcher(sender, in, &seqIDs{}, DispatcherConfig{
		MaxRetries:     1,
		Backoff:        time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}, nil, log.Nop())

	start := time.Now()
	d.Deliver(context.Background(), Notice{RecipientID: "u1", Token: "tok"})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), sender.attempts.Load())
	assert.Equal(t, inbox.StatusFailed, only(t, in, "u1").Status)
}

func TestDeliverWithoutToken(t *testing.T) {
	sender := &fakeSender{}
	in := store.NewMemoryInbox()
	newDispatcher(sender, in, 3).Deliver(context.Background(), Notice{RecipientID: "u1"})

	assert.Equal(t, 0, sender.attempts)
	n := only(t, in, "u1")
	assert.Equal(t, inbox.StatusFailed, n.Status)
}

func TestCloseStopsRetries(t *testing.T) {
	sender := &fakeSender{failures: map[string]int{"tok": 100}, err: errors.New("unavailable")}
	in := store.NewMemoryInbox()
	d := NewDispatcher(sender, in, &seqIDs{}, DispatcherConfig{MaxRetries: 50, Backoff: time.Hour}, nil, log.Nop())

	d.Go(func(ctx context.Context) { d.Deliver(ctx, Notice{RecipientID: "u1", Token: "tok"}) })
	require.Eventually(t, func() bool {
		got, _ := in.ListByRecipient(context.Background(), "u1", 1)
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		d.Close(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, inbox.StatusFailed, only(t, in, "u1").Status)

	ran := false
	d.Go(func(context.Context) { ran = true })
	assert.False(t, ran)
}

type fakeDirectory struct {
	customers  map[string]*userservice.Profile
	collectors []userservice.Profile
	err        error
}

func (f *fakeDirectory) Customer(_ context.Context, id string) (*userservice.Profile, error) {
	if p, ok := f.customers[id]; ok {
		return p, nil
	}
	return nil, userservice.ErrNotFound
}

func (f *fakeDirectory) Collector(_ context.Context, id string) (*userservice.Profile, error) {
	for _, c := range f.collectors {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, userservice.ErrNotFound
}

func (f *fakeDirectory) Collectors(context.Context) ([]userservice.Profile, error) {
	return f.collectors, f.err
}

type fakeNearby struct {
	ids []string
	err error
}

func (f fakeNearby) NearbyActive(context.Context, pickup.Point, float64) ([]string, error) {
	return f.ids, f.err
}

func instantPickup() *pickup.Request {
	return &pickup.Request{
		ID: 77, CustomerID: "cust-1", Mode: pickup.ModeInstant, Status: pickup.StatusPending,
		Location: pickup.Point{Longitude: 3.4, Latitude: 6.5},
		Items:    []pickup.Item{{Category: "plastic", Quantity: 2}},
	}
}

func TestPickupCreatedTargets(t *testing.T) {
	dir := &fakeDirectory{collectors: []userservice.Profile{
		{ID: "c1", FCMToken: "t1"}, {ID: "c2", FCMToken: "t2"}, {ID: "c3", FCMToken: "t3"},
	}}
	cases := map[string]struct {
		nearby Nearby
		radius float64
		want   []string
	}{
		"nearby active only":      {nearby: fakeNearby{ids: []string{"c3", "c1"}}, radius: 5, want: []string{"t1", "t3"}},
		"none nearby falls back":  {nearby: fakeNearby{}, radius: 5, want: []string{"t1", "t2", "t3"}},
		"search error falls back": {nearby: fakeNearby{err: errors.New("down")}, radius: 5, want: []string{"t1", "t2", "t3"}},
		"proximity disabled":      {nearby: fakeNearby{ids: []string{"c1"}}, radius: 0, want: []string{"t1", "t2", "t3"}},
		"no location store":       {radius: 5, want: []string{"t1", "t2", "t3"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{}
			in := store.NewMemoryInbox()
			d := newDispatcher(sender, in, 0)
			NewNotifier(d, dir, tc.nearby, tc.radius, log.Nop()).PickupCreated(instantPickup())
			d.Close(context.Background())
			assert.ElementsMatch(t, tc.want, sender.tokens())
		})
	}
}

func TestPickupCreatedDirectoryDown(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, store.NewMemoryInbox(), 0)
	NewNotifier(d, &fakeDirectory{err: userservice.ErrUnavailable}, nil, 0, log.Nop()).PickupCreated(instantPickup())
	d.Close(context.Background())
	assert.Empty(t, sender.tokens())
}

func TestPickupAccepted(t *testing.T) {
	dir := &fakeDirectory{
		customers:  map[string]*userservice.Profile{"cust-1": {ID: "cust-1", FCMToken: "cust-token"}},
		collectors: []userservice.Profile{{ID: "col-1", Name: "Bayo"}},
	}
	sender := &fakeSender{}
	in := store.NewMemoryInbox()
	d := newDispatcher(sender, in, 0)

	r := instantPickup()
	collector := "col-1"
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r.CollectorID, r.AcceptedAt, r.Status = &collector, &at, pickup.StatusAccepted
	NewNotifier(d, dir, nil, 0, log.Nop()).PickupAccepted(r)
	d.Close(context.Background())

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, "cust-token", m.Token)
	assert.Equal(t, "Your pickup request has been accepted by Bayo.", m.Body)
	assert.Equal(t, "77", m.Data["pickupId"])
	assert.Equal(t, inbox.TypePickupAccepted, m.Data["type"])
	assert.Equal(t, "2025-06-01T10:00:00Z", m.Data["acceptedAt"])

	n := only(t, in, "cust-1")
	assert.Equal(t, inbox.StatusSent, n.Status)
	assert.Equal(t, inbox.TypePickupAccepted, n.Type)
}
