package userservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ecolift/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/customer/requested/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/api/users/customer/requested/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"customer":{"_id":"cust-1","name":"Ada","fcmToken":"tok-a"}}`))
	})
	mux.HandleFunc("/api/users/collectors/requested/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"collector":{"_id":"col-1","name":"Bayo"}}`))
	})
	mux.HandleFunc("/api/users/collectors/all", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"collectors":[{"_id":"col-1","fcmToken":"t1"},{"_id":"col-2"}]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &hits
}

func TestClientLookups(t *testing.T) {
	ts, _ := newUserService(t)
	c := NewClient(ts.URL+"/", time.Second, log.Nop())
	ctx := context.Background()

	cust, err := c.Customer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, &Profile{ID: "cust-1", Name: "Ada", FCMToken: "tok-a"}, cust)

	col, err := c.Collector(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, "Bayo", col.Name)

	all, err := c.Collectors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].FCMToken)

	_, err = c.Customer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientNotFoundDoesNotTripBreaker(t *testing.T) {
	ts, hits := newUserService(t)
	c := NewClient(ts.URL, time.Second, log.Nop())

	for i := 0; i < 10; i++ {
		_, err := c.Customer(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(10), hits.Load())
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)
	c := NewClient(ts.URL, time.Second, log.Nop())

	for i := 0; i < 10; i++ {
		_, err := c.Collector(context.Background(), "col-1")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	// four consecutive failures trip the breaker; the rest never reach the server
	assert.Equal(t, int32(4), hits.Load())
}

func TestClientWithoutBaseURL(t *testing.T) {
	c := NewClient("", time.Second, log.Nop())
	_, err := c.Collectors(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(ts.Close)
	c := NewClient(ts.URL, 20*time.Millisecond, log.Nop())
	_, err := c.Customer(context.Background(), "cust-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}
