package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/config"
	"ecolift/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunServesAPIUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.StoreDriver = config.DriverMemory
	cfg.JWTSecret = "run-test-secret"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.UserServiceURL = "http://127.0.0.1:1"
	cfg.ExternalTimeout = 200 * time.Millisecond
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, false, log.Nop(), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatalf("run returned before serving: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	base := "http://" + addr

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	tok, err := auth.NewJWTVerifier(cfg.JWTSecret).Issue("cust-1", auth.RoleCustomer, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, base+"/api/pickups", strings.NewReader(`{
		"location": {"type": "Point", "coordinates": [3.38, 6.52]},
		"items": [{"type": "plastic", "quantity": 2}],
		"requestType": "instant"
	}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}
