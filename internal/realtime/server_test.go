package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/log"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	collectorID string
	lon, lat    float64
}

type stubReporter struct {
	mu      sync.Mutex
	reports []report
	err     error
}

func (s *stubReporter) Report(_ context.Context, collectorID string, lon, lat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report{collectorID, lon, lat})
	return s.err
}

type wsHarness struct {
	registry *Registry
	router   *Router
	reporter *stubReporter
	issuer   *auth.JWTVerifier
	url      string
}

func newWSHarness(t *testing.T, grace time.Duration) *wsHarness {
	t.Helper()
	issuer := auth.NewJWTVerifier(testSecret)
	reg := NewRegistry(grace, nil, log.Nop())
	rep := &stubReporter{}
	srv := NewServer(reg, NewHandshake(reg, issuer, log.Nop()), rep,
		ServerConfig{HandshakeGrace: grace, SendBuffer: 8, WriteTimeout: time.Second}, log.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &wsHarness{
		registry: reg,
		router:   NewRouter(reg, nil, log.Nop()),
		reporter: rep,
		issuer:   issuer,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *wsHarness) login(t *testing.T, userID string, role auth.Role) *websocket.Conn {
	t.Helper()
	token, err := h.issuer.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	conn := h.dial(t)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": token, "role": string(role)}))
	ev := readEvent(t, conn)
	require.Equal(t, KindAuthSuccess, ev.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestServerHandshakeAndDelivery(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.login(t, "cust-1", auth.RoleCustomer)

	require.True(t, h.router.NotifyOne("cust-1", auth.RoleCustomer, PickupEvent(KindPickupAccepted, map[string]string{"id": "42"})))
	ev := readEvent(t, conn)
	assert.Equal(t, KindPickupAccepted, ev.Type)
	assert.Equal(t, map[string]interface{}{"id": "42"}, ev.Data)
}

func TestServerRejectsBadToken(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.dial(t)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": "garbage", "role": "customer"}))

	ev := readEvent(t, conn)
	assert.Equal(t, KindAuthError, ev.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServerLocationUpdate(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.login(t, "col-1", auth.RoleCollector)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "LOCATION_UPDATE", "coordinates": []float64{3.4, 6.5}}))
	assert.Equal(t, KindLocationUpdateSuccess, readEvent(t, conn).Type)

	h.reporter.mu.Lock()
	assert.Equal(t, []report{{"col-1", 3.4, 6.5}}, h.reporter.reports)
	h.reporter.mu.Unlock()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "LOCATION_UPDATE", "coordinates": []float64{3.4}}))
	assert.Equal(t, KindLocationUpdateError, readEvent(t, conn).Type)

	h.reporter.mu.Lock()
	h.reporter.err = errors.New("latitude out of range")
	h.reporter.mu.Unlock()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "LOCATION_UPDATE", "coordinates": []float64{3.4, 95}}))
	ev := readEvent(t, conn)
	assert.Equal(t, KindLocationUpdateError, ev.Type)
	assert.Equal(t, "latitude out of range", ev.Message)
}

func TestServerCustomerCannotReportLocation(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.login(t, "cust-1", auth.RoleCustomer)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "LOCATION_UPDATE", "coordinates": []float64{3.4, 6.5}}))
	assert.Equal(t, KindError, readEvent(t, conn).Type)
	assert.Empty(t, h.reporter.reports)
}

func TestServerAcknowledgesOtherFrames(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.login(t, "cust-1", auth.RoleCustomer)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "CHAT", "messageText": "hello"}))
	ev := readEvent(t, conn)
	assert.Equal(t, KindMessageReceived, ev.Type)
	assert.Equal(t, "Server received: hello", ev.Text)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev = readEvent(t, conn)
	assert.Equal(t, KindError, ev.Type)
	assert.Equal(t, "Error processing your message", ev.Message)
}

func TestServerSecondLoginSupersedesFirst(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	first := h.login(t, "col-1", auth.RoleCollector)
	second := h.login(t, "col-1", auth.RoleCollector)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.True(t, h.router.NotifyOne("col-1", auth.RoleCollector, PickupEvent(KindPickupCreated, nil)))
	assert.Equal(t, KindPickupCreated, readEvent(t, second).Type)
}

func TestServerDropsSilentClientAfterGrace(t *testing.T) {
	h := newWSHarness(t, 200*time.Millisecond)
	conn := h.dial(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.registry.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerDisconnectUnregisters(t *testing.T) {
	h := newWSHarness(t, 5*time.Second)
	conn := h.login(t, "cust-1", auth.RoleCustomer)
	require.Equal(t, 1, h.registry.Len(auth.RoleCustomer))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.registry.Len(auth.RoleCustomer) == 0 }, 2*time.Second, 10*time.Millisecond)
}
