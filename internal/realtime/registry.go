package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/log"
	"ecolift/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is a live bidirectional transport to one client.
type Channel interface {
	// Send queues ev for delivery. It must not block on the peer.
	Send(ev Event) error
	// Ping sends a liveness probe; the answer is reported via Session.MarkAlive.
	Ping() error
	Close() error
}

// Session is one admitted connection. It is unbound until the handshake
// registers it under an identity.
type Session struct {
	ID         string
	ch         Channel
	admittedAt time.Time

	mu     sync.RWMutex
	userID string
	role   auth.Role
	bound  bool

	awaitingPong atomic.Bool
	lastSeen     atomic.Int64
}

func (s *Session) Identity() (userID string, role auth.Role, bound bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.role, s.bound
}

func (s *Session) Send(ev Event) error {
	return s.ch.Send(ev)
}

func (s *Session) Close() error {
	return s.ch.Close()
}

// MarkAlive records a liveness answer (pong) from the peer.
func (s *Session) MarkAlive(at time.Time) {
	s.awaitingPong.Store(false)
	s.lastSeen.Store(at.UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Registry maps authenticated identities to their live session, one per
// (role, identity). It also tracks not-yet-authenticated sessions so the
// sweep can reap connections that never complete a handshake.
type Registry struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byRole   map[auth.Role]map[string]*Session

	grace   time.Duration
	now     func() time.Time
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewRegistry(handshakeGrace time.Duration, m *metrics.Metrics, logger *log.Logger) *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
		byRole: map[auth.Role]map[string]*Session{
			auth.RoleCustomer:  make(map[string]*Session),
			auth.RoleCollector: make(map[string]*Session),
		},
		grace:   handshakeGrace,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

// Admit starts tracking a freshly opened, unauthenticated channel.
func (r *Registry) Admit(ch Channel) *Session {
	now := r.now()
	s := &Session{ID: uuid.NewString(), ch: ch, admittedAt: now}
	s.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Register binds s to (userID, role). A session previously registered for the
// same identity is evicted and its channel closed, so only one channel ever
// receives that identity's events.
func (r *Registry) Register(s *Session, userID string, role auth.Role) {
	s.mu.Lock()
	s.userID, s.role, s.bound = userID, role, true
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	prior := r.byRole[role][userID]
	r.byRole[role][userID] = s
	if prior != nil && prior != s {
		delete(r.sessions, prior)
	}
	n := len(r.byRole[role])
	r.mu.Unlock()

	r.metrics.SetConnections(string(role), n)
	if prior != nil && prior != s {
		r.logger.Info("Superseding live connection",
			zap.String("user_id", userID), zap.String("role", string(role)),
			zap.String("old_session", prior.ID), zap.String("new_session", s.ID))
		if err := prior.Close(); err != nil {
			r.logger.Warn("Failed to close superseded connection", zap.Error(err))
		}
	}
}

// Unregister forgets s. The identity mapping is removed only if it still
// points at s, so a late unregister from a superseded connection never evicts
// the newer one. Safe to call more than once.
func (r *Registry) Unregister(s *Session) {
	userID, role, bound := s.Identity()

	r.mu.Lock()
	delete(r.sessions, s)
	n := -1
	if bound && r.byRole[role][userID] == s {
		delete(r.byRole[role], userID)
		n = len(r.byRole[role])
	}
	r.mu.Unlock()

	if n >= 0 {
		r.metrics.SetConnections(string(role), n)
		r.logger.Info("Connection unregistered", zap.String("user_id", userID), zap.String("role", string(role)))
	}
}

// Lookup never touches the channel itself.
func (r *Registry) Lookup(userID string, role auth.Role) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byRole[role][userID]
	return s, ok
}

// Sessions returns a snapshot of the live sessions for role.
func (r *Registry) Sessions(role auth.Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byRole[role]))
	for _, s := range r.byRole[role] {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len(role auth.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRole[role])
}

// Pending is the number of admitted sessions that have not completed a handshake.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for s := range r.sessions {
		if _, _, bound := s.Identity(); !bound {
			n++
		}
	}
	return n
}

// Sweep terminates sessions that did not answer the previous probe, and
// unauthenticated sessions older than the handshake grace period, then probes
// every survivor.
func (r *Registry) Sweep() {
	now := r.now()
	var dead, probe []*Session

	r.mu.RLock()
	for s := range r.sessions {
		_, _, bound := s.Identity()
		switch {
		case !bound && now.Sub(s.admittedAt) >= r.grace:
			dead = append(dead, s)
		case s.awaitingPong.Load():
			dead = append(dead, s)
		default:
			probe = append(probe, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range dead {
		r.terminate(s, "liveness check failed")
	}
	for _, s := range probe {
		s.awaitingPong.Store(true)
		if err := s.ch.Ping(); err != nil {
			r.logger.Warn("Liveness probe failed", zap.String("session", s.ID), zap.Error(err))
			r.terminate(s, "probe failed")
		}
	}
}

func (r *Registry) terminate(s *Session, reason string) {
	userID, role, _ := s.Identity()
	r.logger.Info("Terminating connection",
		zap.String("session", s.ID), zap.String("user_id", userID),
		zap.String("role", string(role)), zap.String("reason", reason),
		zap.Time("last_seen", s.LastSeen()))
	r.Unregister(s)
	if err := s.Close(); err != nil {
		r.logger.Warn("Failed to close connection", zap.String("session", s.ID), zap.Error(err))
	}
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Liveness sweeper shutting down")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
