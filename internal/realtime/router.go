package realtime

import (
	"ecolift/internal/auth"
	"ecolift/internal/log"
	"ecolift/internal/metrics"

	"go.uber.org/zap"
)

// Router delivers events to identities through the Registry. Delivery is best
// effort: an absent or failing recipient is logged and skipped, never returned
// to the caller.
type Router struct {
	registry *Registry
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewRouter(registry *Registry, m *metrics.Metrics, logger *log.Logger) *Router {
	return &Router{registry: registry, logger: logger, metrics: m}
}

// NotifyOne reports whether ev was handed to a live channel.
func (r *Router) NotifyOne(userID string, role auth.Role, ev Event) bool {
	s, ok := r.registry.Lookup(userID, role)
	if !ok {
		r.metrics.ObserveEvent(string(ev.Type), "absent")
		r.logger.Debug("Recipient not connected",
			zap.String("user_id", userID), zap.String("role", string(role)), zap.String("event", string(ev.Type)))
		return false
	}
	return r.deliver(s, ev)
}

// NotifyMany returns how many recipients received ev.
func (r *Router) NotifyMany(userIDs []string, role auth.Role, ev Event) int {
	n := 0
	for _, id := range userIDs {
		if r.NotifyOne(id, role, ev) {
			n++
		}
	}
	return n
}

// Broadcast sends ev to every live session of role.
func (r *Router) Broadcast(role auth.Role, ev Event) int {
	n := 0
	for _, s := range r.registry.Sessions(role) {
		if r.deliver(s, ev) {
			n++
		}
	}
	r.logger.Debug("Broadcast delivered",
		zap.String("role", string(role)), zap.String("event", string(ev.Type)), zap.Int("recipients", n))
	return n
}

func (r *Router) deliver(s *Session, ev Event) bool {
	if err := s.Send(ev); err != nil {
		userID, role, _ := s.Identity()
		r.metrics.ObserveEvent(string(ev.Type), "failed")
		r.logger.Warn("Failed to deliver event",
			zap.String("user_id", userID), zap.String("role", string(role)),
			zap.String("event", string(ev.Type)), zap.Error(err))
		return false
	}
	r.metrics.ObserveEvent(string(ev.Type), "delivered")
	return true
}
