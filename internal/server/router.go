package server

import (
	"context"
	"net/http"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/config"
	"ecolift/internal/inbox"
	"ecolift/internal/location"
	"ecolift/internal/log"
	"ecolift/internal/pickup"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency reported by /health.
type Check struct {
	Name   string
	Target Pinger
}

// Services are the components the HTTP surface exposes.
type Services struct {
	Pickups   *pickup.Engine
	Locations *location.Relay
	Inbox     *inbox.Service
	Verifier  auth.Verifier
	Realtime  http.Handler
	Health    []Check
}

func SetupRouter(r *chi.Mux, cfg *config.Config, svc Services, logger *log.Logger) {
	h := &handlers{svc: svc, logger: logger}

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/ws", svc.Realtime)

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(cfg.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Use(authMiddleware(svc.Verifier, logger))
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Route("/api/pickups", func(r chi.Router) {
			r.Post("/", h.createPickup)
			r.Get("/pending", h.listPending)
			r.Get("/allPendings", h.listScoped(pickup.ScopeOpen, ""))
			r.Get("/accepted", h.listScoped(pickup.ScopeMine, pickup.StatusAccepted))
			r.Get("/inProgress", h.listScoped(pickup.ScopeMine, pickup.StatusInProgress))
			r.Get("/completed", h.listScoped(pickup.ScopeMine, pickup.StatusCompleted))
			r.Get("/all", h.listScoped(pickup.ScopeMine, ""))
			r.Get("/activities/{status}", h.listActivities)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getPickup)
				r.Put("/accept", h.transition(h.svc.Pickups.Accept))
				r.Put("/start", h.transition(h.svc.Pickups.Start))
				r.Put("/complete", h.transition(h.svc.Pickups.Complete))
				r.Put("/cancel", h.transition(h.svc.Pickups.Cancel))
				r.Put("/status", h.updateStatus)
				r.Put("/location", h.reportLocation)
				r.Get("/location", h.assigneeLocation)
			})
		})

		r.Get("/api/notifications", h.listNotifications)
		r.Put("/api/notifications/{id}/read", h.markNotificationRead)
	})
}

type actorKey struct{}

// ActorFrom returns the authenticated caller stored by the auth middleware.
func ActorFrom(ctx context.Context) (pickup.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(pickup.Actor)
	return a, ok
}

func authMiddleware(verifier auth.Verifier, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				writeMessage(w, http.StatusUnauthorized, "Missing token")
				return
			}
			claims, err := verifier.Verify(r.Context(), tokenStr)
			if err != nil {
				logger.Debug("Rejected request credential", zap.String("path", r.URL.Path), zap.Error(err))
				writeMessage(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, pickup.Actor{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, c := range h.svc.Health {
		if err := c.Target.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", zap.String("dependency", c.Name), zap.Error(err))
			writeMessage(w, http.StatusServiceUnavailable, c.Name+" unhealthy")
			return
		}
	}
	w.Write([]byte("OK"))
}
