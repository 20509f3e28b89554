package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ecolift/internal/auth"
	"ecolift/internal/id"
	"ecolift/internal/inbox"
	"ecolift/internal/log"
	"ecolift/internal/pickup"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type handlers struct {
	svc    Services
	logger *log.Logger
}

func (h *handlers) createPickup(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req struct {
		Location      pickup.Point  `json:"location"`
		Items         []pickup.Item `json:"items"`
		RequestType   string        `json:"requestType"`
		ScheduledTime *time.Time    `json:"scheduledTime"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Debug("Failed to decode pickup request", zap.Error(err))
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	mode, err := pickup.ParseMode(req.RequestType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in := pickup.NewRequest{Location: req.Location, Items: req.Items, Mode: mode, ScheduledTime: req.ScheduledTime}

	created, err := h.svc.Pickups.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// listPending lists the caller's own pending requests, or every open one for
// collectors.
func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	q := pickup.Query{Scope: pickup.ScopeMine, Status: pickup.StatusPending}
	if actor.IsCollector() {
		q = pickup.Query{Scope: pickup.ScopeOpen}
	}
	h.list(w, r, q)
}

func (h *handlers) listScoped(scope pickup.Scope, status pickup.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.list(w, r, pickup.Query{Scope: scope, Status: status})
	}
}

func (h *handlers) listActivities(w http.ResponseWriter, r *http.Request) {
	status, err := pickup.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.list(w, r, pickup.Query{Scope: pickup.ScopeMine, Status: status})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request, q pickup.Query) {
	actor, _ := ActorFrom(r.Context())
	views, err := h.svc.Pickups.List(r.Context(), actor, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) getPickup(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pickupID(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFrom(r.Context())
	req, err := h.svc.Pickups.Get(r.Context(), actor, pid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionFunc func(ctx context.Context, actor pickup.Actor, id int64) (*pickup.Request, error)

func (h *handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := h.pickupID(w, r)
		if !ok {
			return
		}
		actor, _ := ActorFrom(r.Context())
		updated, err := fn(r.Context(), actor, pid)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pickupID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	actor, _ := ActorFrom(r.Context())
	updated, err := h.svc.Pickups.UpdateStatus(r.Context(), actor, pid, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) reportLocation(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pickupID(w, r)
	if !ok {
		return
	}
	var req struct {
		Coordinates []float64 `json:"coordinates"`
	}
	if err := decodeBody(w, r, &req); err != nil || len(req.Coordinates) != 2 {
		writeMessage(w, http.StatusBadRequest, "coordinates must be [longitude, latitude]")
		return
	}
	actor, _ := ActorFrom(r.Context())
	p := pickup.Point{Longitude: req.Coordinates[0], Latitude: req.Coordinates[1]}
	updated, err := h.svc.Pickups.ReportAssigneeLocation(r.Context(), actor, pid, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) assigneeLocation(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pickupID(w, r)
	if !ok {
		return
	}
	actor, _ := ActorFrom(r.Context())
	fix, err := h.svc.Locations.AssigneeLocation(r.Context(), actor, pid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fix)
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	items, err := h.svc.Inbox.List(r.Context(), actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	nid, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid notification id")
		return
	}
	actor, _ := ActorFrom(r.Context())
	if err := h.svc.Inbox.MarkRead(r.Context(), actor.UserID, nid); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) pickupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	pid, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid pickup id")
		return 0, false
	}
	return pid, true
}

// fail maps domain errors onto HTTP statuses. Unexpected errors are logged
// and reported without detail.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("Request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeMessage(w, status, "Internal server error")
		return
	case http.StatusGatewayTimeout:
		h.logger.Warn("Request timed out", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		writeMessage(w, status, "Request timed out")
		return
	}
	writeMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pickup.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pickup.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pickup.ErrNotFound), errors.Is(err, inbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pickup.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pickup.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
