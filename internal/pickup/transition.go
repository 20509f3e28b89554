package pickup

import (
	"fmt"
	"time"
)

type transition string

const (
	transitionAccept   transition = "accept"
	transitionStart    transition = "start"
	transitionComplete transition = "complete"
	transitionCancel   transition = "cancel"
)

// plan computes the lifecycle r moves to when actor attempts t at now.
// Assignment is checked before state, so a non-assignee always sees
// ErrForbidden regardless of where the request is.
func plan(r *Request, actor Actor, t transition, now time.Time) (Lifecycle, error) {
	cur := r.Lifecycle()
	at := now

	if t == transitionAccept {
		if !actor.IsCollector() {
			return Lifecycle{}, fmt.Errorf("%w: only collectors can accept pickups", ErrForbidden)
		}
		if cur.Status != StatusPending {
			return Lifecycle{}, fmt.Errorf("%w: request is %s, not %s", ErrInvalidTransition, cur.Status, StatusPending)
		}
		collector := actor.UserID
		return Lifecycle{Status: StatusAccepted, CollectorID: &collector, AcceptedAt: &at}, nil
	}

	if !actor.IsCollector() || !r.AssignedTo(actor.UserID) {
		return Lifecycle{}, fmt.Errorf("%w: not the assigned collector", ErrForbidden)
	}

	next := cur
	switch t {
	case transitionStart:
		if cur.Status != StatusAccepted {
			return Lifecycle{}, fmt.Errorf("%w: cannot start a request that is %s", ErrInvalidTransition, cur.Status)
		}
		next.Status = StatusInProgress
		next.StartedAt = &at
	case transitionComplete:
		if cur.Status != StatusInProgress {
			return Lifecycle{}, fmt.Errorf("%w: cannot complete a request that is %s", ErrInvalidTransition, cur.Status)
		}
		next.Status = StatusCompleted
		next.CompletedAt = &at
	case transitionCancel:
		if cur.Status != StatusAccepted && cur.Status != StatusInProgress {
			return Lifecycle{}, fmt.Errorf("%w: cannot cancel a request that is %s", ErrInvalidTransition, cur.Status)
		}
		next = Lifecycle{Status: StatusPending}
	default:
		return Lifecycle{}, fmt.Errorf("unknown transition %q", t)
	}
	return next, nil
}

// transitionTo maps a requested status onto the transition that reaches it.
func transitionTo(s Status) (transition, error) {
	switch s {
	case StatusAccepted:
		return transitionAccept, nil
	case StatusInProgress:
		return transitionStart, nil
	case StatusCompleted:
		return transitionComplete, nil
	}
	return "", fmt.Errorf("%w: status must be %s, %s or %s", ErrValidation, StatusAccepted, StatusInProgress, StatusCompleted)
}
