package push

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/log"
	"ecolift/internal/metrics"

	"go.uber.org/zap"
)

type IDGenerator interface {
	Next() int64
}

// Notice is one push addressed to one recipient.
type Notice struct {
	RecipientID string
	Token       string
	Type        string
	Title       string
	Body        string
	Data        map[string]string
}

type DispatcherConfig struct {
	MaxRetries     int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

// Dispatcher delivers notices in the background, retrying transient failures
// with jittered exponential backoff, and records each notice and its outcome
// in the inbox.
type Dispatcher struct {
	sender  Sender
	inbox   inbox.Store
	ids     IDGenerator
	cfg     DispatcherConfig
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(sender Sender, store inbox.Store, ids IDGenerator, cfg DispatcherConfig, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:  sender,
		inbox:   store,
		ids:     ids,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go runs fn in a tracked goroutine. fn's context is cancelled if Close times out.
// After Close, Go is a no-op.
func (d *Dispatcher) Go(fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

// Close stops accepting work and waits for in-flight deliveries. Once ctx is
// done, pending retries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

// Deliver records n and attempts delivery until it succeeds, fails
// permanently, runs out of retries or ctx is done.
func (d *Dispatcher) Deliver(ctx context.Context, n Notice) {
	now := d.now()
	rec := &inbox.Notification{
		ID:          d.ids.Next(),
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Body:        n.Body,
		Data:        n.Data,
		Type:        n.Type,
		Status:      inbox.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.inbox.Save(ctx, rec); err != nil {
		d.logger.Error("Failed to record notification", zap.String("recipient_id", n.RecipientID), zap.Error(err))
	}

	if n.Token == "" {
		d.finish(rec, inbox.StatusFailed, 0, errors.New("recipient has no device token"))
		return
	}

	msg := Message{Token: n.Token, Title: n.Title, Body: n.Body, Data: n.Data}
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := d.sender.Send(actx, msg)
		cancel()
		if err == nil {
			d.finish(rec, inbox.StatusSent, attempt, nil)
			return
		}
		if errors.Is(err, ErrPermanent) || attempt >= d.cfg.MaxRetries {
			d.finish(rec, inbox.StatusFailed, attempt, err)
			return
		}

		backoff := d.backoff(attempt)
		d.logger.Info("Retrying push notification",
			zap.Int64("notification_id", rec.ID), zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			d.finish(rec, inbox.StatusFailed, attempt, ctx.Err())
			return
		}
	}
}

// backoff is Backoff * 2^attempt with +/-20% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.cfg.Backoff * time.Duration(1<<attempt)
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * jitter)
}

func (d *Dispatcher) finish(rec *inbox.Notification, status inbox.Status, retries int, cause error) {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
		d.logger.Warn("Push notification failed",
			zap.Int64("notification_id", rec.ID), zap.String("recipient_id", rec.RecipientID),
			zap.Int("retries", retries), zap.Error(cause))
	} else {
		d.logger.Info("Push notification sent",
			zap.Int64("notification_id", rec.ID), zap.String("recipient_id", rec.RecipientID))
	}
	d.metrics.ObservePush(string(status))

	// recorded even when the triggering context is already cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.inbox.MarkResult(ctx, rec.ID, status, retries, lastError, d.now()); err != nil {
		d.logger.Error("Failed to record notification result", zap.Int64("notification_id", rec.ID), zap.Error(err))
	}
}
