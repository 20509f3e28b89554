package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/log"
	"ecolift/internal/pickup"
	"ecolift/internal/userservice"

	"go.uber.org/zap"
)

type Directory interface {
	Customer(ctx context.Context, id string) (*userservice.Profile, error)
	Collector(ctx context.Context, id string) (*userservice.Profile, error)
	Collectors(ctx context.Context) ([]userservice.Profile, error)
}

// Nearby finds active collectors close to a point.
type Nearby interface {
	NearbyActive(ctx context.Context, p pickup.Point, radiusKm float64) ([]string, error)
}

// Notifier turns lifecycle changes into offline pushes. Every method returns
// immediately; lookups and delivery run on the Dispatcher.
type Notifier struct {
	dispatcher *Dispatcher
	directory  Directory
	nearby     Nearby
	radiusKm   float64
	logger     *log.Logger
}

// NewNotifier builds a Notifier. nearby may be nil, and a radiusKm of 0
// disables proximity targeting.
func NewNotifier(dispatcher *Dispatcher, directory Directory, nearby Nearby, radiusKm float64, logger *log.Logger) *Notifier {
	return &Notifier{
		dispatcher: dispatcher,
		directory:  directory,
		nearby:     nearby,
		radiusKm:   radiusKm,
		logger:     logger,
	}
}

func (n *Notifier) PickupCreated(r *pickup.Request) {
	n.dispatcher.Go(func(ctx context.Context) { n.pickupCreated(ctx, r) })
}

func (n *Notifier) PickupAccepted(r *pickup.Request) {
	n.dispatcher.Go(func(ctx context.Context) { n.pickupAccepted(ctx, r) })
}

func (n *Notifier) pickupCreated(ctx context.Context, r *pickup.Request) {
	collectors, err := n.directory.Collectors(ctx)
	if err != nil {
		n.logger.Warn("Skipping new pickup push, collector lookup failed", zap.Int64("pickup_id", r.ID), zap.Error(err))
		return
	}
	targets := n.closest(ctx, r, collectors)

	data := map[string]string{
		"pickupId":   strconv.FormatInt(r.ID, 10),
		"type":       inbox.TypeInstantPickup,
		"customerId": r.CustomerID,
		"location":   jsonString(r.Location),
		"items":      jsonString(r.Items),
	}
	var wg sync.WaitGroup
	for _, c := range targets {
		notice := Notice{
			RecipientID: c.ID,
			Token:       c.FCMToken,
			Type:        inbox.TypeInstantPickup,
			Title:       "New Instant Pickup",
			Body:        "A customer has requested an instant pickup.",
			Data:        data,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.dispatcher.Deliver(ctx, notice)
		}()
	}
	wg.Wait()
	n.logger.Info("Delivered new pickup pushes", zap.Int64("pickup_id", r.ID), zap.Int("recipients", len(targets)))
}

// closest narrows collectors to the active ones near the pickup. It falls
// back to every collector when proximity search is off, fails or finds none.
func (n *Notifier) closest(ctx context.Context, r *pickup.Request, collectors []userservice.Profile) []userservice.Profile {
	if n.nearby == nil || n.radiusKm <= 0 {
		return collectors
	}
	ids, err := n.nearby.NearbyActive(ctx, r.Location, n.radiusKm)
	if err != nil {
		n.logger.Warn("Proximity search failed, notifying all collectors", zap.Int64("pickup_id", r.ID), zap.Error(err))
		return collectors
	}
	near := make(map[string]bool, len(ids))
	for _, id := range ids {
		near[id] = true
	}
	out := make([]userservice.Profile, 0, len(ids))
	for _, c := range collectors {
		if near[c.ID] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return collectors
	}
	return out
}

func (n *Notifier) pickupAccepted(ctx context.Context, r *pickup.Request) {
	if r.CollectorID == nil {
		return
	}
	customer, err := n.directory.Customer(ctx, r.CustomerID)
	if err != nil {
		n.logger.Warn("Skipping acceptance push, customer lookup failed", zap.Int64("pickup_id", r.ID), zap.Error(err))
		return
	}
	name := "a collector"
	collector, err := n.directory.Collector(ctx, *r.CollectorID)
	if err != nil {
		n.logger.Warn("Collector lookup failed", zap.String("collector_id", *r.CollectorID), zap.Error(err))
	} else if collector.Name != "" {
		name = collector.Name
	}

	data := map[string]string{
		"pickupId":      strconv.FormatInt(r.ID, 10),
		"type":          inbox.TypePickupAccepted,
		"collectorId":   *r.CollectorID,
		"collectorName": name,
		"location":      jsonString(r.Location),
		"items":         jsonString(r.Items),
	}
	if r.AcceptedAt != nil {
		data["acceptedAt"] = r.AcceptedAt.Format(time.RFC3339)
	}
	n.dispatcher.Deliver(ctx, Notice{
		RecipientID: r.CustomerID,
		Token:       customer.FCMToken,
		Type:        inbox.TypePickupAccepted,
		Title:       "Pickup Request Accepted",
		Body:        fmt.Sprintf("Your pickup request has been accepted by %s.", name),
		Data:        data,
	})
}

func jsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
