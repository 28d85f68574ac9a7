package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

// TrackerActor is recorded on transitions made by the tracker.
const TrackerActor = "system:tracking"

// TrackerConfig tunes the polling loop.
type TrackerConfig struct {
	Interval      time.Duration
	BatchSize     int
	LookupTimeout time.Duration
}

func (c *TrackerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
}

// Tracker polls carriers for SHIPPED orders and moves delivered ones to
// DELIVERED. It also checks an order as soon as it enters SHIPPED.
type Tracker struct {
	orders   order.Repository
	machine  *order.Machine
	carriers Carriers
	cfg      TrackerConfig
	metrics  *TrackerMetrics
}

var _ order.Observer = (*Tracker)(nil)

// NewTracker creates a Tracker. metrics may be nil.
func NewTracker(orders order.Repository, machine *order.Machine, carriers Carriers, cfg TrackerConfig, metrics *TrackerMetrics) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		orders:   orders,
		machine:  machine,
		carriers: carriers,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Run polls until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			delivered, err := t.PollOnce(ctx)
			if err != nil {
				lg.Warn("Tracking poll finished with errors", zap.Int("delivered", delivered), zap.Error(err))
				continue
			}
			if delivered > 0 {
				lg.Info("Tracking poll", zap.Int("delivered", delivered))
			}
		}
	}
}

// PollOnce checks every SHIPPED order, BatchSize at a time, and returns how
// many were moved to DELIVERED. Per-order failures are combined into the
// error; they do not stop the pass.
func (t *Tracker) PollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { t.metrics.observePass(time.Since(start)) }()

	var (
		delivered int
		errs      error
		after     order.Cursor
	)
	for {
		shipped, err := t.orders.ListByStatus(ctx, order.StatusShipped, after, t.cfg.BatchSize)
		if err != nil {
			return delivered, multierr.Append(errs, errors.Wrap(err, "list shipped orders"))
		}
		for i := range shipped {
			if ctx.Err() != nil {
				return delivered, multierr.Append(errs, ctx.Err())
			}
			ok, err := t.check(ctx, &shipped[i])
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "order %s", shipped[i].ID))
				continue
			}
			if ok {
				delivered++
			}
		}
		if len(shipped) < t.cfg.BatchSize {
			return delivered, errs
		}
		after = shipped[len(shipped)-1].Cursor()
	}
}

// OnTransition checks a freshly SHIPPED order right away.
func (t *Tracker) OnTransition(ctx context.Context, o *order.Order, change order.StatusChange) error {
	if change.To != order.StatusShipped {
		return nil
	}
	_, err := t.check(ctx, o)
	return err
}

func (t *Tracker) check(ctx context.Context, o *order.Order) (bool, error) {
	if o.Shipment == nil {
		return false, nil
	}
	carrier := o.Shipment.Carrier
	p, ok := t.carriers.Provider(carrier)
	if !ok {
		t.metrics.incFailure(carrier)
		return false, errors.Errorf("carrier %q not configured", carrier)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.cfg.LookupTimeout)
	info, err := p.GetTracking(lookupCtx, o.Shipment.TrackingNumber)
	cancel()
	if err != nil {
		t.metrics.incFailure(carrier)
		return false, errors.Wrap(err, "get tracking")
	}
	t.metrics.incChecked(carrier, string(info.Status))
	if info.Status != shipping.TrackingDelivered {
		return false, nil
	}

	_, err = t.machine.Transition(ctx, o.ID, order.StatusDelivered, TrackerActor,
		order.WithReason("carrier reported delivery"),
	)
	switch {
	case errors.Is(err, order.ErrIllegalTransition):
		// Already moved on, e.g. refunded while in transit.
		zctx.From(ctx).Debug("Skip delivered shipment",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return false, nil
	case err != nil:
		t.metrics.incFailure(carrier)
		return false, errors.Wrap(err, "mark delivered")
	}
	t.metrics.incDelivered()
	return true, nil
}
