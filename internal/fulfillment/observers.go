package fulfillment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/storefront-engine/internal/domain/notify"
	"github.com/xenking/storefront-engine/internal/domain/order"
)

// LabelCanceller voids the purchased label when a labelled order is
// cancelled before handover.
type LabelCanceller struct {
	carriers Carriers
}

var _ order.Observer = (*LabelCanceller)(nil)

// NewLabelCanceller creates a LabelCanceller.
func NewLabelCanceller(carriers Carriers) *LabelCanceller {
	return &LabelCanceller{carriers: carriers}
}

func (c *LabelCanceller) OnTransition(ctx context.Context, o *order.Order, change order.StatusChange) error {
	if change.To != order.StatusCancelled || o.Shipment == nil {
		return nil
	}
	p, ok := c.carriers.Provider(o.Shipment.Carrier)
	if !ok {
		return errors.Errorf("carrier %q not configured", o.Shipment.Carrier)
	}
	if err := p.CancelLabel(ctx, o.Shipment.LabelID); err != nil {
		return errors.Wrapf(err, "cancel label %s", o.Shipment.LabelID)
	}
	return nil
}

// Announcer publishes every committed order transition.
type Announcer struct {
	notifier notify.Notifier
}

var _ order.Observer = (*Announcer)(nil)

// NewAnnouncer creates an Announcer.
func NewAnnouncer(n notify.Notifier) *Announcer {
	return &Announcer{notifier: n}
}

func (a *Announcer) OnTransition(ctx context.Context, o *order.Order, change order.StatusChange) error {
	e := notify.Event{
		ID:         uuid.NewString(),
		Kind:       notify.KindOrderStatusChanged,
		OrderID:    o.ID,
		ReturnID:   change.ReturnID,
		From:       string(change.From),
		To:         string(change.To),
		Actor:      change.Actor,
		OccurredAt: change.At,
		Attributes: map[string]string{"total": o.Total.String()},
	}
	if o.Shipment != nil {
		e.Attributes["tracking_number"] = o.Shipment.TrackingNumber
		e.Attributes["carrier"] = o.Shipment.Carrier
	}
	if change.Reason != "" {
		e.Attributes["reason"] = change.Reason
	}
	return a.notifier.Notify(ctx, e)
}
