// Package fulfillment buys shipping labels, hands orders to carriers and
// follows them to delivery.
package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

// Carriers resolves a carrier adapter by name.
type Carriers interface {
	Provider(name string) (shipping.Provider, bool)
}

// Service purchases labels and marks orders shipped.
type Service struct {
	orders   order.Repository
	machine  *order.Machine
	carriers Carriers
	fromZip  string
	now      func() time.Time
}

// NewService creates a Service shipping from the warehouse at fromZip.
func NewService(orders order.Repository, machine *order.Machine, carriers Carriers, fromZip string) *Service {
	return &Service{
		orders:   orders,
		machine:  machine,
		carriers: carriers,
		fromZip:  fromZip,
		now:      time.Now,
	}
}

// PurchaseLabel buys a label from the carrier the order was quoted with.
// The order must be PAID. Calling it again for an order that already has a
// label returns the order unchanged.
func (s *Service) PurchaseLabel(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	if o.Shipment != nil {
		return o, nil
	}
	if o.Status != order.StatusPaid {
		return nil, &order.IllegalTransitionError{
			OrderID: o.ID,
			From:    o.Status,
			To:      order.StatusShipped,
			Reason:  "labels are purchased for PAID orders only",
		}
	}

	p, err := s.carrier(o.Shipping.Carrier)
	if err != nil {
		return nil, err
	}
	label, err := p.CreateLabel(ctx, shipping.LabelRequest{
		OrderID:      o.ID,
		ServiceLevel: o.Shipping.ServiceLevel,
		FromZip:      s.fromZip,
		ToZip:        o.Destination.PostalCode,
		Weight:       o.Weight,
		Destination:  o.Destination,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create label")
	}

	shipment := order.Shipment{
		Carrier:        p.Name(),
		LabelID:        label.ID,
		TrackingNumber: label.TrackingNumber,
		LabelURL:       label.LabelURL,
		Cost:           label.Cost,
		PurchasedAt:    s.now(),
	}
	if err := s.orders.SaveShipment(ctx, o.ID, o.Version, shipment); err != nil {
		// Someone else changed the order meanwhile; void the label so it is
		// not billed twice.
		if cerr := p.CancelLabel(context.WithoutCancel(ctx), label.ID); cerr != nil {
			zctx.From(ctx).Warn("Void label after failed save",
				zap.String("order_id", o.ID),
				zap.String("label_id", label.ID),
				zap.Error(cerr),
			)
		}
		return nil, errors.Wrap(err, "save shipment")
	}

	o.Shipment = &shipment
	o.Version++
	return o, nil
}

// MarkShipped records the carrier handover. The order needs a label.
func (s *Service) MarkShipped(ctx context.Context, orderID, actor string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	if o.Shipment == nil {
		return nil, &order.IllegalTransitionError{
			OrderID: o.ID,
			From:    o.Status,
			To:      order.StatusShipped,
			Reason:  "no shipping label purchased",
		}
	}
	return s.machine.Transition(ctx, o.ID, order.StatusShipped, actor,
		order.WithReason("handed to "+o.Shipment.Carrier),
	)
}

func (s *Service) carrier(name string) (shipping.Provider, error) {
	p, ok := s.carriers.Provider(name)
	if !ok {
		return nil, apperr.NotFound("carrier", name)
	}
	return p, nil
}
