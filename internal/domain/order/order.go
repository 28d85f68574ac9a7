package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

// Order is a priced cart committed by checkout. After creation only the
// status group (Status, StatusHistory, Version) and Shipment change.
type Order struct {
	ID            string         `json:"id"`
	Lines         []Line         `json:"lines"`
	Subtotal      money.Money    `json:"subtotal"`
	Discount      money.Money    `json:"discount"`
	Tax           money.Money    `json:"tax"`
	ShippingCost  money.Money    `json:"shipping_cost"`
	Total         money.Money    `json:"total"`
	CouponCode    string         `json:"coupon_code,omitempty"`
	Shipping      shipping.Quote `json:"shipping"`
	Destination   cart.Address   `json:"destination"`
	Weight        float64        `json:"weight,omitempty"`
	PaymentRef    string         `json:"payment_ref,omitempty"`
	Shipment      *Shipment      `json:"shipment,omitempty"`
	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Line is an order line item.
type Line struct {
	ID        string      `json:"id"`
	ProductID string      `json:"product_id"`
	UnitPrice money.Money `json:"unit_price"`
	Quantity  int         `json:"quantity"`
	LineTotal money.Money `json:"line_total"`
}

// StatusChange is one append-only status history entry. From is empty for
// the entry recorded at creation.
type StatusChange struct {
	From     Status    `json:"from,omitempty"`
	To       Status    `json:"to"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
	ReturnID string    `json:"return_id,omitempty"`
}

// Shipment is the label purchased for an order.
type Shipment struct {
	Carrier        string      `json:"carrier"`
	LabelID        string      `json:"label_id"`
	TrackingNumber string      `json:"tracking_number"`
	LabelURL       string      `json:"label_url"`
	Cost           money.Money `json:"cost"`
	PurchasedAt    time.Time   `json:"purchased_at"`
}

// Line returns the order line with the given id.
func (o *Order) Line(id string) (Line, bool) {
	for _, l := range o.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Lines = slices.Clone(o.Lines)
	cp.StatusHistory = slices.Clone(o.StatusHistory)
	if o.Shipment != nil {
		s := *o.Shipment
		cp.Shipment = &s
	}
	return &cp
}

// Repository persists orders. Implementations must make AppendStatus and
// SaveShipment a compare-and-swap on Version.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	// Get returns an apperr.NotFoundError when the order does not exist.
	Get(ctx context.Context, id string) (*Order, error)
	// AppendStatus sets the status to change.To, appends change to the
	// history and increments the version, but only if the stored version
	// equals expectedVersion. Otherwise it returns apperr.ErrConflict.
	AppendStatus(ctx context.Context, id string, expectedVersion int64, change StatusChange) error
	// SaveShipment records the label under the same version check.
	SaveShipment(ctx context.Context, id string, expectedVersion int64, s Shipment) error
	// ListByStatus returns up to limit orders in status ordered by
	// (CreatedAt, ID), starting after the cursor. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, after Cursor, limit int) ([]Order, error)
}

// Cursor is a keyset position in a listing. The zero Cursor starts at the
// beginning.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// Before reports whether an order keyed (createdAt, id) sorts at or before c.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if c.IsZero() {
		return false
	}
	if cmp := createdAt.Compare(c.CreatedAt); cmp != 0 {
		return cmp < 0
	}
	return id <= c.ID
}

// Cursor returns the position just after o.
func (o *Order) Cursor() Cursor {
	return Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
}

// ErrIllegalTransition matches every *IllegalTransitionError via errors.Is.
var ErrIllegalTransition = errors.New("illegal order transition")

// IllegalTransitionError reports a rejected status change.
type IllegalTransitionError struct {
	OrderID string
	From    Status
	To      Status
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("order %s: cannot transition %s -> %s", e.OrderID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

func (e *IllegalTransitionError) ErrorCode() apperr.Code { return apperr.CodeIllegalTransition }
