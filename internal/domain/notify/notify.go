// Package notify describes the outbound notification collaborator.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindOrderStatusChanged  = "order.status_changed"
	KindReturnStatusChanged = "return.status_changed"
)

// Event is a fire-and-forget notification about an order or return.
type Event struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	OrderID    string            `json:"order_id"`
	ReturnID   string            `json:"return_id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to"`
	Actor      string            `json:"actor"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Notifier delivers events. Delivery failures are reported but callers
// never block business operations on them.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the context logger. Used when no broker is
// configured.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(ctx context.Context, e Event) error {
	zctx.From(ctx).Info("Notification",
		zap.String("kind", e.Kind),
		zap.String("order_id", e.OrderID),
		zap.String("return_id", e.ReturnID),
		zap.String("to", e.To),
		zap.String("actor", e.Actor),
	)
	return nil
}
