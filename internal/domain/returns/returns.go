// Package returns implements the return request lifecycle and its coupling
// to order refunds.
package returns

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/payment"
)

// Status is the lifecycle state of a return request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusCompleted},
	StatusCompleted: nil,
	StatusRejected:  nil,
}

// AllStatuses lists every return status.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusApproved, StatusCompleted, StatusRejected}
}

func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// IsActive reports whether a request in status s blocks new requests for
// the same order.
func (s Status) IsActive() bool { return s == StatusPending || s == StatusApproved }

func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Line is one returned order line.
type Line struct {
	OrderLineID string `json:"order_line_id" validate:"required"`
	Quantity    int    `json:"quantity" validate:"gt=0"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
}

// Change is one entry of a request's status history.
type Change struct {
	From  Status    `json:"from,omitempty"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Request is a post-purchase return. It refers to its order by id only.
type Request struct {
	ID              string                 `json:"id"`
	OrderID         string                 `json:"order_id"`
	Lines           []Line                 `json:"lines"`
	Status          Status                 `json:"status"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	RefundAmount    *money.Money           `json:"refund_amount,omitempty"`
	Refund          *payment.RefundReceipt `json:"refund,omitempty"`
	History         []Change               `json:"history"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Lines = slices.Clone(r.Lines)
	cp.History = slices.Clone(r.History)
	if r.RefundAmount != nil {
		a := *r.RefundAmount
		cp.RefundAmount = &a
	}
	if r.Refund != nil {
		rr := *r.Refund
		cp.Refund = &rr
	}
	return &cp
}

// advance moves r to status to, recording actor and at.
func (r *Request) advance(to Status, actor string, at time.Time) error {
	if !r.Status.CanTransitionTo(to) {
		return &IllegalTransitionError{ReturnID: r.ID, From: r.Status, To: to}
	}
	if n := len(r.History); n > 0 && at.Before(r.History[n-1].At) {
		at = r.History[n-1].At
	}
	r.History = append(r.History, Change{From: r.Status, To: to, Actor: actor, At: at})
	r.Status = to
	r.UpdatedAt = at
	return nil
}

// Repository persists return requests.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	// Get returns an apperr.NotFoundError when the request does not exist.
	Get(ctx context.Context, id string) (*Request, error)
	// Update replaces the stored request if its version equals
	// expectedVersion and stores r.Version = expectedVersion+1. Otherwise it
	// returns apperr.ErrConflict.
	Update(ctx context.Context, r *Request, expectedVersion int64) error
	// ListByOrder returns every request for the order, oldest first.
	ListByOrder(ctx context.Context, orderID string) ([]Request, error)
}

// ErrIllegalTransition matches every *IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal return transition")

// IllegalTransitionError reports a rejected return status change, or a
// return that cannot be opened against its order.
type IllegalTransitionError struct {
	ReturnID string
	OrderID  string
	From     Status
	To       Status
	Reason   string
}

func (e *IllegalTransitionError) Error() string {
	var msg string
	switch {
	case e.ReturnID != "":
		msg = fmt.Sprintf("return %s: cannot transition %s -> %s", e.ReturnID, e.From, e.To)
	default:
		msg = fmt.Sprintf("order %s: cannot open return", e.OrderID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

func (e *IllegalTransitionError) ErrorCode() apperr.Code { return apperr.CodeIllegalTransition }
