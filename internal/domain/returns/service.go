package returns

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/notify"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/payment"
	"github.com/xenking/storefront-engine/internal/domain/txn"
)

const defaultMaxRetries = 3

// CreateRequest opens a return against a delivered order.
type CreateRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Lines   []Line `json:"lines" validate:"required,min=1,dive"`
	Actor   string `json:"-" validate:"required"`
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier publishes return status changes after commit.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service drives return requests through their lifecycle. Approval refunds
// the order through the order machine and the payment provider as one unit.
type Service struct {
	repo     Repository
	orders   order.Repository
	machine  *order.Machine
	payments payment.Provider
	tx       txn.Transactor
	notifier notify.Notifier
	validate *validator.Validate
	now      func() time.Time

	inflight sync.WaitGroup
}

// NewService wires a return service.
func NewService(
	repo Repository,
	orders order.Repository,
	machine *order.Machine,
	payments payment.Provider,
	tx txn.Transactor,
	opts ...Option,
) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	s := &Service{
		repo:     repo,
		orders:   orders,
		machine:  machine,
		payments: payments,
		tx:       tx,
		validate: v,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a PENDING return. The order must be DELIVERED and have no
// other active return; every line must reference an order line with a
// quantity no larger than what was ordered.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	var created *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, req.OrderID)
		if err != nil {
			return errors.Wrap(err, "load order")
		}
		if o.Status != order.StatusDelivered {
			return &IllegalTransitionError{
				OrderID: o.ID,
				Reason:  fmt.Sprintf("order is %s, returns require DELIVERED", o.Status),
			}
		}
		if err := checkLines(o, req.Lines); err != nil {
			return err
		}

		existing, err := s.repo.ListByOrder(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "list returns")
		}
		for _, r := range existing {
			if r.Status.IsActive() {
				return &IllegalTransitionError{
					OrderID: o.ID,
					Reason:  fmt.Sprintf("return %s is still %s", r.ID, r.Status),
				}
			}
		}

		now := s.now()
		r := &Request{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			Lines:     req.Lines,
			Status:    StatusPending,
			History:   []Change{{To: StatusPending, Actor: req.Actor, At: now}},
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Create(ctx, r); err != nil {
			return errors.Wrap(err, "save return")
		}
		created = r
		s.afterCommit(ctx, r, "", req.Actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Approve moves a PENDING return to APPROVED, transitions its order
// DELIVERED -> REFUNDED and issues the refund keyed by the return id. If any
// step fails neither the order nor the return changes.
func (s *Service) Approve(ctx context.Context, id string, refund money.Money, actor string) (*Request, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Invalid("actor", "is required")
	}
	if refund.IsNegative() || refund.IsZero() {
		return nil, apperr.Invalid("refund_amount", "must be positive")
	}

	return s.mutate(ctx, id, actor, func(ctx context.Context, r *Request) error {
		if r.Status != StatusPending {
			return &IllegalTransitionError{ReturnID: r.ID, From: r.Status, To: StatusApproved}
		}
		o, err := s.orders.Get(ctx, r.OrderID)
		if err != nil {
			return errors.Wrap(err, "load order")
		}
		if err := checkRefund(refund, o.Total); err != nil {
			return err
		}

		if _, err := s.machine.Transition(ctx, o.ID, order.StatusRefunded, actor,
			order.ViaReturn(r.ID),
			order.WithReason("return approved"),
		); err != nil {
			return errors.Wrap(err, "refund order")
		}

		expected := r.Version
		if err := r.advance(StatusApproved, actor, s.now()); err != nil {
			return err
		}
		r.RefundAmount = &refund
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return errors.Wrap(err, "update return")
		}
		r.Version = expected + 1

		receipt, err := s.payments.Refund(ctx, o.PaymentRef, refund, r.ID)
		if err != nil {
			return errors.Wrap(err, "issue refund")
		}
		expected = r.Version
		r.Refund = receipt
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return errors.Wrap(err, "record refund")
		}
		r.Version = expected + 1
		return nil
	})
}

// Reject closes a PENDING return without touching the order.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("rejection_reason", "is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Invalid("actor", "is required")
	}

	return s.mutate(ctx, id, actor, func(ctx context.Context, r *Request) error {
		expected := r.Version
		if err := r.advance(StatusRejected, actor, s.now()); err != nil {
			return err
		}
		r.RejectionReason = reason
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return errors.Wrap(err, "update return")
		}
		r.Version = expected + 1
		return nil
	})
}

// Complete marks an APPROVED return as received.
func (s *Service) Complete(ctx context.Context, id, actor string) (*Request, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Invalid("actor", "is required")
	}

	return s.mutate(ctx, id, actor, func(ctx context.Context, r *Request) error {
		expected := r.Version
		if err := r.advance(StatusCompleted, actor, s.now()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, r, expected); err != nil {
			return errors.Wrap(err, "update return")
		}
		r.Version = expected + 1
		return nil
	})
}

// Get loads a return request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load return")
	}
	return r, nil
}

// Wait blocks until dispatched notifications have returned.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// mutate loads the return inside a transaction, applies fn and commits. A
// lost version race rolls back and re-runs fn against fresh state.
func (s *Service) mutate(ctx context.Context, id, actor string, fn func(ctx context.Context, r *Request) error) (*Request, error) {
	for attempt := 0; ; attempt++ {
		var result *Request
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			r, err := s.repo.Get(ctx, id)
			if err != nil {
				return errors.Wrap(err, "load return")
			}
			from := r.Status
			if err := fn(ctx, r); err != nil {
				return err
			}
			result = r
			s.afterCommit(ctx, r, from, actor)
			return nil
		})
		if errors.Is(err, apperr.ErrConflict) && attempt < defaultMaxRetries {
			zctx.From(ctx).Debug("Return version conflict, retrying",
				zap.String("return_id", id),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func (s *Service) afterCommit(ctx context.Context, r *Request, from Status, actor string) {
	if s.notifier == nil {
		return
	}
	e := notify.Event{
		ID:         uuid.NewString(),
		Kind:       notify.KindReturnStatusChanged,
		OrderID:    r.OrderID,
		ReturnID:   r.ID,
		From:       string(from),
		To:         string(r.Status),
		Actor:      actor,
		OccurredAt: r.UpdatedAt,
	}
	ctx = context.WithoutCancel(ctx)
	txn.AfterCommit(ctx, func() {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.notifier.Notify(ctx, e); err != nil {
				zctx.From(ctx).Warn("Return notification failed",
					zap.String("return_id", e.ReturnID),
					zap.String("to", e.To),
					zap.Error(err),
				)
			}
		}()
	})
}

func (s *Service) validateCreate(req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			path := fe.Namespace()
			if i := strings.IndexByte(path, '.'); i >= 0 {
				path = path[i+1:]
			}
			return apperr.Invalid(path, "failed "+fe.Tag()+" check")
		}
		return apperr.Invalid("return", err.Error())
	}
	return nil
}

func checkLines(o *order.Order, lines []Line) error {
	seen := make(map[string]struct{}, len(lines))
	for i, l := range lines {
		field := fmt.Sprintf("lines[%d]", i)
		if _, dup := seen[l.OrderLineID]; dup {
			return apperr.Invalid(field+".order_line_id", "duplicate order line")
		}
		seen[l.OrderLineID] = struct{}{}

		ol, ok := o.Line(l.OrderLineID)
		if !ok {
			return apperr.Invalid(field+".order_line_id", "not part of order "+o.ID)
		}
		if l.Quantity > ol.Quantity {
			return apperr.Invalid(field+".quantity", fmt.Sprintf("exceeds ordered quantity %d", ol.Quantity))
		}
	}
	return nil
}

func checkRefund(refund, total money.Money) error {
	cmp, err := refund.Cmp(total)
	if err != nil {
		return apperr.Invalid("refund_amount", "currency must be "+string(total.Currency))
	}
	if cmp > 0 {
		return apperr.Invalid("refund_amount", "exceeds order total "+total.String())
	}
	return nil
}
