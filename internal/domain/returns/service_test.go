package returns_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/notify"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/payment"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/storage/memory"
)

type mockPayments struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (m *mockPayments) Refund(_ context.Context, ref string, amount money.Money, key string) (*payment.RefundReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, key)
	if m.err != nil {
		return nil, m.err
	}
	return &payment.RefundReceipt{ID: "rf_" + key, Status: payment.RefundCompleted, Amount: amount}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

type fixture struct {
	store    *memory.Store
	machine  *order.Machine
	payments *mockPayments
	notifier *recordingNotifier
	svc      *returns.Service
}

func newFixture(t *testing.T, status order.Status) *fixture {
	t.Helper()
	store := memory.New()
	o := &order.Order{
		ID: "ord-1",
		Lines: []order.Line{
			{ID: "l1", ProductID: "p1", UnitPrice: money.New(50000, money.MXN), Quantity: 2, LineTotal: money.New(100000, money.MXN)},
		},
		Total:      money.New(109400, money.MXN),
		PaymentRef: "pay_123",
		Status:     status,
		StatusHistory: []order.StatusChange{
			{To: status, Actor: "test", At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		Version: 1,
	}
	require.NoError(t, store.Orders().Create(context.Background(), o))

	f := &fixture{
		store:    store,
		machine:  order.NewMachine(store.Orders()),
		payments: &mockPayments{},
		notifier: &recordingNotifier{},
	}
	f.svc = returns.NewService(store.Returns(), store.Orders(), f.machine, f.payments, store,
		returns.WithNotifier(f.notifier),
	)
	return f
}

func (f *fixture) create(t *testing.T) *returns.Request {
	t.Helper()
	r, err := f.svc.Create(context.Background(), returns.CreateRequest{
		OrderID: "ord-1",
		Lines:   []returns.Line{{OrderLineID: "l1", Quantity: 1, Reason: "damaged"}},
		Actor:   "customer:42",
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) order(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.store.Orders().Get(context.Background(), "ord-1")
	require.NoError(t, err)
	return o
}

func TestApprove_RefundsOrderOnce(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	ctx := context.Background()
	r := f.create(t)
	assert.Equal(t, returns.StatusPending, r.Status)

	total := f.order(t).Total
	approved, err := f.svc.Approve(ctx, r.ID, total, "support:ana")
	require.NoError(t, err)
	assert.Equal(t, returns.StatusApproved, approved.Status)
	require.NotNil(t, approved.RefundAmount)
	assert.Equal(t, total, *approved.RefundAmount)
	require.NotNil(t, approved.Refund)
	assert.Equal(t, "rf_"+r.ID, approved.Refund.ID)

	o := f.order(t)
	assert.Equal(t, order.StatusRefunded, o.Status)
	last := o.StatusHistory[len(o.StatusHistory)-1]
	assert.Equal(t, r.ID, last.ReturnID)
	assert.Equal(t, "support:ana", last.Actor)

	_, err = f.svc.Approve(ctx, r.ID, total, "support:ana")
	require.ErrorIs(t, err, returns.ErrIllegalTransition)
	assert.Equal(t, []string{r.ID}, f.payments.calls)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, returns.StatusApproved, stored.Status)
	assert.Equal(t, approved.Version, stored.Version)

	completed, err := f.svc.Complete(ctx, r.ID, "warehouse")
	require.NoError(t, err)
	assert.Equal(t, returns.StatusCompleted, completed.Status)
	assert.True(t, completed.Status.IsTerminal())

	f.svc.Wait()
	f.machine.Wait()
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	var kinds []string
	for _, e := range f.notifier.events {
		assert.Equal(t, notify.KindReturnStatusChanged, e.Kind)
		kinds = append(kinds, e.To)
	}
	assert.ElementsMatch(t, []string{"PENDING", "APPROVED", "COMPLETED"}, kinds)
}

func TestApprove_PaymentFailureLeavesBothUnchanged(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	r := f.create(t)
	f.payments.err = &payment.RefundError{PaymentRef: "pay_123", Detail: "gateway down"}

	_, err := f.svc.Approve(context.Background(), r.ID, money.New(1000, money.MXN), "support")
	require.ErrorIs(t, err, payment.ErrRefundFailed)

	assert.Equal(t, order.StatusDelivered, f.order(t).Status)
	stored, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, returns.StatusPending, stored.Status)
	assert.Nil(t, stored.RefundAmount)

	// Recovered gateway: the retry succeeds with the same idempotency key.
	f.payments.err = nil
	_, err = f.svc.Approve(context.Background(), r.ID, money.New(1000, money.MXN), "support")
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID, r.ID}, f.payments.calls)
}

func TestApprove_OrderAlreadyRefundedFailsApproval(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	r := f.create(t)
	ctx := context.Background()

	_, err := f.machine.Transition(ctx, "ord-1", order.StatusRefunded, "finance", order.ViaReturn("manual"))
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, r.ID, money.New(1000, money.MXN), "support")
	require.ErrorIs(t, err, order.ErrIllegalTransition)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, returns.StatusPending, stored.Status)
	assert.Empty(t, f.payments.calls)
}

func TestApprove_RefundAmountChecks(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	r := f.create(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount money.Money
	}{
		{name: "zero", amount: money.New(0, money.MXN)},
		{name: "negative", amount: money.New(-1, money.MXN)},
		{name: "over total", amount: money.New(109401, money.MXN)},
		{name: "wrong currency", amount: money.New(100, money.USD)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Approve(ctx, r.ID, tt.amount, "support")
			var vErr *apperr.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, "refund_amount", vErr.Field)
		})
	}
	assert.Equal(t, order.StatusDelivered, f.order(t).Status)
}

func TestReject(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	r := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Reject(ctx, r.ID, "   ", "support")
	var vErr *apperr.ValidationError
	require.True(t, errors.As(err, &vErr))

	rejected, err := f.svc.Reject(ctx, r.ID, "outside return window", "support")
	require.NoError(t, err)
	assert.Equal(t, returns.StatusRejected, rejected.Status)
	assert.Equal(t, "outside return window", rejected.RejectionReason)
	assert.Equal(t, order.StatusDelivered, f.order(t).Status)

	_, err = f.svc.Approve(ctx, r.ID, money.New(1, money.MXN), "support")
	require.ErrorIs(t, err, returns.ErrIllegalTransition)
	_, err = f.svc.Complete(ctx, r.ID, "support")
	require.ErrorIs(t, err, returns.ErrIllegalTransition)

	// A rejected request no longer blocks a new one.
	f.create(t)
}

func TestCreate_Rules(t *testing.T) {
	ctx := context.Background()

	t.Run("order not delivered", func(t *testing.T) {
		f := newFixture(t, order.StatusShipped)
		_, err := f.svc.Create(ctx, returns.CreateRequest{
			OrderID: "ord-1",
			Lines:   []returns.Line{{OrderLineID: "l1", Quantity: 1}},
			Actor:   "c",
		})
		require.ErrorIs(t, err, returns.ErrIllegalTransition)
	})

	t.Run("second active return", func(t *testing.T) {
		f := newFixture(t, order.StatusDelivered)
		f.create(t)
		_, err := f.svc.Create(ctx, returns.CreateRequest{
			OrderID: "ord-1",
			Lines:   []returns.Line{{OrderLineID: "l1", Quantity: 1}},
			Actor:   "c",
		})
		require.ErrorIs(t, err, returns.ErrIllegalTransition)
	})

	t.Run("missing order", func(t *testing.T) {
		f := newFixture(t, order.StatusDelivered)
		_, err := f.svc.Create(ctx, returns.CreateRequest{
			OrderID: "nope",
			Lines:   []returns.Line{{OrderLineID: "l1", Quantity: 1}},
			Actor:   "c",
		})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})

	lineTests := []struct {
		name  string
		lines []returns.Line
		field string
	}{
		{name: "no lines", lines: nil, field: "lines"},
		{name: "zero quantity", lines: []returns.Line{{OrderLineID: "l1", Quantity: 0}}, field: "lines[0].quantity"},
		{name: "unknown line", lines: []returns.Line{{OrderLineID: "l9", Quantity: 1}}, field: "lines[0].order_line_id"},
		{name: "too many", lines: []returns.Line{{OrderLineID: "l1", Quantity: 3}}, field: "lines[0].quantity"},
		{name: "duplicate", lines: []returns.Line{{OrderLineID: "l1", Quantity: 1}, {OrderLineID: "l1", Quantity: 1}}, field: "lines[1].order_line_id"},
	}
	for _, tt := range lineTests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, order.StatusDelivered)
			_, err := f.svc.Create(ctx, returns.CreateRequest{OrderID: "ord-1", Lines: tt.lines, Actor: "c"})
			var vErr *apperr.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestCreate_ConcurrentOnlyOneActive(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), returns.CreateRequest{
				OrderID: "ord-1",
				Lines:   []returns.Line{{OrderLineID: "l1", Quantity: 1}},
				Actor:   "c",
			})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestApprove_ConcurrentOnlyOneRefund(t *testing.T) {
	f := newFixture(t, order.StatusDelivered)
	r := f.create(t)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Approve(context.Background(), r.ID, money.New(500, money.MXN), "support"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, f.payments.calls, 1)
}

func TestStatus_Table(t *testing.T) {
	for _, s := range returns.AllStatuses() {
		assert.True(t, s.IsValid())
	}
	assert.True(t, returns.StatusPending.CanTransitionTo(returns.StatusRejected))
	assert.False(t, returns.StatusApproved.CanTransitionTo(returns.StatusRejected))
	assert.False(t, returns.StatusRejected.CanTransitionTo(returns.StatusApproved))
	assert.True(t, returns.StatusApproved.IsActive())
	assert.False(t, returns.StatusCompleted.IsActive())
}
