package order

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/txn"
)

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*Order
	// conflicts forces the next N AppendStatus calls to report a lost race.
	conflicts int
	appendErr error
	appends   int
}

func newMockOrderRepo(orders ...*Order) *mockOrderRepo {
	m := &mockOrderRepo{orders: map[string]*Order{}}
	for _, o := range orders {
		m.orders[o.ID] = o.Clone()
	}
	return m
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (m *mockOrderRepo) AppendStatus(_ context.Context, id string, expected int64, change StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return apperr.ErrConflict
	}
	o := m.orders[id]
	if o.Version != expected {
		return apperr.ErrConflict
	}
	o.Status = change.To
	o.StatusHistory = append(o.StatusHistory, change)
	o.Version++
	return nil
}

func (m *mockOrderRepo) SaveShipment(_ context.Context, id string, expected int64, s Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	if o.Version != expected {
		return apperr.ErrConflict
	}
	o.Shipment = &s
	o.Version++
	return nil
}

func (m *mockOrderRepo) ListByStatus(_ context.Context, status Status, after Cursor, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status == status && !after.Before(o.CreatedAt, o.ID) {
			out = append(out, *o.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newPendingOrder(id string) *Order {
	return &Order{
		ID:     id,
		Status: StatusPending,
		StatusHistory: []StatusChange{
			{To: StatusPending, Actor: "checkout", At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		Version: 1,
	}
}

func TestMachine_Transition(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	m := NewMachine(repo)
	ctx := context.Background()

	o, err := m.Transition(ctx, "o1", StatusProcessing, "payments")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, int64(2), o.Version)

	stored, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	require.Len(t, stored.StatusHistory, 2)
	last := stored.StatusHistory[1]
	assert.Equal(t, StatusPending, last.From)
	assert.Equal(t, StatusProcessing, last.To)
	assert.Equal(t, "payments", last.Actor)
}

func TestMachine_TransitionIllegal(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	m := NewMachine(repo)

	_, err := m.Transition(context.Background(), "o1", StatusShipped, "ops")
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Zero(t, repo.appends)
}

func TestMachine_TransitionNotFound(t *testing.T) {
	m := NewMachine(newMockOrderRepo())
	_, err := m.Transition(context.Background(), "missing", StatusProcessing, "ops")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMachine_RetriesOnConflict(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	repo.conflicts = 2
	m := NewMachine(repo)

	o, err := m.Transition(context.Background(), "o1", StatusProcessing, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, o.Status)
	assert.Equal(t, 3, repo.appends)
}

func TestMachine_GivesUpAfterMaxRetries(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	repo.conflicts = 10
	m := NewMachine(repo, WithMaxRetries(2))

	_, err := m.Transition(context.Background(), "o1", StatusProcessing, "ops")
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 3, repo.appends)
}

func TestMachine_StorageErrorSurfaced(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	repo.appendErr = &apperr.StorageError{Op: "append status", Err: errors.New("disk full")}
	m := NewMachine(repo)

	_, err := m.Transition(context.Background(), "o1", StatusProcessing, "ops")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeStorage, apperr.CodeOf(err))
	assert.Equal(t, 1, repo.appends)
}

func TestMachine_ConcurrentWritersOnlyOneWins(t *testing.T) {
	o := newPendingOrder("o1")
	o.Status = StatusPaid
	repo := newMockOrderRepo(o)
	m := NewMachine(repo)

	targets := []Status{StatusShipped, StatusCancelled}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Transition(context.Background(), "o1", to, "ops")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrIllegalTransition)
	}
	assert.Equal(t, 1, succeeded)

	stored, err := repo.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Len(t, stored.StatusHistory, 2)
}

func TestMachine_ObserversNotified(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))

	var got []StatusChange
	var mu sync.Mutex
	record := ObserverFunc(func(_ context.Context, o *Order, change StatusChange) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, change)
		return nil
	})
	failing := ObserverFunc(func(context.Context, *Order, StatusChange) error {
		return errors.New("smtp down")
	})
	panicking := ObserverFunc(func(context.Context, *Order, StatusChange) error {
		panic("boom")
	})

	m := NewMachine(repo, WithObserver(failing), WithObserver(record))
	m.Observe(panicking)

	o, err := m.Transition(context.Background(), "o1", StatusCancelled, "customer", WithReason("changed mind"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	m.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, StatusCancelled, got[0].To)
	assert.Equal(t, "changed mind", got[0].Reason)
}

func TestMachine_ObserversDeferredUntilCommit(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	var calls atomic.Int32
	m := NewMachine(repo, WithObserver(ObserverFunc(func(context.Context, *Order, StatusChange) error {
		calls.Add(1)
		return nil
	})))

	ctx, hooks, _ := txn.Begin(context.Background())
	_, err := m.Transition(ctx, "o1", StatusProcessing, "ops")
	require.NoError(t, err)

	m.Wait()
	assert.Zero(t, calls.Load())

	hooks.Run()
	m.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestMachine_FullLifecycle(t *testing.T) {
	repo := newMockOrderRepo(newPendingOrder("o1"))
	m := NewMachine(repo)
	ctx := context.Background()

	path := []Status{StatusProcessing, StatusPaid, StatusShipped, StatusDelivered}
	for _, s := range path {
		_, err := m.Transition(ctx, "o1", s, "system")
		require.NoError(t, err)
	}

	_, err := m.Transition(ctx, "o1", StatusRefunded, "support")
	require.ErrorIs(t, err, ErrIllegalTransition)

	o, err := m.Transition(ctx, "o1", StatusRefunded, "support", ViaReturn("ret-1"))
	require.NoError(t, err)
	assert.True(t, o.Status.IsTerminal())

	var seen []Status
	for _, c := range o.StatusHistory {
		seen = append(seen, c.To)
	}
	assert.True(t, slices.Equal(append([]Status{StatusPending}, append(path, StatusRefunded)...), seen))

	for _, to := range AllStatuses() {
		_, err := m.Transition(ctx, "o1", to, "support", ViaReturn("ret-2"))
		require.ErrorIs(t, err, ErrIllegalTransition, "terminal order accepted %s", to)
	}
}
