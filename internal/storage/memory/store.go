// Package memory is an in-process persistence collaborator. Transactions
// are serialized and rolled back with an undo journal.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/domain/txn"
)

// Store holds every entity in maps guarded by one lock.
type Store struct {
	// txMu serializes writers: a transaction holds it until commit or
	// rollback, a standalone write holds it for one operation.
	txMu sync.Mutex
	mu   sync.RWMutex

	orders      map[string]*order.Order
	returns     map[string]*returns.Request
	coupons     map[string]*coupon.Coupon
	redemptions map[string]map[string]struct{}
	apiKeys     map[string]*auth.Key
}

var _ txn.Transactor = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:      make(map[string]*order.Order),
		returns:     make(map[string]*returns.Request),
		coupons:     make(map[string]*coupon.Coupon),
		redemptions: make(map[string]map[string]struct{}),
		apiKeys:     make(map[string]*auth.Key),
	}
}

type journal struct {
	store *Store
	undo  []func()
}

type journalKey struct{}

func (s *Store) journal(ctx context.Context) *journal {
	j, ok := ctx.Value(journalKey{}).(*journal)
	if !ok || j.store != s {
		return nil
	}
	return j
}

// WithinTx runs fn as one unit of work. Nested calls join the outer unit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.journal(ctx) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	j := &journal{store: s}
	ctx = context.WithValue(ctx, journalKey{}, j)
	ctx, hooks, _ := txn.Begin(ctx)

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		s.txMu.Unlock()
		hooks.Discard()
		return err
	}
	s.txMu.Unlock()
	hooks.Run()
	return nil
}

// write runs fn under the data lock. Inside a transaction fn may register
// undo steps; outside one it also takes the writer lock.
func (s *Store) write(ctx context.Context, fn func(undo func(func())) error) error {
	j := s.journal(ctx)
	if j == nil {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(func(u func()) {
		if j != nil {
			j.undo = append(j.undo, u)
		}
	})
}

// Orders returns the order repository.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Returns returns the return request repository.
func (s *Store) Returns() *ReturnRepository { return &ReturnRepository{s: s} }

// Coupons returns the coupon repository.
func (s *Store) Coupons() *CouponRepository { return &CouponRepository{s: s} }

// APIKeys returns the API key repository.
func (s *Store) APIKeys() *APIKeyRepository { return &APIKeyRepository{s: s} }
