// Package txn carries unit-of-work state through a context so that domain
// services can compose repository writes atomically without knowing which
// store backs them.
package txn

import (
	"context"
	"sync"
)

// Transactor runs fn inside a single unit of work. If fn returns an error
// every write made through ctx is rolled back. Hooks registered with
// AfterCommit run only after a successful commit.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Hooks collects callbacks deferred until commit.
type Hooks struct {
	mu  sync.Mutex
	fns []func()
}

type hooksKey struct{}

// Begin returns a context marked as running inside a transaction, and the
// hook list the caller must Run after committing. Nested calls reuse the
// outer hook list.
func Begin(ctx context.Context) (context.Context, *Hooks, bool) {
	if h, ok := ctx.Value(hooksKey{}).(*Hooks); ok {
		return ctx, h, false
	}
	h := &Hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h, true
}

// InTx reports whether ctx belongs to a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(hooksKey{}).(*Hooks)
	return ok
}

// AfterCommit defers fn until the enclosing transaction commits. Outside a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	h, ok := ctx.Value(hooksKey{}).(*Hooks)
	if !ok {
		fn()
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// Run executes the registered hooks in registration order.
func (h *Hooks) Run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Discard drops the registered hooks after a rollback.
func (h *Hooks) Discard() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}
