package order

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/txn"
)

// DefaultMaxRetries bounds re-reads after losing a version race.
const DefaultMaxRetries = 3

// Observer reacts to committed transitions. Observers run asynchronously
// after commit; their errors are logged and never affect the transition.
type Observer interface {
	OnTransition(ctx context.Context, o *Order, change StatusChange) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o *Order, change StatusChange) error

func (f ObserverFunc) OnTransition(ctx context.Context, o *Order, change StatusChange) error {
	return f(ctx, o, change)
}

type transitionParams struct {
	reason   string
	returnID string
}

// TransitionOption annotates a transition.
type TransitionOption func(*transitionParams)

// WithReason records a free-form reason in the history entry.
func WithReason(reason string) TransitionOption {
	return func(p *transitionParams) { p.reason = strings.TrimSpace(reason) }
}

// ViaReturn marks the transition as driven by an approved return request.
// DELIVERED -> REFUNDED is only legal with this option.
func ViaReturn(returnID string) TransitionOption {
	return func(p *transitionParams) { p.returnID = returnID }
}

// Advance checks that o may move to status to and, if so, applies the change
// in memory: status, history and version. It performs no I/O.
func Advance(o *Order, to Status, actor string, at time.Time, opts ...TransitionOption) (StatusChange, error) {
	var p transitionParams
	for _, opt := range opts {
		opt(&p)
	}

	if !to.IsValid() {
		return StatusChange{}, apperr.Invalid("status", "unknown status "+string(to))
	}
	if strings.TrimSpace(actor) == "" {
		return StatusChange{}, apperr.Invalid("actor", "is required")
	}
	if !o.Status.CanTransitionTo(to) {
		return StatusChange{}, &IllegalTransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	if requiresReturn(o.Status, to) && p.returnID == "" {
		return StatusChange{}, &IllegalTransitionError{
			OrderID: o.ID,
			From:    o.Status,
			To:      to,
			Reason:  "delivered orders are refunded only through an approved return",
		}
	}

	if n := len(o.StatusHistory); n > 0 && at.Before(o.StatusHistory[n-1].At) {
		at = o.StatusHistory[n-1].At
	}
	change := StatusChange{
		From:     o.Status,
		To:       to,
		Actor:    actor,
		At:       at,
		Reason:   p.reason,
		ReturnID: p.returnID,
	}
	o.Status = to
	o.StatusHistory = append(o.StatusHistory, change)
	o.Version++
	return change, nil
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver registers an observer.
func WithObserver(obs Observer) MachineOption {
	return func(m *Machine) { m.observers = append(m.observers, obs) }
}

// WithMaxRetries sets how often a losing writer re-reads and re-evaluates.
func WithMaxRetries(n int) MachineOption {
	return func(m *Machine) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// Machine applies transitions to stored orders with optimistic concurrency.
type Machine struct {
	repo       Repository
	now        func() time.Time
	maxRetries int

	mu        sync.RWMutex
	observers []Observer
	inflight  sync.WaitGroup
}

// NewMachine creates a Machine backed by repo.
func NewMachine(repo Repository, opts ...MachineOption) *Machine {
	m := &Machine{
		repo:       repo,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe registers an observer after construction.
func (m *Machine) Observe(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	m.mu.Unlock()
}

// Transition moves order id to status to on behalf of actor. If another
// writer commits first, the order is re-read and legality re-evaluated; an
// edge no longer reachable yields *IllegalTransitionError.
func (m *Machine) Transition(ctx context.Context, id string, to Status, actor string, opts ...TransitionOption) (*Order, error) {
	for attempt := 0; ; attempt++ {
		o, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "load order")
		}

		expected := o.Version
		change, err := Advance(o, to, actor, m.now(), opts...)
		if err != nil {
			return nil, err
		}

		err = m.repo.AppendStatus(ctx, id, expected, change)
		if errors.Is(err, apperr.ErrConflict) && attempt < m.maxRetries {
			zctx.From(ctx).Debug("Order version conflict, retrying",
				zap.String("order_id", id),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "append status")
		}

		snapshot := o.Clone()
		txn.AfterCommit(ctx, func() { m.notify(ctx, snapshot, change) })
		return o, nil
	}
}

// notify fans the change out to observers without waiting for them.
func (m *Machine) notify(ctx context.Context, o *Order, change StatusChange) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx)
	for _, obs := range observers {
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			defer func() {
				if rec := recover(); rec != nil {
					lg.Error("Transition observer panicked",
						zap.String("order_id", o.ID),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
				}
			}()
			if err := obs.OnTransition(ctx, o.Clone(), change); err != nil {
				lg.Warn("Transition observer failed",
					zap.String("order_id", o.ID),
					zap.String("from", string(change.From)),
					zap.String("to", string(change.To)),
					zap.Error(err),
				)
			}
		}()
	}
}

// Wait blocks until every dispatched observer call has returned.
func (m *Machine) Wait() {
	m.inflight.Wait()
}
