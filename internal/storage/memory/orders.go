package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/order"
)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	s *Store
}

var _ order.Repository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.s.write(ctx, func(undo func(func())) error {
		if _, ok := r.s.orders[o.ID]; ok {
			return apperr.ErrConflict
		}
		r.s.orders[o.ID] = o.Clone()
		undo(func() { delete(r.s.orders, o.ID) })
		return nil
	})
}

func (r *OrderRepository) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (r *OrderRepository) AppendStatus(ctx context.Context, id string, expectedVersion int64, change order.StatusChange) error {
	return r.update(ctx, id, expectedVersion, func(o *order.Order) {
		o.Status = change.To
		o.StatusHistory = append(o.StatusHistory, change)
	})
}

func (r *OrderRepository) SaveShipment(ctx context.Context, id string, expectedVersion int64, s order.Shipment) error {
	return r.update(ctx, id, expectedVersion, func(o *order.Order) {
		o.Shipment = &s
	})
}

func (r *OrderRepository) update(ctx context.Context, id string, expectedVersion int64, mutate func(o *order.Order)) error {
	return r.s.write(ctx, func(undo func(func())) error {
		cur, ok := r.s.orders[id]
		if !ok {
			return apperr.NotFound("order", id)
		}
		if cur.Version != expectedVersion {
			return apperr.ErrConflict
		}
		next := cur.Clone()
		mutate(next)
		next.Version++
		r.s.orders[id] = next
		undo(func() { r.s.orders[id] = cur })
		return nil
	})
}

func (r *OrderRepository) ListByStatus(_ context.Context, status order.Status, after order.Cursor, limit int) ([]order.Order, error) {
	r.s.mu.RLock()
	out := make([]order.Order, 0)
	for _, o := range r.s.orders {
		if o.Status == status && !after.Before(o.CreatedAt, o.ID) {
			out = append(out, *o.Clone())
		}
	}
	r.s.mu.RUnlock()

	slices.SortFunc(out, func(a, b order.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
