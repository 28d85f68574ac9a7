package memory

import (
	"context"
	"slices"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/returns"
)

// ReturnRepository implements returns.Repository.
type ReturnRepository struct {
	s *Store
}

var _ returns.Repository = (*ReturnRepository)(nil)

func (r *ReturnRepository) Create(ctx context.Context, req *returns.Request) error {
	return r.s.write(ctx, func(undo func(func())) error {
		if _, ok := r.s.returns[req.ID]; ok {
			return apperr.ErrConflict
		}
		r.s.returns[req.ID] = req.Clone()
		undo(func() { delete(r.s.returns, req.ID) })
		return nil
	})
}

func (r *ReturnRepository) Get(_ context.Context, id string) (*returns.Request, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.returns[id]
	if !ok {
		return nil, apperr.NotFound("return", id)
	}
	return req.Clone(), nil
}

func (r *ReturnRepository) Update(ctx context.Context, req *returns.Request, expectedVersion int64) error {
	return r.s.write(ctx, func(undo func(func())) error {
		cur, ok := r.s.returns[req.ID]
		if !ok {
			return apperr.NotFound("return", req.ID)
		}
		if cur.Version != expectedVersion {
			return apperr.ErrConflict
		}
		next := req.Clone()
		next.Version = expectedVersion + 1
		r.s.returns[req.ID] = next
		undo(func() { r.s.returns[req.ID] = cur })
		return nil
	})
}

func (r *ReturnRepository) ListByOrder(_ context.Context, orderID string) ([]returns.Request, error) {
	r.s.mu.RLock()
	out := make([]returns.Request, 0)
	for _, req := range r.s.returns {
		if req.OrderID == orderID {
			out = append(out, *req.Clone())
		}
	}
	r.s.mu.RUnlock()

	slices.SortFunc(out, func(a, b returns.Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}
