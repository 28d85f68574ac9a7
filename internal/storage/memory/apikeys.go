package memory

import (
	"context"
	"slices"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/auth"
)

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct {
	s *Store
}

var _ auth.Repository = (*APIKeyRepository)(nil)

// Save stores k under its hash.
func (r *APIKeyRepository) Save(ctx context.Context, k auth.Key) error {
	k.Scopes = slices.Clone(k.Scopes)
	return r.s.write(ctx, func(undo func(func())) error {
		prev, ok := r.s.apiKeys[k.Hash]
		r.s.apiKeys[k.Hash] = &k
		undo(func() {
			if ok {
				r.s.apiKeys[k.Hash] = prev
				return
			}
			delete(r.s.apiKeys, k.Hash)
		})
		return nil
	})
}

func (r *APIKeyRepository) FindByHash(_ context.Context, hash string) (*auth.Key, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	k, ok := r.s.apiKeys[hash]
	if !ok {
		return nil, apperr.NotFound("api key", hash)
	}
	cp := *k
	cp.Scopes = slices.Clone(k.Scopes)
	return &cp, nil
}
