package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/auth"
)

const (
	findAPIKeySQL = `SELECT id, hash, name, actor, scopes FROM api_keys WHERE hash = $1`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, hash, name, actor, scopes) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET hash = EXCLUDED.hash, name = EXCLUDED.name,
			actor = EXCLUDED.actor, scopes = EXCLUDED.scopes`
)

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct {
	s *Store
}

var _ auth.Repository = (*APIKeyRepository)(nil)

// Save inserts or replaces k.
func (r *APIKeyRepository) Save(ctx context.Context, k auth.Key) error {
	_, err := r.s.conn(ctx).Exec(ctx, upsertAPIKeySQL, k.ID, k.Hash, k.Name, k.Actor, k.Scopes)
	return apperr.Storage("save api key", err)
}

func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.Key, error) {
	var k auth.Key
	err := r.s.conn(ctx).QueryRow(ctx, findAPIKeySQL, hash).Scan(&k.ID, &k.Hash, &k.Name, &k.Actor, &k.Scopes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("api key", hash)
	}
	if err != nil {
		return nil, apperr.Storage("find api key", err)
	}
	return &k, nil
}
