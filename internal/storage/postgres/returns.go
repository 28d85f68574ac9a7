package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/returns"
)

const (
	insertReturnSQL = `INSERT INTO return_requests (id, order_id, status, version, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	updateReturnSQL = `UPDATE return_requests SET status = $1, version = $2, body = $3, updated_at = $4
		WHERE id = $5 AND version = $6`

	selectReturnSQL   = `SELECT body, version FROM return_requests WHERE id = $1`
	returnExistsSQL   = `SELECT EXISTS (SELECT 1 FROM return_requests WHERE id = $1)`
	returnsByOrderSQL = `SELECT body, version FROM return_requests WHERE order_id = $1 ORDER BY created_at, id`
)

// ReturnRepository implements returns.Repository. The request is stored as
// a JSON body next to the columns used for lookups and version checks.
type ReturnRepository struct {
	s *Store
}

var _ returns.Repository = (*ReturnRepository)(nil)

func (r *ReturnRepository) Create(ctx context.Context, req *returns.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode return")
	}
	_, err = r.s.conn(ctx).Exec(ctx, insertReturnSQL,
		req.ID, req.OrderID, string(req.Status), req.Version, body, req.CreatedAt, req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.ErrConflict
	}
	return apperr.Storage("insert return", err)
}

func (r *ReturnRepository) Get(ctx context.Context, id string) (*returns.Request, error) {
	row := r.s.conn(ctx).QueryRow(ctx, selectReturnSQL+forUpdate(ctx), id)
	req, err := scanReturn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("return", id)
	}
	if err != nil {
		return nil, apperr.Storage("get return", err)
	}
	return req, nil
}

func (r *ReturnRepository) Update(ctx context.Context, req *returns.Request, expectedVersion int64) error {
	next := req.Clone()
	next.Version = expectedVersion + 1
	body, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "encode return")
	}

	c := r.s.conn(ctx)
	tag, err := c.Exec(ctx, updateReturnSQL,
		string(next.Status), next.Version, body, next.UpdatedAt, next.ID, expectedVersion,
	)
	if err != nil {
		return apperr.Storage("update return", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := c.QueryRow(ctx, returnExistsSQL, req.ID).Scan(&exists); err != nil {
		return apperr.Storage("check return", err)
	}
	if !exists {
		return apperr.NotFound("return", req.ID)
	}
	return apperr.ErrConflict
}

func (r *ReturnRepository) ListByOrder(ctx context.Context, orderID string) ([]returns.Request, error) {
	rows, err := r.s.conn(ctx).Query(ctx, returnsByOrderSQL, orderID)
	if err != nil {
		return nil, apperr.Storage("list returns", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (returns.Request, error) {
		req, err := scanReturn(row)
		if err != nil {
			return returns.Request{}, err
		}
		return *req, nil
	})
	if err != nil {
		return nil, apperr.Storage("scan returns", err)
	}
	return out, nil
}

func scanReturn(row pgx.Row) (*returns.Request, error) {
	var (
		body    []byte
		version int64
	)
	if err := row.Scan(&body, &version); err != nil {
		return nil, err
	}
	var req returns.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "decode return")
	}
	req.Version = version
	return &req, nil
}
