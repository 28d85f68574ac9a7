package postgres

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/order"
)

const (
	orderColumns = `id, status, version, currency, subtotal, discount, tax, shipping_cost, total,
		coupon_code, lines, quote, destination, weight::float8, payment_ref, shipment, created_at`

	insertOrderSQL = `INSERT INTO orders (id, status, version, currency, subtotal, discount, tax,
		shipping_cost, total, coupon_code, lines, quote, destination, weight, payment_ref, shipment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	insertHistorySQL = `INSERT INTO order_status_history
		(order_id, from_status, to_status, actor, at, reason, return_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectHistorySQL = `SELECT order_id, from_status, to_status, actor, at, reason, return_id
		FROM order_status_history WHERE order_id = ANY($1) ORDER BY order_id, seq`

	casStatusSQL   = `UPDATE orders SET status = $1, version = version + 1 WHERE id = $2 AND version = $3`
	casShipmentSQL = `UPDATE orders SET shipment = $1, version = version + 1 WHERE id = $2 AND version = $3`
	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	s *Store
}

var _ order.Repository = (*OrderRepository)(nil)

// Create inserts the order with its initial history entries.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		lines, err := json.Marshal(o.Lines)
		if err != nil {
			return errors.Wrap(err, "encode lines")
		}
		quote, err := json.Marshal(o.Shipping)
		if err != nil {
			return errors.Wrap(err, "encode quote")
		}
		dest, err := json.Marshal(o.Destination)
		if err != nil {
			return errors.Wrap(err, "encode destination")
		}
		shipment, err := encodeShipment(o.Shipment)
		if err != nil {
			return err
		}

		c := r.s.conn(ctx)
		_, err = c.Exec(ctx, insertOrderSQL,
			o.ID, string(o.Status), o.Version, string(o.Total.Currency),
			o.Subtotal.Amount, o.Discount.Amount, o.Tax.Amount, o.ShippingCost.Amount, o.Total.Amount,
			o.CouponCode, lines, quote, dest, o.Weight, o.PaymentRef, shipment, o.CreatedAt,
		)
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		if err != nil {
			return apperr.Storage("insert order", err)
		}
		for _, ch := range o.StatusHistory {
			if err := insertHistory(ctx, c, o.ID, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	c := r.s.conn(ctx)
	row := c.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1"+forUpdate(ctx), id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order", id)
	}
	if err != nil {
		return nil, apperr.Storage("get order", err)
	}

	if err := attachHistory(ctx, c, []*order.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) AppendStatus(ctx context.Context, id string, expectedVersion int64, change order.StatusChange) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		c := r.s.conn(ctx)
		if err := r.cas(ctx, c, id, casStatusSQL, string(change.To), id, expectedVersion); err != nil {
			return err
		}
		return insertHistory(ctx, c, id, change)
	})
}

func (r *OrderRepository) SaveShipment(ctx context.Context, id string, expectedVersion int64, s order.Shipment) error {
	shipment, err := encodeShipment(&s)
	if err != nil {
		return err
	}
	return r.cas(ctx, r.s.conn(ctx), id, casShipmentSQL, shipment, id, expectedVersion)
}

// cas runs a version-guarded update and tells a lost race from a missing row.
func (r *OrderRepository) cas(ctx context.Context, c conn, id, sql string, args ...any) error {
	tag, err := c.Exec(ctx, sql, args...)
	if err != nil {
		return apperr.Storage("update order", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := c.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return apperr.Storage("check order", err)
	}
	if !exists {
		return apperr.NotFound("order", id)
	}
	return apperr.ErrConflict
}

// ListByStatus returns orders in status, oldest first.
func (r *OrderRepository) ListByStatus(ctx context.Context, status order.Status, after order.Cursor, limit int) ([]order.Order, error) {
	q := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(orderColumns).
		From("orders").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at", "id")
	if !after.IsZero() {
		q = q.Where(sq.Expr("(created_at, id) > (?, ?)", after.CreatedAt, after.ID))
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build query")
	}

	c := r.s.conn(ctx)
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Storage("list orders", err)
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*order.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, apperr.Storage("scan orders", err)
	}
	if err := attachHistory(ctx, c, found); err != nil {
		return nil, err
	}

	out := make([]order.Order, 0, len(found))
	for _, o := range found {
		out = append(out, *o)
	}
	return out, nil
}

func insertHistory(ctx context.Context, c conn, orderID string, ch order.StatusChange) error {
	_, err := c.Exec(ctx, insertHistorySQL,
		orderID, string(ch.From), string(ch.To), ch.Actor, ch.At, ch.Reason, ch.ReturnID,
	)
	return apperr.Storage("insert status history", err)
}

func attachHistory(ctx context.Context, c conn, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := c.Query(ctx, selectHistorySQL, ids)
	if err != nil {
		return apperr.Storage("load status history", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID, from, to string
			ch                order.StatusChange
		)
		if err := rows.Scan(&orderID, &from, &to, &ch.Actor, &ch.At, &ch.Reason, &ch.ReturnID); err != nil {
			return apperr.Storage("scan status history", err)
		}
		ch.From, ch.To = order.Status(from), order.Status(to)
		if o := byID[orderID]; o != nil {
			o.StatusHistory = append(o.StatusHistory, ch)
		}
	}
	return apperr.Storage("load status history", rows.Err())
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o                                        order.Order
		status, currency                         string
		subtotal, discount, tax, shipping, total int64
		lines, quote, dest, shipment             []byte
	)
	err := row.Scan(
		&o.ID, &status, &o.Version, &currency, &subtotal, &discount, &tax, &shipping, &total,
		&o.CouponCode, &lines, &quote, &dest, &o.Weight, &o.PaymentRef, &shipment, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	cur := money.Currency(currency)
	o.Status = order.Status(status)
	o.Subtotal = money.New(subtotal, cur)
	o.Discount = money.New(discount, cur)
	o.Tax = money.New(tax, cur)
	o.ShippingCost = money.New(shipping, cur)
	o.Total = money.New(total, cur)

	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, errors.Wrap(err, "decode lines")
	}
	if err := json.Unmarshal(quote, &o.Shipping); err != nil {
		return nil, errors.Wrap(err, "decode quote")
	}
	if err := json.Unmarshal(dest, &o.Destination); err != nil {
		return nil, errors.Wrap(err, "decode destination")
	}
	if len(shipment) > 0 {
		o.Shipment = new(order.Shipment)
		if err := json.Unmarshal(shipment, o.Shipment); err != nil {
			return nil, errors.Wrap(err, "decode shipment")
		}
	}
	return &o, nil
}

func encodeShipment(s *order.Shipment) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode shipment")
	}
	return b, nil
}
