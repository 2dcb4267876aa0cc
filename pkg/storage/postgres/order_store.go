package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/quote"
	"github.com/uhyunpark/orderflow/pkg/storage"
)

// OrderStore keeps order rows, the event audit trail and the settlement ledger
// in Postgres.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `id, type, side, token_in, token_out, amount_in::text, max_slippage_bps,
status, chosen_dex, quoted_price::text, executed_price::text, tx_hash, failure_reason,
attempt, created_at, updated_at`

func (s *OrderStore) CreateOrder(ctx context.Context, o *order.Order) error {
	const stmt = `
INSERT INTO orders (
	id, type, side, token_in, token_out, amount_in, max_slippage_bps,
	status, chosen_dex, quoted_price, executed_price, tx_hash, failure_reason,
	attempt, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14, $15, $16)`

	_, err := s.pool.Exec(ctx, stmt,
		o.ID, o.Type, string(o.Side), o.TokenIn, o.TokenOut, o.AmountIn.String(), o.MaxSlippageBps,
		string(o.Status), nullString(o.ChosenDex), nullDecimal(o.QuotedPrice), nullDecimal(o.ExecutedPrice),
		nullString(o.TxHash), nullString(o.FailureReason), o.Attempt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrOrderExists, o.ID)
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *OrderStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	var (
		o                                   order.Order
		side, status, amount                string
		chosen, quoted, executed, tx, cause *string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.Type, &side, &o.TokenIn, &o.TokenOut, &amount, &o.MaxSlippageBps,
		&status, &chosen, &quoted, &executed, &tx, &cause,
		&o.Attempt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Side = order.Side(side)
	o.Status = order.Status(status)
	if o.AmountIn, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("get order: amount_in: %w", err)
	}
	if o.QuotedPrice, err = parseDecimal(quoted); err != nil {
		return nil, fmt.Errorf("get order: quoted_price: %w", err)
	}
	if o.ExecutedPrice, err = parseDecimal(executed); err != nil {
		return nil, fmt.Errorf("get order: executed_price: %w", err)
	}
	o.ChosenDex = deref(chosen)
	o.TxHash = deref(tx)
	o.FailureReason = deref(cause)
	return &o, nil
}

func (s *OrderStore) UpdateOrder(ctx context.Context, o *order.Order) error {
	const stmt = `
UPDATE orders SET
	status = $2, chosen_dex = $3, quoted_price = $4::numeric, executed_price = $5::numeric,
	tx_hash = $6, failure_reason = $7, attempt = $8, updated_at = $9
WHERE id = $1`

	tag, err := s.pool.Exec(ctx, stmt,
		o.ID, string(o.Status), nullString(o.ChosenDex), nullDecimal(o.QuotedPrice), nullDecimal(o.ExecutedPrice),
		nullString(o.TxHash), nullString(o.FailureReason), o.Attempt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	}
	return nil
}

func (s *OrderStore) Append(ctx context.Context, e events.StatusEvent) (events.StatusEvent, error) {
	const stmt = `
INSERT INTO order_events (order_id, status, attempt, data, ts, checksum)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`

	var data []byte
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return events.StatusEvent{}, fmt.Errorf("append event: %w", err)
		}
		data = raw
	}
	if err := s.pool.QueryRow(ctx, stmt, e.OrderID, string(e.Status), e.Attempt, data, e.Timestamp, e.Checksum).Scan(&e.Seq); err != nil {
		return events.StatusEvent{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

func (s *OrderStore) Events(ctx context.Context, orderID string) ([]events.StatusEvent, error) {
	const query = `
SELECT seq, order_id, status, attempt, data, ts, checksum
FROM order_events
WHERE order_id = $1
ORDER BY seq`

	if _, err := uuid.Parse(orderID); err != nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []events.StatusEvent
	for rows.Next() {
		var (
			e      events.StatusEvent
			status string
			data   []byte
		)
		if err := rows.Scan(&e.Seq, &e.OrderID, &status, &e.Attempt, &data, &e.Timestamp, &e.Checksum); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Status = order.Status(status)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (s *OrderStore) LookupSettlement(ctx context.Context, orderID string) (quote.Settlement, bool, error) {
	const query = `SELECT provider, tx_hash, executed_price::text FROM order_settlements WHERE order_id = $1`

	var (
		st    quote.Settlement
		price string
	)
	err := s.pool.QueryRow(ctx, query, orderID).Scan(&st.Provider, &st.TxHash, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quote.Settlement{}, false, nil
		}
		return quote.Settlement{}, false, fmt.Errorf("get settlement: %w", err)
	}
	if st.ExecutedPrice, err = decimal.NewFromString(price); err != nil {
		return quote.Settlement{}, false, fmt.Errorf("get settlement: %w", err)
	}
	return st, true, nil
}

// RecordSettlement keeps the first settlement recorded for an order.
func (s *OrderStore) RecordSettlement(ctx context.Context, orderID string, st quote.Settlement) error {
	const stmt = `
INSERT INTO order_settlements (order_id, provider, tx_hash, executed_price)
VALUES ($1, $2, $3, $4::numeric)
ON CONFLICT (order_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, stmt, orderID, st.Provider, st.TxHash, st.ExecutedPrice.String()); err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
