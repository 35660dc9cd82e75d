package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order. A duplicate idempotency key reports
// domain.ErrAlreadyExists so the caller can treat the intent as replayed.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO mirror_orders (
			idempotency_key, market_id, outcome, window_id, epoch, side,
			requested_micros, filled_micros, price_micros, max_slippage_bps,
			state, attempts, last_error, correlation_id, window_end_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17
		)`

	_, err := s.pool.Exec(ctx, query,
		o.IdempotencyKey, o.Bucket.MarketID, o.Bucket.Outcome, o.Bucket.WindowID,
		o.Epoch, string(o.Side),
		o.RequestedMicros, o.FilledMicros, o.PriceMicros, o.MaxSlippageBps,
		string(o.State), o.Attempts, o.LastError, o.CorrelationID, o.WindowEndAt,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.IdempotencyKey, err)
	}
	return nil
}

// Update persists the order's mutable fields.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE mirror_orders SET
			filled_micros = $2, state = $3, attempts = $4,
			last_error = $5, updated_at = $6
		WHERE idempotency_key = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.IdempotencyKey, o.FilledMicros, string(o.State), o.Attempts,
		o.LastError, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `idempotency_key, market_id, outcome, window_id, epoch, side,
	requested_micros, filled_micros, price_micros, max_slippage_bps,
	state, attempts, last_error, correlation_id, window_end_at,
	created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, state string

	err := scanner.Scan(
		&o.IdempotencyKey, &o.Bucket.MarketID, &o.Bucket.Outcome, &o.Bucket.WindowID,
		&o.Epoch, &side,
		&o.RequestedMicros, &o.FilledMicros, &o.PriceMicros, &o.MaxSlippageBps,
		&state, &o.Attempts, &o.LastError, &o.CorrelationID, &o.WindowEndAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.State = domain.OrderState(state)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByKey retrieves a single order by its idempotency key.
func (s *OrderStore) GetByKey(ctx context.Context, idempotencyKey string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM mirror_orders WHERE idempotency_key = $1`,
		idempotencyKey)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", idempotencyKey, err)
	}
	return o, nil
}

// ListInFlight returns all orders in a non-terminal state, oldest first, for
// lifecycle resumption after a restart.
func (s *OrderStore) ListInFlight(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM mirror_orders
		 WHERE state NOT IN ('filled', 'failed', 'cancelled')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list in-flight orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan in-flight orders: %w", err)
	}
	return orders, nil
}

// ListByMarket returns orders for one market with pagination and optional
// time filtering.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM mirror_orders WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by market: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by market: %w", err)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
