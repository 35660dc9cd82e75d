package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// DedupeStore implements domain.DedupeStore using PostgreSQL. The primary
// key on dedupe_key makes MarkSeen atomic: only the first insert for a key
// reports fresh, regardless of how many feeds race on the same trade.
type DedupeStore struct {
	pool *pgxpool.Pool
}

// NewDedupeStore creates a DedupeStore backed by the given connection pool.
func NewDedupeStore(pool *pgxpool.Pool) *DedupeStore {
	return &DedupeStore{pool: pool}
}

// MarkSeen records the event's dedupe key, returning true exactly once per
// key across restarts.
func (s *DedupeStore) MarkSeen(ctx context.Context, event domain.TradeEvent) (bool, error) {
	const query = `
		INSERT INTO trade_dedupe (dedupe_key, event_id, tx_hash, market_id, executed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		event.DedupeKey(), event.EventID, event.TxHash, event.MarketID, event.ExecutedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: mark seen %s: %w", event.DedupeKey(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// Seen reports whether the key has already been consumed.
func (s *DedupeStore) Seen(ctx context.Context, dedupeKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM trade_dedupe WHERE dedupe_key = $1)`,
		dedupeKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: seen %s: %w", dedupeKey, err)
	}
	return exists, nil
}

// DeleteBefore prunes keys for trades executed before the cutoff, returning
// the number of rows removed.
func (s *DedupeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trade_dedupe WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune dedupe: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.DedupeStore = (*DedupeStore)(nil)
