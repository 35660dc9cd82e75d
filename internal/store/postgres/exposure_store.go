package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// ExposureStore implements domain.ExposureStore using PostgreSQL. Snapshots
// are append-only; Load reads the most recent one so the ledger can be
// restored after a restart.
type ExposureStore struct {
	pool *pgxpool.Pool
}

// NewExposureStore creates an ExposureStore backed by the given pool.
func NewExposureStore(pool *pgxpool.Pool) *ExposureStore {
	return &ExposureStore{pool: pool}
}

// Save appends a new ledger snapshot.
func (s *ExposureStore) Save(ctx context.Context, snap domain.ExposureSnapshot) error {
	markets, err := json.Marshal(snap.MarketCommitted)
	if err != nil {
		return fmt.Errorf("postgres: marshal market exposure: %w", err)
	}
	windows, err := json.Marshal(snap.WindowCommitted)
	if err != nil {
		return fmt.Errorf("postgres: marshal window exposure: %w", err)
	}

	const query = `
		INSERT INTO exposure_snapshots (taken_at, market_committed, window_committed)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, query, snap.TakenAt, markets, windows); err != nil {
		return fmt.Errorf("postgres: save exposure snapshot: %w", err)
	}
	return nil
}

// Load returns the most recent snapshot. When none exists it returns
// domain.ErrNotFound; a fresh deployment starts from an empty ledger.
func (s *ExposureStore) Load(ctx context.Context) (domain.ExposureSnapshot, error) {
	var snap domain.ExposureSnapshot
	var markets, windows []byte

	err := s.pool.QueryRow(ctx,
		`SELECT taken_at, market_committed, window_committed
		 FROM exposure_snapshots
		 ORDER BY taken_at DESC, id DESC
		 LIMIT 1`,
	).Scan(&snap.TakenAt, &markets, &windows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExposureSnapshot{}, domain.ErrNotFound
		}
		return domain.ExposureSnapshot{}, fmt.Errorf("postgres: load exposure snapshot: %w", err)
	}

	if err := json.Unmarshal(markets, &snap.MarketCommitted); err != nil {
		return domain.ExposureSnapshot{}, fmt.Errorf("postgres: decode market exposure: %w", err)
	}
	if err := json.Unmarshal(windows, &snap.WindowCommitted); err != nil {
		return domain.ExposureSnapshot{}, fmt.Errorf("postgres: decode window exposure: %w", err)
	}
	return snap, nil
}

// DeleteBefore prunes snapshots older than the cutoff, keeping the table from
// growing without bound. The retention sweep passes a cutoff that trails the
// snapshot interval so the latest snapshot always survives.
func (s *ExposureStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM exposure_snapshots WHERE taken_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune exposure snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.ExposureStore = (*ExposureStore)(nil)
