package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Get returns the stored value for a stream, or "" when none exists.
func (s *CheckpointStore) Get(ctx context.Context, stream string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM checkpoints WHERE stream = $1`, stream,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get checkpoint %s: %w", stream, err)
	}
	return value, nil
}

// Set upserts the stream's checkpoint value.
func (s *CheckpointStore) Set(ctx context.Context, stream, value string) error {
	const query = `
		INSERT INTO checkpoints (stream, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, stream, value); err != nil {
		return fmt.Errorf("postgres: set checkpoint %s: %w", stream, err)
	}
	return nil
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)
