package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// DedupeStore durably records consumed dedupe keys. MarkSeen is atomic:
// it returns true exactly once per key across restarts.
type DedupeStore interface {
	MarkSeen(ctx context.Context, event TradeEvent) (bool, error)
	Seen(ctx context.Context, dedupeKey string) (bool, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckpointStore persists named stream offsets so a restart resumes after
// the last confirmed position instead of reprocessing.
type CheckpointStore interface {
	Get(ctx context.Context, stream string) (string, error)
	Set(ctx context.Context, stream, value string) error
}

// OrderStore persists destination order records, sufficient to resume
// in-flight lifecycle management after a restart.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	GetByKey(ctx context.Context, idempotencyKey string) (Order, error)
	ListInFlight(ctx context.Context) ([]Order, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
}

// ExposureSnapshot is a point-in-time copy of ledger committed totals.
type ExposureSnapshot struct {
	TakenAt         time.Time
	MarketCommitted map[string]int64
	WindowCommitted map[string]int64
}

// ExposureStore checkpoints the ledger so committed totals survive restarts.
type ExposureStore interface {
	Save(ctx context.Context, snap ExposureSnapshot) error
	Load(ctx context.Context) (ExposureSnapshot, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditEntry is a single append-only audit row: one per admission decision
// and one per order lifecycle transition.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
