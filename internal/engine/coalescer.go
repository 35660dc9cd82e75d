// Package engine implements the coalescing aggregator: it collapses bursts
// of source fills into at most one execution intent per bucket per flush.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// Config holds the coalescing policy.
type Config struct {
	// Window is how long a bucket stays open after its first event.
	Window time.Duration
	// NetOpposite nets opposite-direction flow inside one bucket. When
	// disabled, same-direction events still coalesce but each side flushes
	// as its own intent.
	NetOpposite    bool
	MaxSlippageBps int
}

// bucketID is the internal grouping key. Side is empty when netting is
// enabled; with netting disabled each side gets its own bucket.
type bucketID struct {
	key  domain.BucketKey
	side domain.Side
}

type bucket struct {
	epoch       int64
	netMicros   int64
	openMicros  int64
	closeMicros int64
	count       int
	firstAt     time.Time
	lastAt      time.Time
	windowEnd   time.Time
	deadline    time.Time
}

// Coalescer groups trade events into per-window buckets keyed by
// (market, outcome, window), nets opposite-direction flow, and emits one
// ExecutionIntent per bucket when the coalesce deadline elapses. A new event
// for a key after flush opens a new bucket with an incremented epoch, so
// (bucket key, epoch) is unique for all time.
type Coalescer struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	buckets   map[bucketID]*bucket
	nextEpoch map[domain.BucketKey]int64
	dropped   int64 // fully netted buckets that produced no intent

	out chan domain.ExecutionIntent
	now func() time.Time
}

// New creates a Coalescer. Intents are delivered on Out in flush order;
// within one bucket key they are strictly epoch-ordered.
func New(cfg Config, logger *slog.Logger) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Millisecond
	}
	return &Coalescer{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "coalescer")),
		buckets:   make(map[bucketID]*bucket),
		nextEpoch: make(map[domain.BucketKey]int64),
		out:       make(chan domain.ExecutionIntent, 256),
		now:       time.Now,
	}
}

// Out returns the channel on which flushed intents are delivered.
func (c *Coalescer) Out() <-chan domain.ExecutionIntent {
	return c.out
}

// Ingest adds a trade event to its bucket, opening the bucket (and starting
// its coalesce deadline) if none is open for the key.
func (c *Coalescer) Ingest(ev domain.TradeEvent) {
	id := bucketID{key: domain.BucketKey{
		MarketID: ev.MarketID,
		Outcome:  ev.Outcome,
		WindowID: ev.Window.ID,
	}}
	if !c.cfg.NetOpposite {
		id.side = ev.Side
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[id]
	if !ok {
		b = &bucket{
			epoch:     c.nextEpoch[id.key],
			firstAt:   ev.ExecutedAt,
			windowEnd: ev.Window.EndAt,
			deadline:  c.now().Add(c.cfg.Window),
		}
		c.nextEpoch[id.key]++
		c.buckets[id] = b
	}

	b.netMicros += ev.Side.Sign() * ev.NotionalMicros
	if ev.Direction == domain.DirectionClose {
		b.closeMicros += ev.NotionalMicros
	} else {
		b.openMicros += ev.NotionalMicros
	}
	b.count++
	if ev.ExecutedAt.Before(b.firstAt) {
		b.firstAt = ev.ExecutedAt
	}
	if ev.ExecutedAt.After(b.lastAt) {
		b.lastAt = ev.ExecutedAt
	}
}

// Flush closes every bucket whose deadline has elapsed and returns the
// emitted intents. A bucket that netted to exactly zero is cleared without
// emitting anything: a fully offsetting burst produces zero orders.
func (c *Coalescer) Flush(now time.Time) []domain.ExecutionIntent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var intents []domain.ExecutionIntent
	for id, b := range c.buckets {
		if b.deadline.After(now) {
			continue
		}
		delete(c.buckets, id)

		if b.netMicros == 0 {
			c.dropped++
			c.logger.Debug("bucket fully netted, no intent",
				slog.String("bucket", id.key.String()),
				slog.Int("events", b.count),
			)
			continue
		}

		direction := domain.DirectionOpen
		if b.closeMicros > b.openMicros {
			direction = domain.DirectionClose
		}

		intents = append(intents, domain.ExecutionIntent{
			Bucket:            id.key,
			Epoch:             b.epoch,
			NetNotionalMicros: b.netMicros,
			Direction:         direction,
			EventCount:        b.count,
			FirstEventAt:      b.firstAt,
			LastEventAt:       b.lastAt,
			WindowEndAt:       b.windowEnd,
			MaxSlippageBps:    c.cfg.MaxSlippageBps,
			CorrelationID:     uuid.New().String(),
			CreatedAt:         now,
		})
	}
	return intents
}

// DroppedBuckets returns how many buckets netted to zero and were dropped.
func (c *Coalescer) DroppedBuckets() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Run drives deadline flushing until the context is cancelled. The tick is a
// quarter of the coalesce window so flush latency stays well under one
// window length.
func (c *Coalescer) Run(ctx context.Context) error {
	tick := c.cfg.Window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	c.logger.Info("coalescer started", slog.Duration("window", c.cfg.Window))
	defer c.logger.Info("coalescer stopped")

	for {
		select {
		case <-ctx.Done():
			// Final flush so nothing buffered is silently lost on shutdown.
			for _, intent := range c.Flush(c.now().Add(c.cfg.Window)) {
				select {
				case c.out <- intent:
				default:
					c.logger.Warn("dropping intent during shutdown",
						slog.String("intent", intent.IntentID()))
				}
			}
			close(c.out)
			return ctx.Err()
		case now := <-ticker.C:
			for _, intent := range c.Flush(now) {
				select {
				case c.out <- intent:
				case <-ctx.Done():
				}
			}
		}
	}
}
