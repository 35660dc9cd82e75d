// Package ingest turns raw source-wallet activity into exactly-once,
// normalized trade events for the coalescer.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/platform/polymarket"
)

// NormalizerStats is a point-in-time counter snapshot for telemetry and the
// chain monitor.
type NormalizerStats struct {
	Accepted   int64
	Duplicates int64
	OutOfOrder int64
	Discarded  int64
}

// Normalizer validates, deduplicates, and enriches activity rows. Every
// accepted row becomes exactly one TradeEvent on Out, across restarts and
// overlapping feeds: the in-memory recency set absorbs the common case and
// the durable dedupe store is the authority.
type Normalizer struct {
	sourceWallet string
	dedupe       domain.DedupeStore
	recent       *recencySet
	cache        *polymarket.MarketCache
	logger       *slog.Logger

	mu        sync.Mutex
	lastAt    time.Time
	lastSeq   int64
	positions map[string]int64 // market|outcome -> net shares micros
	stats     NormalizerStats

	out chan domain.TradeEvent
	now func() time.Time
}

// NewNormalizer creates a normalizer for one source wallet. recencyTTL
// bounds the in-memory set; the durable store covers everything older.
func NewNormalizer(sourceWallet string, dedupe domain.DedupeStore, cache *polymarket.MarketCache, recencyTTL time.Duration, logger *slog.Logger) *Normalizer {
	if recencyTTL <= 0 {
		recencyTTL = 2 * time.Minute
	}
	return &Normalizer{
		sourceWallet: strings.ToLower(sourceWallet),
		dedupe:       dedupe,
		recent:       newRecencySet(recencyTTL),
		cache:        cache,
		logger:       logger.With(slog.String("component", "normalizer")),
		positions:    make(map[string]int64),
		out:          make(chan domain.TradeEvent, 256),
		now:          time.Now,
	}
}

// Out returns the stream of accepted trade events.
func (n *Normalizer) Out() <-chan domain.TradeEvent {
	return n.out
}

// Stats returns a snapshot of the normalizer's counters.
func (n *Normalizer) Stats() NormalizerStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Ingest processes one raw activity row end to end: normalize, dedupe,
// flag ordering, resolve direction, emit. Rows that fail validation or are
// duplicates are counted and dropped without error.
func (n *Normalizer) Ingest(ctx context.Context, row polymarket.ActivityTrade) error {
	ev, ok := n.normalize(row)
	if !ok {
		n.count(func(s *NormalizerStats) { s.Discarded++ })
		return nil
	}

	key := ev.DedupeKey()
	if n.recent.contains(key) {
		n.count(func(s *NormalizerStats) { s.Duplicates++ })
		return nil
	}

	fresh, err := n.dedupe.MarkSeen(ctx, ev)
	if err != nil {
		return err
	}
	n.recent.add(key)
	if !fresh {
		n.count(func(s *NormalizerStats) { s.Duplicates++ })
		n.logger.Debug("duplicate event dropped", slog.String("dedupe_key", key))
		return nil
	}

	n.enrich(&ev)

	select {
	case n.out <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Run drives periodic recency-set cleanup until the context ends, then
// closes the output stream.
func (n *Normalizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	n.logger.Info("normalizer started", slog.String("source_wallet", n.sourceWallet))
	defer n.logger.Info("normalizer stopped")

	for {
		select {
		case <-ctx.Done():
			close(n.out)
			return ctx.Err()
		case <-ticker.C:
			n.recent.cleanup()
		}
	}
}

// normalize validates one row and maps it into the domain shape. Window
// metadata is best effort: a Gamma outage degrades expiry handling but never
// drops the trade.
func (n *Normalizer) normalize(row polymarket.ActivityTrade) (domain.TradeEvent, bool) {
	if wallet := strings.ToLower(row.Wallet.String()); wallet != "" && wallet != n.sourceWallet {
		return domain.TradeEvent{}, false
	}
	if typ := row.Type.String(); typ != "" && !strings.EqualFold(typ, "TRADE") {
		return domain.TradeEvent{}, false
	}

	price := row.Price.Float()
	size := row.Size.Float()
	if price <= 0 || price >= 1 || size <= 0 {
		return domain.TradeEvent{}, false
	}

	side := domain.SideBuy
	if strings.EqualFold(row.Side.String(), "SELL") {
		side = domain.SideSell
	}

	marketID := row.MarketID.String()
	if marketID == "" {
		return domain.TradeEvent{}, false
	}

	executedAt := row.ExecutedAt()
	if executedAt.IsZero() {
		executedAt = n.now().UTC()
	}

	ev := domain.TradeEvent{
		EventID:        row.ID.String(),
		TxHash:         row.TxHash.String(),
		Sequence:       row.Sequence.Int(),
		SourceWallet:   n.sourceWallet,
		MarketID:       marketID,
		Outcome:        row.Outcome.String(),
		Side:           side,
		PriceMicros:    int64(price * 1e6),
		SharesMicros:   int64(size * 1e6),
		NotionalMicros: int64(price * size * 1e6),
		ExecutedAt:     executedAt,
		ReceivedAt:     n.now().UTC(),
	}

	if n.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		window, err := n.cache.Window(ctx, marketID)
		cancel()
		if err != nil {
			n.logger.Debug("window metadata unavailable",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		} else {
			ev.Window = window
		}
	}
	if ev.Window.ID == "" {
		ev.Window.ID = row.Slug.String()
	}

	return ev, true
}

// enrich stamps ordering and direction, updating the position tracker. A
// trade that shrinks the tracked net position is exposure-reducing.
func (n *Normalizer) enrich(ev *domain.TradeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The feed's sequence number is the ordering authority; timestamps only
	// arbitrate when the feed does not populate it.
	switch {
	case ev.Sequence > 0:
		if n.lastSeq > 0 && ev.Sequence < n.lastSeq {
			ev.OutOfOrder = true
			n.stats.OutOfOrder++
		}
		if ev.Sequence > n.lastSeq {
			n.lastSeq = ev.Sequence
		}
	case !n.lastAt.IsZero() && ev.ExecutedAt.Before(n.lastAt):
		ev.OutOfOrder = true
		n.stats.OutOfOrder++
	}
	if ev.ExecutedAt.After(n.lastAt) {
		n.lastAt = ev.ExecutedAt
	}

	posKey := ev.MarketID + "|" + ev.Outcome
	pos := n.positions[posKey]
	delta := ev.Side.Sign() * ev.SharesMicros

	ev.Direction = domain.DirectionOpen
	if (pos > 0 && delta < 0) || (pos < 0 && delta > 0) {
		ev.Direction = domain.DirectionClose
	}
	n.positions[posKey] = pos + delta

	n.stats.Accepted++
}

func (n *Normalizer) count(fn func(*NormalizerStats)) {
	n.mu.Lock()
	fn(&n.stats)
	n.mu.Unlock()
}
