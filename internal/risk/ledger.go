package risk

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// LimitScope identifies which cap constrained a reservation.
type LimitScope int

const (
	LimitNone LimitScope = iota
	LimitMarket
	LimitWindow
)

// LedgerConfig holds the exposure caps in micro-USD and the trailing span
// the window cap applies over.
type LedgerConfig struct {
	MarketCapMicros int64
	WindowCapMicros int64
	RollingWindow   time.Duration
}

// marketScope tracks one market's exposure under its own lock so unrelated
// markets never serialize each other.
type marketScope struct {
	mu        sync.Mutex
	committed int64
	reserved  int64
}

// windowTracker tracks total notional over a trailing window using
// minute-granularity buckets. Reserved amounts are counted against the cap
// until released, so two concurrent reservations can never both pass a check
// only one can satisfy.
type windowTracker struct {
	mu       sync.Mutex
	span     time.Duration
	buckets  map[int64]int64 // unix minute -> committed micros
	reserved int64
}

func newWindowTracker(span time.Duration) *windowTracker {
	return &windowTracker{span: span, buckets: make(map[int64]int64)}
}

func (w *windowTracker) prune(now time.Time) {
	cutoff := now.Add(-w.span).Unix() / 60
	for minute := range w.buckets {
		if minute < cutoff {
			delete(w.buckets, minute)
		}
	}
}

func (w *windowTracker) total(now time.Time) int64 {
	w.prune(now)
	var sum int64
	for _, v := range w.buckets {
		sum += v
	}
	return sum + w.reserved
}

// Reservation is the token returned by Ledger.Reserve. Commit moves reserved
// notional into committed exposure (incrementally, for partial fills);
// Release frees whatever remains reserved. Exactly one of the two consumes
// each reserved dollar, never both.
type Reservation struct {
	ledger   *Ledger
	marketID string

	mu        sync.Mutex
	remaining int64
	released  bool
}

// Remaining returns the still-reserved, not-yet-committed notional.
func (r *Reservation) Remaining() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Commit converts up to micros of the reservation into committed exposure.
// Committing more than remains reserved is an invariant violation.
func (r *Reservation) Commit(micros int64) error {
	if micros <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return domain.ErrReservationSpent
	}
	if micros > r.remaining {
		return fmt.Errorf("%w: commit %d exceeds reserved %d for market %s",
			domain.ErrLedgerInconsistent, micros, r.remaining, r.marketID)
	}
	r.remaining -= micros
	r.ledger.commit(r.marketID, micros)
	return nil
}

// Release frees the unfilled remainder of the reservation. It is safe to
// call multiple times; only the first call has an effect.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if r.remaining > 0 {
		r.ledger.release(r.marketID, r.remaining)
		r.remaining = 0
	}
}

// Ledger is the single source of truth for committed notional per market
// and over the trailing window. All admission goes through the two-phase
// reserve-then-commit-or-release cycle; nothing is ever booked optimistically
// without a token that can roll it back.
type Ledger struct {
	cfg LedgerConfig

	marketsMu sync.Mutex
	markets   map[string]*marketScope

	window *windowTracker
	now    func() time.Time
}

// NewLedger creates an empty ledger with the given caps.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 15 * time.Minute
	}
	return &Ledger{
		cfg:     cfg,
		markets: make(map[string]*marketScope),
		window:  newWindowTracker(cfg.RollingWindow),
		now:     time.Now,
	}
}

func (l *Ledger) market(id string) *marketScope {
	l.marketsMu.Lock()
	defer l.marketsMu.Unlock()
	m, ok := l.markets[id]
	if !ok {
		m = &marketScope{}
		l.markets[id] = m
	}
	return m
}

// Reserve atomically claims up to wantMicros of headroom against both the
// per-market cap and the trailing-window cap. The grant is clamped to the
// tighter headroom; a zero grant returns no token plus the scope that had no
// headroom (market is checked first). Lock order is always market scope then
// window tracker.
func (l *Ledger) Reserve(marketID string, wantMicros int64) (*Reservation, int64, LimitScope) {
	if wantMicros <= 0 {
		return nil, 0, LimitNone
	}

	m := l.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()

	grant := wantMicros
	limited := LimitNone

	marketHeadroom := l.cfg.MarketCapMicros - m.committed - m.reserved
	if marketHeadroom <= 0 {
		return nil, 0, LimitMarket
	}
	if grant > marketHeadroom {
		grant = marketHeadroom
		limited = LimitMarket
	}

	l.window.mu.Lock()
	defer l.window.mu.Unlock()

	windowHeadroom := l.cfg.WindowCapMicros - l.window.total(l.now())
	if windowHeadroom <= 0 {
		return nil, 0, LimitWindow
	}
	if grant > windowHeadroom {
		grant = windowHeadroom
		limited = LimitWindow
	}

	m.reserved += grant
	l.window.reserved += grant

	return &Reservation{ledger: l, marketID: marketID, remaining: grant}, grant, limited
}

func (l *Ledger) commit(marketID string, micros int64) {
	m := l.market(marketID)
	m.mu.Lock()
	m.reserved -= micros
	m.committed += micros
	bad := m.reserved < 0 || m.committed > l.cfg.MarketCapMicros
	m.mu.Unlock()

	l.window.mu.Lock()
	l.window.reserved -= micros
	minute := l.now().Unix() / 60
	l.window.buckets[minute] += micros
	if l.window.reserved < 0 {
		bad = true
	}
	l.window.mu.Unlock()

	if bad {
		// The reservation token already bounds every commit, so this can
		// only fire if internal accounting drifted.
		panic(fmt.Sprintf("risk: ledger accounting drift on commit market=%s micros=%d", marketID, micros))
	}
}

func (l *Ledger) release(marketID string, micros int64) {
	m := l.market(marketID)
	m.mu.Lock()
	m.reserved -= micros
	m.mu.Unlock()

	l.window.mu.Lock()
	l.window.reserved -= micros
	l.window.mu.Unlock()
}

// MarketCommitted returns the committed notional for one market.
func (l *Ledger) MarketCommitted(marketID string) int64 {
	m := l.market(marketID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// WindowTotal returns committed plus reserved notional over the trailing
// window.
func (l *Ledger) WindowTotal() int64 {
	l.window.mu.Lock()
	defer l.window.mu.Unlock()
	return l.window.total(l.now())
}

// Verify reconciles ledger totals against an externally computed sum of
// confirmed order notional per market. Any mismatch is an invariant
// violation: the caller must halt new admission.
func (l *Ledger) Verify(confirmed map[string]int64) error {
	l.marketsMu.Lock()
	defer l.marketsMu.Unlock()
	for id, m := range l.markets {
		m.mu.Lock()
		committed := m.committed
		m.mu.Unlock()
		if committed != confirmed[id] {
			return fmt.Errorf("%w: market %s ledger=%d confirmed=%d",
				domain.ErrLedgerInconsistent, id, committed, confirmed[id])
		}
	}
	return nil
}

// Snapshot captures committed totals for checkpointing. Reserved amounts are
// deliberately excluded: a restart re-derives them from in-flight orders.
func (l *Ledger) Snapshot() domain.ExposureSnapshot {
	snap := domain.ExposureSnapshot{
		TakenAt:         l.now().UTC(),
		MarketCommitted: make(map[string]int64),
		WindowCommitted: make(map[string]int64),
	}

	l.marketsMu.Lock()
	for id, m := range l.markets {
		m.mu.Lock()
		if m.committed != 0 {
			snap.MarketCommitted[id] = m.committed
		}
		m.mu.Unlock()
	}
	l.marketsMu.Unlock()

	l.window.mu.Lock()
	l.window.prune(l.now())
	for minute, v := range l.window.buckets {
		snap.WindowCommitted[strconv.FormatInt(minute, 10)] = v
	}
	l.window.mu.Unlock()

	return snap
}

// Restore loads a checkpoint snapshot into an empty ledger.
func (l *Ledger) Restore(snap domain.ExposureSnapshot) error {
	l.marketsMu.Lock()
	for id, v := range snap.MarketCommitted {
		l.markets[id] = &marketScope{committed: v}
	}
	l.marketsMu.Unlock()

	l.window.mu.Lock()
	defer l.window.mu.Unlock()
	for k, v := range snap.WindowCommitted {
		minute, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("risk: restore snapshot: bad window bucket key %q: %w", k, err)
		}
		l.window.buckets[minute] = v
	}
	l.window.prune(l.now())
	return nil
}
