// Package telemetry collects pipeline counters and latency distributions and
// feeds the automatic kill switch guard.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/risk"
)

// Stage names for latency observations.
const (
	StageIngest      = "ingest"     // source execution to normalized event
	StageCoalesce    = "coalesce"   // first event to intent flush
	StageAdmission   = "admission"  // intent flush to risk verdict
	StageSubmitToAck = "submit_ack" // order submit to venue ack
	StageEndToEnd    = "end_to_end" // source execution to terminal order
)

// reservoirSize bounds per-stage memory. A windowed reservoir of the most
// recent observations is enough for p50/p95/p99 at pipeline rates.
const reservoirSize = 1024

type reservoir struct {
	samples []float64 // ring buffer, millis
	next    int
	total   int64
}

func (r *reservoir) observe(ms float64) {
	if len(r.samples) < reservoirSize {
		r.samples = append(r.samples, ms)
	} else {
		r.samples[r.next] = ms
		r.next = (r.next + 1) % reservoirSize
	}
	r.total++
}

// percentile returns the pth percentile (0..100) of the current samples.
func (r *reservoir) percentile(p float64) float64 {
	if len(r.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(r.samples))
	copy(sorted, r.samples)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

// outcome is one terminal order result inside the guard's trailing window.
type outcome struct {
	at       time.Time
	rejected bool
}

// LatencyStats summarises one stage's distribution.
type LatencyStats struct {
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	Samples int64   `json:"samples"`
}

// Snapshot is the full metrics view served by the operator API.
type Snapshot struct {
	EventsAccepted  int64 `json:"events_accepted"`
	IntentsFlushed  int64 `json:"intents_flushed"`
	IntentsApproved int64 `json:"intents_approved"`
	IntentsBlocked  int64 `json:"intents_blocked"`
	OrdersFilled    int64 `json:"orders_filled"`
	OrdersFailed    int64 `json:"orders_failed"`
	OrdersCancelled int64 `json:"orders_cancelled"`

	// CoalesceRatio is source events per flushed intent; higher means the
	// aggregator is absorbing more burst.
	CoalesceRatio float64 `json:"coalesce_ratio"`

	// RejectRate is terminal failures over terminal outcomes in the guard
	// window.
	RejectRate float64 `json:"reject_rate"`

	BlockedByReason map[string]int64        `json:"blocked_by_reason"`
	Latency         map[string]LatencyStats `json:"latency"`
	TakenAt         time.Time               `json:"taken_at"`
}

// Collector aggregates counters and latencies from every pipeline stage. All
// methods are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	eventsAccepted  int64
	intentsFlushed  int64
	intentsApproved int64
	intentsBlocked  int64
	ordersFilled    int64
	ordersFailed    int64
	ordersCancelled int64

	blockedByReason map[string]int64
	stages          map[string]*reservoir

	outcomes    []outcome
	guardWindow time.Duration

	logger *slog.Logger
}

// NewCollector creates a Collector. guardWindow is the trailing span the
// reject rate is computed over.
func NewCollector(guardWindow time.Duration, logger *slog.Logger) *Collector {
	if guardWindow <= 0 {
		guardWindow = 5 * time.Minute
	}
	return &Collector{
		blockedByReason: make(map[string]int64),
		stages:          make(map[string]*reservoir),
		guardWindow:     guardWindow,
		logger:          logger.With(slog.String("component", "telemetry")),
	}
}

// ObserveLatency records one stage latency sample.
func (c *Collector) ObserveLatency(stage string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.stages[stage]
	if !ok {
		r = &reservoir{}
		c.stages[stage] = r
	}
	r.observe(float64(d.Microseconds()) / 1000)
}

// EventAccepted counts one normalized source event.
func (c *Collector) EventAccepted() {
	c.mu.Lock()
	c.eventsAccepted++
	c.mu.Unlock()
}

// IntentFlushed counts one coalescer flush.
func (c *Collector) IntentFlushed() {
	c.mu.Lock()
	c.intentsFlushed++
	c.mu.Unlock()
}

// Decision counts one admission verdict.
func (c *Collector) Decision(d domain.RiskDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Approved() {
		c.intentsApproved++
		return
	}
	c.intentsBlocked++
	c.blockedByReason[string(d.Reason)]++
}

// OrderTerminal counts one terminal order outcome and feeds the reject-rate
// window.
func (c *Collector) OrderTerminal(state domain.OrderState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := false
	switch state {
	case domain.OrderStateFilled:
		c.ordersFilled++
	case domain.OrderStateFailed:
		c.ordersFailed++
		rejected = true
	case domain.OrderStateCancelled:
		c.ordersCancelled++
	default:
		return
	}
	c.outcomes = append(c.outcomes, outcome{at: time.Now(), rejected: rejected})
}

// pruneOutcomesLocked drops outcomes older than the guard window.
func (c *Collector) pruneOutcomesLocked(now time.Time) {
	cutoff := now.Add(-c.guardWindow)
	keep := c.outcomes[:0]
	for _, o := range c.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	c.outcomes = keep
}

// guardInputs returns the reject rate, p95 submit-ack latency, and sample
// count for the auto guard.
func (c *Collector) guardInputs() (rejectRate float64, p95Ms float64, samples int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneOutcomesLocked(time.Now())

	samples = len(c.outcomes)
	if samples > 0 {
		rejected := 0
		for _, o := range c.outcomes {
			if o.rejected {
				rejected++
			}
		}
		rejectRate = float64(rejected) / float64(samples)
	}

	if r, ok := c.stages[StageSubmitToAck]; ok {
		p95Ms = r.percentile(95)
	}
	return rejectRate, p95Ms, samples
}

// Snapshot returns the current metrics view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneOutcomesLocked(time.Now())

	snap := Snapshot{
		EventsAccepted:  c.eventsAccepted,
		IntentsFlushed:  c.intentsFlushed,
		IntentsApproved: c.intentsApproved,
		IntentsBlocked:  c.intentsBlocked,
		OrdersFilled:    c.ordersFilled,
		OrdersFailed:    c.ordersFailed,
		OrdersCancelled: c.ordersCancelled,
		BlockedByReason: make(map[string]int64, len(c.blockedByReason)),
		Latency:         make(map[string]LatencyStats, len(c.stages)),
		TakenAt:         time.Now().UTC(),
	}

	if c.intentsFlushed > 0 {
		snap.CoalesceRatio = float64(c.eventsAccepted) / float64(c.intentsFlushed)
	}
	if n := len(c.outcomes); n > 0 {
		rejected := 0
		for _, o := range c.outcomes {
			if o.rejected {
				rejected++
			}
		}
		snap.RejectRate = float64(rejected) / float64(n)
	}

	for reason, n := range c.blockedByReason {
		snap.BlockedByReason[reason] = n
	}
	for stage, r := range c.stages {
		snap.Latency[stage] = LatencyStats{
			P50Ms:   r.percentile(50),
			P95Ms:   r.percentile(95),
			P99Ms:   r.percentile(99),
			Samples: r.total,
		}
	}
	return snap
}

// RunGuard evaluates the auto guard on the given interval until the context
// ends.
func (c *Collector) RunGuard(ctx context.Context, guard *risk.AutoGuard, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("guard loop started", slog.Duration("interval", interval))
	defer c.logger.Info("guard loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rejectRate, p95Ms, samples := c.guardInputs()
			guard.Evaluate(rejectRate, p95Ms, samples)
		}
	}
}
