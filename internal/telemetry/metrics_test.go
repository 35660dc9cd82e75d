package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polymirror/mirrorbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollectorCountersAndCoalesceRatio(t *testing.T) {
	c := NewCollector(5*time.Minute, testLogger())

	for i := 0; i < 12; i++ {
		c.EventAccepted()
	}
	for i := 0; i < 3; i++ {
		c.IntentFlushed()
	}
	c.Decision(domain.RiskDecision{Verdict: domain.VerdictApproved})
	c.Decision(domain.RiskDecision{Verdict: domain.VerdictBlocked, Reason: domain.ReasonMarketCapExceeded})
	c.Decision(domain.RiskDecision{Verdict: domain.VerdictBlocked, Reason: domain.ReasonMarketCapExceeded})
	c.Decision(domain.RiskDecision{Verdict: domain.VerdictBlocked, Reason: domain.ReasonBelowMinNotional})

	snap := c.Snapshot()
	assert.Equal(t, int64(12), snap.EventsAccepted)
	assert.Equal(t, int64(3), snap.IntentsFlushed)
	assert.Equal(t, int64(1), snap.IntentsApproved)
	assert.Equal(t, int64(3), snap.IntentsBlocked)
	assert.InDelta(t, 4.0, snap.CoalesceRatio, 1e-9)
	assert.Equal(t, int64(2), snap.BlockedByReason[string(domain.ReasonMarketCapExceeded)])
	assert.Equal(t, int64(1), snap.BlockedByReason[string(domain.ReasonBelowMinNotional)])
}

func TestCollectorLatencyPercentiles(t *testing.T) {
	c := NewCollector(5*time.Minute, testLogger())

	// 1..100ms uniformly.
	for i := 1; i <= 100; i++ {
		c.ObserveLatency(StageSubmitToAck, time.Duration(i)*time.Millisecond)
	}

	snap := c.Snapshot()
	stats := snap.Latency[StageSubmitToAck]
	assert.Equal(t, int64(100), stats.Samples)
	assert.InDelta(t, 50, stats.P50Ms, 2)
	assert.InDelta(t, 95, stats.P95Ms, 2)
	assert.InDelta(t, 99, stats.P99Ms, 2)
}

func TestCollectorRejectRate(t *testing.T) {
	c := NewCollector(5*time.Minute, testLogger())

	c.OrderTerminal(domain.OrderStateFilled)
	c.OrderTerminal(domain.OrderStateFilled)
	c.OrderTerminal(domain.OrderStateFilled)
	c.OrderTerminal(domain.OrderStateFailed)
	// Non-terminal states are ignored.
	c.OrderTerminal(domain.OrderStateSubmitted)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.OrdersFilled)
	assert.Equal(t, int64(1), snap.OrdersFailed)
	assert.InDelta(t, 0.25, snap.RejectRate, 1e-9)

	rejectRate, _, samples := c.guardInputs()
	assert.Equal(t, 4, samples)
	assert.InDelta(t, 0.25, rejectRate, 1e-9)
}

func TestCollectorGuardWindowPrunes(t *testing.T) {
	c := NewCollector(50*time.Millisecond, testLogger())

	c.OrderTerminal(domain.OrderStateFailed)
	time.Sleep(60 * time.Millisecond)
	c.OrderTerminal(domain.OrderStateFilled)

	rejectRate, _, samples := c.guardInputs()
	assert.Equal(t, 1, samples)
	assert.Zero(t, rejectRate)
}

func TestCollectorGuardInputsIncludeP95(t *testing.T) {
	c := NewCollector(5*time.Minute, testLogger())
	c.OrderTerminal(domain.OrderStateFilled)
	c.ObserveLatency(StageSubmitToAck, 200*time.Millisecond)

	_, p95, samples := c.guardInputs()
	assert.Equal(t, 1, samples)
	assert.InDelta(t, 200, p95, 1)

	// Other stages never feed the guard.
	c.ObserveLatency(StageIngest, 5*time.Second)
	_, p95, _ = c.guardInputs()
	assert.InDelta(t, 200, p95, 1)
}
