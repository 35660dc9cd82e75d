package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoalescer(t *testing.T, cfg Config) (*Coalescer, *time.Time) {
	t.Helper()
	c := New(cfg, testLogger())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func tradeEvent(market, outcome, window string, side domain.Side, notionalMicros int64, at time.Time) domain.TradeEvent {
	return domain.TradeEvent{
		EventID:        market + ":" + at.String(),
		MarketID:       market,
		Outcome:        outcome,
		Side:           side,
		Direction:      domain.DirectionOpen,
		NotionalMicros: notionalMicros,
		Window:         domain.MarketWindow{ID: window, EndAt: at.Add(10 * time.Minute)},
		ExecutedAt:     at,
	}
}

func TestCoalescerBurstProducesOneIntent(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	for i := 0; i < 5; i++ {
		c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, now.Add(time.Duration(i)*10*time.Millisecond)))
	}

	// Before the deadline nothing flushes.
	assert.Empty(t, c.Flush(now.Add(100*time.Millisecond)))

	intents := c.Flush(now.Add(301 * time.Millisecond))
	require.Len(t, intents, 1)

	intent := intents[0]
	assert.Equal(t, int64(5_000_000), intent.NetNotionalMicros)
	assert.Equal(t, domain.SideBuy, intent.Side())
	assert.Equal(t, 5, intent.EventCount)
	assert.Equal(t, int64(0), intent.Epoch)
	assert.Equal(t, *now, intent.FirstEventAt)
	assert.Equal(t, now.Add(40*time.Millisecond), intent.LastEventAt)
	assert.NotEmpty(t, intent.CorrelationID)
}

func TestCoalescerNetsOppositeFlow(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 7_000_000, *now))
	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideSell, 3_000_000, now.Add(50*time.Millisecond)))

	intents := c.Flush(now.Add(time.Second))
	require.Len(t, intents, 1)
	assert.Equal(t, int64(4_000_000), intents[0].NetNotionalMicros)
	assert.Equal(t, domain.SideBuy, intents[0].Side())
}

func TestCoalescerFullyNettedBucketDropped(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 2_500_000, *now))
	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideSell, 2_500_000, *now))

	intents := c.Flush(now.Add(time.Second))
	assert.Empty(t, intents)
	assert.Equal(t, int64(1), c.DroppedBuckets())
}

func TestCoalescerEpochIncrementsPerFlush(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, *now))
	first := c.Flush(now.Add(time.Second))
	require.Len(t, first, 1)
	assert.Equal(t, int64(0), first[0].Epoch)

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, now.Add(2*time.Second)))
	second := c.Flush(now.Add(3 * time.Second))
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), second[0].Epoch)
	assert.NotEqual(t, first[0].IntentID(), second[0].IntentID())
}

func TestCoalescerSeparateBucketsPerWindow(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, *now))
	c.Ingest(tradeEvent("m1", "YES", "w2", domain.SideBuy, 2_000_000, *now))
	c.Ingest(tradeEvent("m2", "NO", "w1", domain.SideBuy, 3_000_000, *now))

	intents := c.Flush(now.Add(time.Second))
	assert.Len(t, intents, 3)
}

func TestCoalescerNettingDisabledSplitsSides(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: false})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 5_000_000, *now))
	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideSell, 2_000_000, *now))

	intents := c.Flush(now.Add(time.Second))
	require.Len(t, intents, 2)

	bySide := map[domain.Side]int64{}
	for _, intent := range intents {
		bySide[intent.Side()] = intent.NetNotionalMicros
	}
	assert.Equal(t, int64(5_000_000), bySide[domain.SideBuy])
	assert.Equal(t, int64(-2_000_000), bySide[domain.SideSell])
}

func TestCoalescerDirectionMajority(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	open := tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, *now)
	closing := tradeEvent("m1", "YES", "w1", domain.SideBuy, 4_000_000, *now)
	closing.Direction = domain.DirectionClose
	c.Ingest(open)
	c.Ingest(closing)

	intents := c.Flush(now.Add(time.Second))
	require.Len(t, intents, 1)
	assert.Equal(t, domain.DirectionClose, intents[0].Direction)
}

func TestCoalescerLateEventOpensNewBucket(t *testing.T) {
	c, now := newTestCoalescer(t, Config{Window: 300 * time.Millisecond, NetOpposite: true})

	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideBuy, 1_000_000, *now))
	require.Len(t, c.Flush(now.Add(time.Second)), 1)

	// Same key again after flush: a fresh bucket with a fresh deadline.
	*now = now.Add(2 * time.Second)
	c.Ingest(tradeEvent("m1", "YES", "w1", domain.SideSell, 1_000_000, *now))
	assert.Empty(t, c.Flush(now.Add(100*time.Millisecond)))

	intents := c.Flush(now.Add(time.Second))
	require.Len(t, intents, 1)
	assert.Equal(t, int64(-1_000_000), intents[0].NetNotionalMicros)
}
