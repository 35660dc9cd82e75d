package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineFixture struct {
	engine *Engine
	ks     *KillSwitch
	ledger *Ledger
	now    time.Time
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	logger := discardLogger()
	f := &engineFixture{
		ks: NewKillSwitch(logger),
		ledger: NewLedger(LedgerConfig{
			MarketCapMicros: 150_000_000,
			WindowCapMicros: 400_000_000,
			RollingWindow:   15 * time.Minute,
		}),
		now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
	f.ledger.now = func() time.Time { return f.now }
	f.engine = NewEngine(cfg, f.ks, f.ledger, logger)
	f.engine.now = f.ledger.now
	return f
}

func intentFor(marketID string, netMicros int64, windowEnd time.Time) domain.ExecutionIntent {
	return domain.ExecutionIntent{
		Bucket:            domain.BucketKey{MarketID: marketID, Outcome: "YES", WindowID: "w1"},
		NetNotionalMicros: netMicros,
		Direction:         domain.DirectionOpen,
		WindowEndAt:       windowEnd,
		CreatedAt:         time.Now(),
	}
}

func TestEngineApprovesWithinCaps(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:       domain.SizingProportional,
		SizeMultiplier:   1.0,
		MinOrderMicros:   1_000_000,
		NearExpiryCutoff: 25 * time.Second,
	})

	adm := f.engine.Evaluate(intentFor("m1", 10_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, adm.Reservation)
	assert.True(t, adm.Decision.Approved())
	assert.Equal(t, int64(10_000_000), adm.Decision.SizedNotionalMicros)
	assert.False(t, adm.Decision.Resized)
	assert.Equal(t, int64(10_000_000), adm.Reservation.Remaining())
}

func TestEngineKillSwitchBlocksFirst(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingProportional,
		SizeMultiplier: 1.0,
	})
	f.ks.Trip("operator")

	// Even an otherwise-rejectable intent reports the kill switch, since that
	// check runs before all others.
	adm := f.engine.Evaluate(intentFor("m1", 100, f.now.Add(time.Second)))
	assert.Nil(t, adm.Reservation)
	assert.Equal(t, domain.VerdictBlocked, adm.Decision.Verdict)
	assert.Equal(t, domain.ReasonKillSwitchActive, adm.Decision.Reason)
	assert.Equal(t, int64(0), f.ledger.WindowTotal())
}

func TestEngineNearExpiryBlocksOpenOnly(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:       domain.SizingProportional,
		SizeMultiplier:   1.0,
		MinOrderMicros:   1_000_000,
		NearExpiryCutoff: 25 * time.Second,
	})

	open := intentFor("m1", 10_000_000, f.now.Add(10*time.Second))
	adm := f.engine.Evaluate(open)
	assert.Nil(t, adm.Reservation)
	assert.Equal(t, domain.ReasonNearExpiryCutoff, adm.Decision.Reason)

	// A closing intent in the same window is admitted.
	closing := open
	closing.Direction = domain.DirectionClose
	adm = f.engine.Evaluate(closing)
	require.NotNil(t, adm.Reservation)
	assert.True(t, adm.Decision.Approved())
}

func TestEngineSizingFixed(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingFixed,
		FixedMicros:    5_000_000,
		MinOrderMicros: 1_000_000,
	})

	adm := f.engine.Evaluate(intentFor("m1", 42_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, adm.Reservation)
	assert.Equal(t, int64(5_000_000), adm.Decision.SizedNotionalMicros)
	assert.Equal(t, int64(42_000_000), adm.Decision.RawNotionalMicros)
	assert.True(t, adm.Decision.Resized)
}

func TestEngineSizingCappedProportional(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingCappedProportional,
		SizeMultiplier: 0.5,
		MinOrderMicros: 1_000_000,
		MaxOrderMicros: 10_000_000,
	})

	// 60 * 0.5 = 30, clamped to the 10 per-order cap.
	adm := f.engine.Evaluate(intentFor("m1", 60_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, adm.Reservation)
	assert.Equal(t, int64(10_000_000), adm.Decision.SizedNotionalMicros)
	assert.True(t, adm.Decision.Resized)

	// 4 * 0.5 = 2, under the cap, so it passes through scaled.
	adm = f.engine.Evaluate(intentFor("m2", 4_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, adm.Reservation)
	assert.Equal(t, int64(2_000_000), adm.Decision.SizedNotionalMicros)
}

func TestEngineBelowMinNotional(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingProportional,
		SizeMultiplier: 0.1,
		MinOrderMicros: 1_000_000,
	})

	adm := f.engine.Evaluate(intentFor("m1", 5_000_000, f.now.Add(time.Hour)))
	assert.Nil(t, adm.Reservation)
	assert.Equal(t, domain.ReasonBelowMinNotional, adm.Decision.Reason)
	assert.Equal(t, int64(500_000), adm.Decision.SizedNotionalMicros)
}

func TestEngineMarketCapClampsGrant(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingProportional,
		SizeMultiplier: 1.0,
		MinOrderMicros: 1_000_000,
	})

	// Fill most of the 150 market cap, leaving 10 of headroom.
	first := f.engine.Evaluate(intentFor("m1", 140_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, first.Reservation)
	require.NoError(t, first.Reservation.Commit(140_000_000))

	adm := f.engine.Evaluate(intentFor("m1", 25_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, adm.Reservation)
	assert.Equal(t, int64(10_000_000), adm.Decision.SizedNotionalMicros)
	assert.True(t, adm.Decision.Resized)
}

func TestEnginePartialGrantBelowFloorBlocks(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingProportional,
		SizeMultiplier: 1.0,
		MinOrderMicros: 5_000_000,
	})

	first := f.engine.Evaluate(intentFor("m1", 148_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, first.Reservation)

	// Only 2 of headroom left, under the 5 floor: block and give it back.
	adm := f.engine.Evaluate(intentFor("m1", 25_000_000, f.now.Add(time.Hour)))
	assert.Nil(t, adm.Reservation)
	assert.Equal(t, domain.ReasonMarketCapExceeded, adm.Decision.Reason)
	assert.Equal(t, int64(2_000_000), adm.Decision.SizedNotionalMicros)

	// The released headroom is still available.
	first.Reservation.Release()
	again := f.engine.Evaluate(intentFor("m1", 25_000_000, f.now.Add(time.Hour)))
	require.NotNil(t, again.Reservation)
	assert.Equal(t, int64(25_000_000), again.Decision.SizedNotionalMicros)
}

func TestEngineWindowCapReason(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{
		SizingMode:     domain.SizingProportional,
		SizeMultiplier: 1.0,
		MinOrderMicros: 1_000_000,
	})

	// Exhaust the 400 window cap across markets that stay under their own cap.
	for _, m := range []string{"m1", "m2", "m3"} {
		adm := f.engine.Evaluate(intentFor(m, 140_000_000, f.now.Add(time.Hour)))
		require.NotNil(t, adm.Reservation, m)
		require.NoError(t, adm.Reservation.Commit(adm.Decision.SizedNotionalMicros))
	}

	adm := f.engine.Evaluate(intentFor("m4", 20_000_000, f.now.Add(time.Hour)))
	assert.Nil(t, adm.Reservation)
	assert.Equal(t, domain.ReasonWindowCapExceeded, adm.Decision.Reason)
}

func TestAutoGuardMinSamplesGate(t *testing.T) {
	ks := NewKillSwitch(discardLogger())
	guard := NewAutoGuard(ks, GuardThresholds{MaxRejectRate: 0.2, MaxP95LatencyMs: 1200, MinSamples: 10})

	guard.Evaluate(1.0, 9999, 9)
	assert.False(t, ks.Tripped())

	guard.Evaluate(0.5, 100, 10)
	assert.True(t, ks.Tripped())
	_, reason, _ := ks.Status()
	assert.Equal(t, "auto_reject_rate_threshold", reason)
}

func TestAutoGuardLatencyTrip(t *testing.T) {
	ks := NewKillSwitch(discardLogger())
	guard := NewAutoGuard(ks, GuardThresholds{MaxRejectRate: 0.2, MaxP95LatencyMs: 1200, MinSamples: 1})

	guard.Evaluate(0.0, 1500, 5)
	assert.True(t, ks.Tripped())
	_, reason, _ := ks.Status()
	assert.Equal(t, "auto_latency_threshold", reason)
}

func TestKillSwitchResetIsExplicit(t *testing.T) {
	ks := NewKillSwitch(discardLogger())
	assert.False(t, ks.Tripped())

	ks.Trip("first")
	ks.Trip("second")
	state, reason, trippedAt := ks.Status()
	assert.Equal(t, SwitchTripped, state)
	assert.Equal(t, "first", reason)
	assert.False(t, trippedAt.IsZero())

	ks.Reset()
	assert.False(t, ks.Tripped())
	state, reason, _ = ks.Status()
	assert.Equal(t, SwitchArmed, state)
	assert.Empty(t, reason)
}
