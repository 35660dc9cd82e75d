package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
)

func newTestLedger(marketCap, windowCap int64) (*Ledger, *time.Time) {
	l := NewLedger(LedgerConfig{
		MarketCapMicros: marketCap,
		WindowCapMicros: windowCap,
		RollingWindow:   15 * time.Minute,
	})
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLedgerReserveFullGrant(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, granted, limited := l.Reserve("m1", 25_000_000)
	require.NotNil(t, res)
	assert.Equal(t, int64(25_000_000), granted)
	assert.Equal(t, LimitNone, limited)
	assert.Equal(t, int64(25_000_000), res.Remaining())

	// Reserved counts against headroom before any commit.
	assert.Equal(t, int64(25_000_000), l.WindowTotal())
	assert.Equal(t, int64(0), l.MarketCommitted("m1"))
}

func TestLedgerReserveClampedByMarketCap(t *testing.T) {
	l, _ := newTestLedger(30_000_000, 400_000_000)

	res, granted, limited := l.Reserve("m1", 50_000_000)
	require.NotNil(t, res)
	assert.Equal(t, int64(30_000_000), granted)
	assert.Equal(t, LimitMarket, limited)
	res.Release()
}

func TestLedgerReserveClampedByWindowCap(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 40_000_000)

	res1, granted, _ := l.Reserve("m1", 25_000_000)
	require.Equal(t, int64(25_000_000), granted)
	require.NoError(t, res1.Commit(25_000_000))

	// Different market, so only the shared window cap can bind.
	res2, granted, limited := l.Reserve("m2", 25_000_000)
	require.NotNil(t, res2)
	assert.Equal(t, int64(15_000_000), granted)
	assert.Equal(t, LimitWindow, limited)
}

func TestLedgerReserveZeroHeadroom(t *testing.T) {
	l, _ := newTestLedger(20_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 20_000_000)
	require.NotNil(t, res)

	denied, granted, limited := l.Reserve("m1", 1)
	assert.Nil(t, denied)
	assert.Equal(t, int64(0), granted)
	assert.Equal(t, LimitMarket, limited)

	// Releasing restores headroom.
	res.Release()
	again, granted, limited := l.Reserve("m1", 20_000_000)
	require.NotNil(t, again)
	assert.Equal(t, int64(20_000_000), granted)
	assert.Equal(t, LimitNone, limited)
}

func TestLedgerCommitMovesReservedToCommitted(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 10_000_000)
	require.NoError(t, res.Commit(4_000_000))
	assert.Equal(t, int64(4_000_000), l.MarketCommitted("m1"))
	assert.Equal(t, int64(6_000_000), res.Remaining())

	// Partial fills commit incrementally; the remainder releases.
	require.NoError(t, res.Commit(2_000_000))
	res.Release()
	assert.Equal(t, int64(6_000_000), l.MarketCommitted("m1"))
	assert.Equal(t, int64(6_000_000), l.WindowTotal())
}

func TestLedgerCommitAfterReleaseFails(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 10_000_000)
	res.Release()
	res.Release() // idempotent

	err := res.Commit(1_000_000)
	assert.ErrorIs(t, err, domain.ErrReservationSpent)
	assert.Equal(t, int64(0), l.WindowTotal())
}

func TestLedgerCommitBeyondReservedIsInconsistent(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 10_000_000)
	err := res.Commit(10_000_001)
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
	// The failed commit must not consume any of the reservation.
	assert.Equal(t, int64(10_000_000), res.Remaining())
}

func TestLedgerConcurrentReservesNeverExceedCap(t *testing.T) {
	l, _ := newTestLedger(50_000_000, 50_000_000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int64
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, got, _ := l.Reserve("m1", 10_000_000)
			if res == nil {
				return
			}
			assert.NoError(t, res.Commit(got))
			mu.Lock()
			granted += got
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50_000_000), granted)
	assert.Equal(t, int64(50_000_000), l.MarketCommitted("m1"))
	assert.Equal(t, int64(50_000_000), l.WindowTotal())
}

func TestLedgerWindowExpiry(t *testing.T) {
	l, now := newTestLedger(1_000_000_000, 40_000_000)

	res, _, _ := l.Reserve("m1", 40_000_000)
	require.NoError(t, res.Commit(40_000_000))

	denied, _, limited := l.Reserve("m2", 1_000_000)
	assert.Nil(t, denied)
	assert.Equal(t, LimitWindow, limited)

	// After the rolling window passes, the old commits stop counting.
	*now = now.Add(16 * time.Minute)
	res2, granted, limited := l.Reserve("m2", 1_000_000)
	require.NotNil(t, res2)
	assert.Equal(t, int64(1_000_000), granted)
	assert.Equal(t, LimitNone, limited)

	// Per-market committed exposure does not decay with the window.
	assert.Equal(t, int64(40_000_000), l.MarketCommitted("m1"))
}

func TestLedgerSnapshotRestoreRoundTrip(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 10_000_000)
	require.NoError(t, res.Commit(10_000_000))
	res2, _, _ := l.Reserve("m2", 5_000_000)
	require.NoError(t, res2.Commit(5_000_000))
	// A live reservation must not leak into the snapshot.
	pending, _, _ := l.Reserve("m3", 7_000_000)
	require.NotNil(t, pending)

	snap := l.Snapshot()
	assert.Equal(t, int64(10_000_000), snap.MarketCommitted["m1"])
	assert.Equal(t, int64(5_000_000), snap.MarketCommitted["m2"])
	assert.NotContains(t, snap.MarketCommitted, "m3")

	restored, _ := newTestLedger(100_000_000, 400_000_000)
	restored.now = l.now
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, int64(10_000_000), restored.MarketCommitted("m1"))
	assert.Equal(t, int64(5_000_000), restored.MarketCommitted("m2"))
	assert.Equal(t, int64(15_000_000), restored.WindowTotal())
}

func TestLedgerRestoreRejectsBadBucketKey(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)
	err := l.Restore(domain.ExposureSnapshot{
		WindowCommitted: map[string]int64{"not-a-minute": 1},
	})
	assert.Error(t, err)
}

func TestLedgerVerifyDetectsDrift(t *testing.T) {
	l, _ := newTestLedger(100_000_000, 400_000_000)

	res, _, _ := l.Reserve("m1", 10_000_000)
	require.NoError(t, res.Commit(10_000_000))

	require.NoError(t, l.Verify(map[string]int64{"m1": 10_000_000}))

	err := l.Verify(map[string]int64{"m1": 9_000_000})
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
}
