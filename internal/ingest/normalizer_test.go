package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/platform/polymarket"
)

const testWallet = "0xabc0000000000000000000000000000000000001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memDedupeStore mimics the postgres dedupe store: MarkSeen returns true
// exactly once per key.
type memDedupeStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDedupeStore() *memDedupeStore {
	return &memDedupeStore{seen: make(map[string]bool)}
}

func (s *memDedupeStore) MarkSeen(_ context.Context, ev domain.TradeEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.DedupeKey()
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *memDedupeStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[key], nil
}

func (s *memDedupeStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// flakyDedupeStore fails the first MarkSeen calls, like a dropped postgres
// connection, then behaves normally.
type flakyDedupeStore struct {
	*memDedupeStore
	failures int
}

func (s *flakyDedupeStore) MarkSeen(ctx context.Context, ev domain.TradeEvent) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset by peer")
	}
	return s.memDedupeStore.MarkSeen(ctx, ev)
}

// activityRow builds an ActivityTrade the way the data API delivers it. Going
// through JSON exercises the tolerant field decoding as well.
func activityRow(t *testing.T, overrides map[string]any) polymarket.ActivityTrade {
	t.Helper()
	row := map[string]any{
		"id":              "evt-1",
		"transactionHash": "0xdeadbeef",
		"proxyWallet":     testWallet,
		"conditionId":     "m1",
		"slug":            "btc-updown-15m",
		"outcome":         "Up",
		"side":            "BUY",
		"price":           "0.55",
		"size":            "20",
		"timestamp":       fmt.Sprintf("%d", time.Now().Unix()),
		"type":            "TRADE",
	}
	for k, v := range overrides {
		row[k] = v
	}
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	var trade polymarket.ActivityTrade
	require.NoError(t, json.Unmarshal(raw, &trade))
	return trade
}

func drainOne(t *testing.T, out <-chan domain.TradeEvent) domain.TradeEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	default:
		t.Fatal("expected an emitted event")
		return domain.TradeEvent{}
	}
}

func TestNormalizerEmitsNormalizedEvent(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())

	require.NoError(t, n.Ingest(context.Background(), activityRow(t, nil)))

	ev := drainOne(t, n.Out())
	assert.Equal(t, "evt-1", ev.EventID)
	assert.Equal(t, testWallet, ev.SourceWallet)
	assert.Equal(t, "m1", ev.MarketID)
	assert.Equal(t, domain.SideBuy, ev.Side)
	assert.Equal(t, int64(550_000), ev.PriceMicros)
	assert.Equal(t, int64(20_000_000), ev.SharesMicros)
	assert.Equal(t, int64(11_000_000), ev.NotionalMicros)
	// Without Gamma metadata the slug stands in as the window id.
	assert.Equal(t, "btc-updown-15m", ev.Window.ID)
	assert.Equal(t, int64(1), n.Stats().Accepted)
}

func TestNormalizerExactlyOnce(t *testing.T) {
	dedupe := newMemDedupeStore()
	n := NewNormalizer(testWallet, dedupe, nil, time.Minute, testLogger())
	row := activityRow(t, nil)

	// Same row three times: once through the recency set, and once more
	// through a fresh normalizer that only has the durable store.
	require.NoError(t, n.Ingest(context.Background(), row))
	require.NoError(t, n.Ingest(context.Background(), row))
	assert.Equal(t, int64(1), n.Stats().Accepted)
	assert.Equal(t, int64(1), n.Stats().Duplicates)

	restarted := NewNormalizer(testWallet, dedupe, nil, time.Minute, testLogger())
	require.NoError(t, restarted.Ingest(context.Background(), row))
	assert.Equal(t, int64(0), restarted.Stats().Accepted)
	assert.Equal(t, int64(1), restarted.Stats().Duplicates)

	drainOne(t, n.Out())
	assert.Empty(t, n.Out())
	assert.Empty(t, restarted.Out())
}

func TestNormalizerRetriesAfterDedupeStoreError(t *testing.T) {
	dedupe := &flakyDedupeStore{memDedupeStore: newMemDedupeStore(), failures: 1}
	n := NewNormalizer(testWallet, dedupe, nil, time.Minute, testLogger())
	row := activityRow(t, nil)

	// The first attempt surfaces the store error so the poll loop retries
	// the same row; the retry must not read as a duplicate.
	require.Error(t, n.Ingest(context.Background(), row))
	require.NoError(t, n.Ingest(context.Background(), row))

	stats := n.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(0), stats.Duplicates)
	ev := drainOne(t, n.Out())
	assert.Equal(t, "evt-1", ev.EventID)

	// Exactly-once still holds once the event is durably marked.
	require.NoError(t, n.Ingest(context.Background(), row))
	assert.Equal(t, int64(1), n.Stats().Duplicates)
}

func TestNormalizerFiltersForeignWalletAndNonTrades(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())

	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"proxyWallet": "0x0000000000000000000000000000000000000bad",
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"type": "REDEEM",
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"price": "1.5",
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"conditionId": "",
	})))

	stats := n.Stats()
	assert.Equal(t, int64(0), stats.Accepted)
	assert.Equal(t, int64(4), stats.Discarded)
	assert.Empty(t, n.Out())
}

func TestNormalizerWalletComparisonIsCaseInsensitive(t *testing.T) {
	n := NewNormalizer("0xABC0000000000000000000000000000000000001", newMemDedupeStore(), nil, time.Minute, testLogger())

	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"proxyWallet": testWallet,
	})))
	assert.Equal(t, int64(1), n.Stats().Accepted)
}

func TestNormalizerFlagsOutOfOrder(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())
	base := time.Now().Unix()

	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-a", "timestamp": fmt.Sprintf("%d", base),
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-b", "timestamp": fmt.Sprintf("%d", base-30),
	})))

	first := drainOne(t, n.Out())
	second := drainOne(t, n.Out())
	assert.False(t, first.OutOfOrder)
	assert.True(t, second.OutOfOrder)
	assert.Equal(t, int64(1), n.Stats().OutOfOrder)
}

func TestNormalizerFlagsOutOfOrderBySequence(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())
	base := time.Now().Unix()

	// A later timestamp does not save a lower sequence number, and an older
	// timestamp does not condemn a higher one.
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-a", "sequence": "7", "timestamp": fmt.Sprintf("%d", base),
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-b", "sequence": "5", "timestamp": fmt.Sprintf("%d", base+10),
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-c", "sequence": "8", "timestamp": fmt.Sprintf("%d", base-100),
	})))

	first := drainOne(t, n.Out())
	second := drainOne(t, n.Out())
	third := drainOne(t, n.Out())
	assert.Equal(t, int64(7), first.Sequence)
	assert.False(t, first.OutOfOrder)
	assert.True(t, second.OutOfOrder)
	assert.False(t, third.OutOfOrder)
	assert.Equal(t, int64(1), n.Stats().OutOfOrder)
}

func TestNormalizerSequenceFeedsDedupeKey(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())

	// Rows without an event id but with a tx reference fall back to the
	// sequence-qualified key. The numeric sequence exercises the tolerant
	// decoding as well.
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "", "sequence": 12,
	})))

	ev := drainOne(t, n.Out())
	assert.Equal(t, int64(12), ev.Sequence)
	assert.Equal(t, "txseq:0xdeadbeef:12", ev.DedupeKey())
}

func TestNormalizerResolvesDirectionFromPosition(t *testing.T) {
	n := NewNormalizer(testWallet, newMemDedupeStore(), nil, time.Minute, testLogger())
	base := time.Now().Unix()

	// Build a long position, then sell part of it down.
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-open", "side": "BUY", "timestamp": fmt.Sprintf("%d", base),
	})))
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-close", "side": "SELL", "size": "5", "timestamp": fmt.Sprintf("%d", base+1),
	})))
	// Selling a different outcome is a fresh short, not a close.
	require.NoError(t, n.Ingest(context.Background(), activityRow(t, map[string]any{
		"id": "evt-short", "side": "SELL", "outcome": "Down", "timestamp": fmt.Sprintf("%d", base+2),
	})))

	open := drainOne(t, n.Out())
	closing := drainOne(t, n.Out())
	short := drainOne(t, n.Out())
	assert.Equal(t, domain.DirectionOpen, open.Direction)
	assert.Equal(t, domain.DirectionClose, closing.Direction)
	assert.Equal(t, domain.DirectionOpen, short.Direction)
}

func TestDedupeKeyFallbacks(t *testing.T) {
	at := time.Now().UTC()
	ev := domain.TradeEvent{EventID: "e1", TxHash: "0xaa", Sequence: 3, MarketID: "m1", ExecutedAt: at}
	assert.Equal(t, "id:e1", ev.DedupeKey())

	ev.EventID = ""
	assert.Equal(t, "txseq:0xaa:3", ev.DedupeKey())

	ev.Sequence = 0
	assert.Equal(t, "tx:0xaa:m1", ev.DedupeKey())

	ev.TxHash = ""
	assert.Equal(t, fmt.Sprintf("fallback:m1:%d", at.UnixMicro()), ev.DedupeKey())
}
