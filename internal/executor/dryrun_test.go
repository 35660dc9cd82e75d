package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/risk"
)

func TestDryRunFillSurvivesSubmitContext(t *testing.T) {
	tr := NewDryRunTransport(10*time.Millisecond, testLogger())

	// The manager's per-attempt context ends as soon as SubmitOrder returns;
	// the simulated fill must arrive anyway.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.SubmitOrder(ctx, SubmitRequest{
		IdempotencyKey: "mb-aaa",
		NotionalMicros: 5_000_000,
	}))
	cancel()

	ack := <-tr.Updates()
	assert.Equal(t, domain.UpdateAcknowledged, ack.Kind)

	select {
	case u := <-tr.Updates():
		assert.Equal(t, domain.UpdateFilled, u.Kind)
		assert.Equal(t, int64(5_000_000), u.FilledMicros)
	case <-time.After(time.Second):
		t.Fatal("no fill after submit context ended")
	}
}

func TestDryRunCancelSuppressesFill(t *testing.T) {
	tr := NewDryRunTransport(50*time.Millisecond, testLogger())

	require.NoError(t, tr.SubmitOrder(context.Background(), SubmitRequest{
		IdempotencyKey: "mb-bbb",
		NotionalMicros: 5_000_000,
	}))
	ack := <-tr.Updates()
	assert.Equal(t, domain.UpdateAcknowledged, ack.Kind)

	require.NoError(t, tr.CancelOrder(context.Background(), "mb-bbb"))

	select {
	case u := <-tr.Updates():
		t.Fatalf("unexpected update after cancel: %s", u.Kind)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDryRunOrderReachesFilledThroughManager(t *testing.T) {
	store := newMemOrderStore()
	ledger := risk.NewLedger(risk.LedgerConfig{
		MarketCapMicros: 1_000_000_000,
		WindowCapMicros: 1_000_000_000,
		RollingWindow:   15 * time.Minute,
	})
	transport := NewDryRunTransport(10*time.Millisecond, testLogger())
	m := NewManager(Config{SubmitTimeout: 250 * time.Millisecond}, transport, store, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res, granted, _ := ledger.Reserve("m1", 10_000_000)
	require.Equal(t, int64(10_000_000), granted)
	require.NoError(t, m.Execute(ctx, intent, res, 10_000_000))

	// The full lifecycle settles on its own: ack, simulated fill, commit.
	waitForState(t, store, key, domain.OrderStateFilled)
	assert.Equal(t, int64(10_000_000), ledger.MarketCommitted("m1"))
	assert.Equal(t, int64(10_000_000), ledger.WindowTotal())
	assert.Empty(t, m.InFlight())
}
