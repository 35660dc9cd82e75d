package polymarket

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userMsg(t *testing.T, raw string) UserOrderMessage {
	t.Helper()
	var msg UserOrderMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestHandleUserMessageCumulativeFills(t *testing.T) {
	tr := NewLiveTransport(nil, nil, nil, testLogger())

	// Two matches on one order. The channel reports the running matched
	// total, so the second update must carry the full total, not the
	// 6-share increment.
	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "trade", "type": "MATCHED",
		"client_order_id": "mb-abc", "id": "venue-1",
		"size_matched": "4", "original_size": "10", "price": "0.5"
	}`))
	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "trade", "type": "MATCHED",
		"client_order_id": "mb-abc", "id": "venue-1",
		"size_matched": "10", "original_size": "10", "price": "0.5"
	}`))

	first := <-tr.Updates()
	assert.Equal(t, domain.UpdatePartialFill, first.Kind)
	assert.Equal(t, int64(2_000_000), first.FilledMicros)

	second := <-tr.Updates()
	assert.Equal(t, domain.UpdateFilled, second.Kind)
	assert.Equal(t, int64(5_000_000), second.FilledMicros)
}

func TestHandleUserMessageOrderEvents(t *testing.T) {
	tr := NewLiveTransport(nil, nil, nil, testLogger())

	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "order", "type": "PLACEMENT",
		"client_order_id": "mb-abc", "id": "venue-1",
		"timestamp": "1700000000"
	}`))
	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "order", "type": "CANCELLATION",
		"client_order_id": "mb-abc", "id": "venue-1"
	}`))

	ack := <-tr.Updates()
	assert.Equal(t, domain.UpdateAcknowledged, ack.Kind)
	assert.Equal(t, "mb-abc", ack.IdempotencyKey)
	assert.Equal(t, 2023, ack.At.Year())

	rej := <-tr.Updates()
	assert.Equal(t, domain.UpdateRejected, rej.Kind)
}

func TestHandleUserMessageIgnoresForeignAndZeroRows(t *testing.T) {
	tr := NewLiveTransport(nil, nil, nil, testLogger())

	// No client order id, and a zero-size match: neither emits.
	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "trade", "type": "MATCHED",
		"size_matched": "4", "original_size": "10", "price": "0.5"
	}`))
	tr.HandleUserMessage(userMsg(t, `{
		"event_type": "trade", "type": "MATCHED",
		"client_order_id": "mb-abc",
		"size_matched": "0", "original_size": "10", "price": "0.5"
	}`))

	select {
	case u := <-tr.Updates():
		t.Fatalf("unexpected update: %s", u.Kind)
	default:
	}
}
