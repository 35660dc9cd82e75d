package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// DryRunTransport simulates the venue without placing real orders. Every
// submission is acknowledged and then fully filled after a short simulated
// latency, so the whole pipeline downstream of admission can be exercised in
// shadow mode.
type DryRunTransport struct {
	logger  *slog.Logger
	latency time.Duration

	mu        sync.Mutex
	cancelled map[string]bool

	updates chan domain.OrderUpdate
}

// NewDryRunTransport creates a dry-run transport with the given simulated
// submit-to-fill latency.
func NewDryRunTransport(latency time.Duration, logger *slog.Logger) *DryRunTransport {
	if latency <= 0 {
		latency = 50 * time.Millisecond
	}
	return &DryRunTransport{
		logger:    logger.With(slog.String("component", "dry_run_transport")),
		latency:   latency,
		cancelled: make(map[string]bool),
		updates:   make(chan domain.OrderUpdate, 64),
	}
}

// SubmitOrder logs the order and schedules a simulated ack and fill. The
// context covers only the submission itself: once accepted, the fill runs on
// the venue's clock and is stopped by CancelOrder alone, the way a real venue
// keeps working an order after the submitting request returns.
func (t *DryRunTransport) SubmitOrder(_ context.Context, req SubmitRequest) error {
	t.logger.Info("dry run order",
		slog.String("client_order_id", req.IdempotencyKey),
		slog.String("market", req.MarketID),
		slog.String("outcome", req.Outcome),
		slog.String("side", string(req.Side)),
		slog.Int64("notional_micros", req.NotionalMicros),
		slog.String("correlation_id", req.CorrelationID),
	)

	go func() {
		t.emit(domain.OrderUpdate{
			IdempotencyKey: req.IdempotencyKey,
			Kind:           domain.UpdateAcknowledged,
			At:             time.Now().UTC(),
		})

		time.Sleep(t.latency)

		t.mu.Lock()
		wasCancelled := t.cancelled[req.IdempotencyKey]
		t.mu.Unlock()
		if wasCancelled {
			return
		}

		t.emit(domain.OrderUpdate{
			IdempotencyKey: req.IdempotencyKey,
			Kind:           domain.UpdateFilled,
			FilledMicros:   req.NotionalMicros,
			At:             time.Now().UTC(),
		})
	}()

	return nil
}

// CancelOrder marks the order cancelled so no further simulated fills arrive.
func (t *DryRunTransport) CancelOrder(_ context.Context, idempotencyKey string) error {
	t.mu.Lock()
	t.cancelled[idempotencyKey] = true
	t.mu.Unlock()
	t.logger.Info("dry run cancel", slog.String("client_order_id", idempotencyKey))
	return nil
}

// Updates returns the simulated lifecycle update stream.
func (t *DryRunTransport) Updates() <-chan domain.OrderUpdate {
	return t.updates
}

func (t *DryRunTransport) emit(u domain.OrderUpdate) {
	select {
	case t.updates <- u:
	default:
		t.logger.Warn("dry run update dropped", slog.String("client_order_id", u.IdempotencyKey))
	}
}

var _ Transport = (*DryRunTransport)(nil)
