package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// Pub/Sub channels and durable streams the auditor publishes to.
const (
	ChannelLifecycle = "mirror:lifecycle"
	ChannelDecisions = "mirror:decisions"
	StreamAudit      = "mirror:audit"
)

// Auditor turns admission decisions and order lifecycle transitions into
// append-only audit rows, durable stream entries, and ephemeral operator
// signals. Audit writes are best-effort: a failed write is logged, never
// allowed to stall the pipeline.
type Auditor struct {
	store   domain.AuditStore
	bus     domain.SignalBus
	metrics *Collector
	logger  *slog.Logger
}

// NewAuditor creates an Auditor. bus may be nil when Redis is not configured.
func NewAuditor(store domain.AuditStore, bus domain.SignalBus, metrics *Collector, logger *slog.Logger) *Auditor {
	return &Auditor{
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "auditor")),
	}
}

// RecordDecision audits one admission verdict for an intent.
func (a *Auditor) RecordDecision(ctx context.Context, intent domain.ExecutionIntent, decision domain.RiskDecision) {
	a.metrics.Decision(decision)
	a.metrics.ObserveLatency(StageAdmission, decision.EvaluatedAt.Sub(intent.CreatedAt))

	detail := map[string]any{
		"intent_id":      intent.IntentID(),
		"correlation_id": intent.CorrelationID,
		"market_id":      intent.Bucket.MarketID,
		"outcome":        intent.Bucket.Outcome,
		"window_id":      intent.Bucket.WindowID,
		"epoch":          intent.Epoch,
		"verdict":        string(decision.Verdict),
		"reason":         string(decision.Reason),
		"raw_micros":     decision.RawNotionalMicros,
		"sized_micros":   decision.SizedNotionalMicros,
		"resized":        decision.Resized,
		"event_count":    intent.EventCount,
	}

	a.write(ctx, "risk.decision", detail, ChannelDecisions)
}

// ConsumeLifecycle drains the manager's lifecycle event channel until it
// closes, auditing every transition. Run it in its own goroutine.
func (a *Auditor) ConsumeLifecycle(ctx context.Context, events <-chan domain.LifecycleEvent) error {
	a.logger.Info("lifecycle consumer started")
	defer a.logger.Info("lifecycle consumer stopped")

	// Submit timestamps by key, to time submit-to-ack.
	submittedAt := make(map[string]time.Time)

	for ev := range events {
		switch {
		case ev.To == domain.OrderStateSubmitted:
			submittedAt[ev.IdempotencyKey] = ev.At
		case ev.To == domain.OrderStateAcknowledged:
			if at, ok := submittedAt[ev.IdempotencyKey]; ok {
				a.metrics.ObserveLatency(StageSubmitToAck, ev.At.Sub(at))
			}
		case ev.To.Terminal():
			a.metrics.OrderTerminal(ev.To)
			delete(submittedAt, ev.IdempotencyKey)
		}

		detail := map[string]any{
			"idempotency_key": ev.IdempotencyKey,
			"correlation_id":  ev.CorrelationID,
			"from":            string(ev.From),
			"to":              string(ev.To),
			"attempts":        ev.Attempts,
			"filled_micros":   ev.FilledMicros,
			"detail":          ev.Detail,
			"at":              ev.At.Format(time.RFC3339Nano),
		}

		a.write(ctx, "order.transition", detail, ChannelLifecycle)
	}
	return nil
}

// write persists one audit row and fans it out to the bus.
func (a *Auditor) write(ctx context.Context, event string, detail map[string]any, channel string) {
	// Detach from pipeline cancellation so shutdown does not drop the final
	// audit rows.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := a.store.Log(writeCtx, event, detail); err != nil {
		a.logger.Error("audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}

	if a.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{"event": event, "detail": detail})
	if err != nil {
		a.logger.Error("audit payload marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := a.bus.Publish(writeCtx, channel, payload); err != nil {
		a.logger.Warn("audit publish failed", slog.String("error", err.Error()))
	}
	if err := a.bus.StreamAppend(writeCtx, StreamAudit, payload); err != nil {
		a.logger.Warn("audit stream append failed", slog.String("error", err.Error()))
	}
}
