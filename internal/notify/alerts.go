package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/risk"
	"github.com/polymirror/mirrorbot/internal/telemetry"
)

// Event types the alerter emits through the notifier's filter.
const (
	EventKillSwitch  = "kill_switch"
	EventOrderFailed = "order_failed"
	EventLedgerFault = "ledger_fault"
)

// Alerter watches the kill switch and the lifecycle stream and pushes
// operator notifications. It is read-only over the pipeline: a notification
// failure never affects trading.
type Alerter struct {
	notifier *Notifier
	ks       *risk.KillSwitch
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewAlerter creates an Alerter. bus may be nil, in which case only kill
// switch polling is active.
func NewAlerter(notifier *Notifier, ks *risk.KillSwitch, bus domain.SignalBus, logger *slog.Logger) *Alerter {
	return &Alerter{
		notifier: notifier,
		ks:       ks,
		bus:      bus,
		logger:   logger.With(slog.String("component", "alerter")),
	}
}

// Run watches for alert conditions until the context ends.
func (a *Alerter) Run(ctx context.Context) error {
	var lifecycle <-chan []byte
	if a.bus != nil {
		ch, err := a.bus.Subscribe(ctx, telemetry.ChannelLifecycle)
		if err != nil {
			a.logger.Warn("lifecycle subscribe failed, order alerts disabled",
				slog.String("error", err.Error()))
		} else {
			lifecycle = ch
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	wasTripped := a.ks.Tripped()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			tripped := a.ks.Tripped()
			if tripped != wasTripped {
				wasTripped = tripped
				a.notifyKillSwitch(ctx, tripped)
			}

		case data, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			a.handleLifecycle(ctx, data)
		}
	}
}

func (a *Alerter) notifyKillSwitch(ctx context.Context, tripped bool) {
	if tripped {
		_, reason, at := a.ks.Status()
		msg := fmt.Sprintf("Mirroring halted at %s.\nReason: %s", at.Format(time.RFC3339), reason)
		if err := a.notifier.Notify(ctx, EventKillSwitch, "Kill switch TRIPPED", msg); err != nil {
			a.logger.Warn("kill switch alert failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := a.notifier.Notify(ctx, EventKillSwitch, "Kill switch reset", "Mirroring re-armed by operator."); err != nil {
		a.logger.Warn("kill switch alert failed", slog.String("error", err.Error()))
	}
}

// lifecycleEnvelope is the wire shape the auditor publishes.
type lifecycleEnvelope struct {
	Event  string `json:"event"`
	Detail struct {
		IdempotencyKey string `json:"idempotency_key"`
		To             string `json:"to"`
		Attempts       int    `json:"attempts"`
		Detail         string `json:"detail"`
	} `json:"detail"`
}

func (a *Alerter) handleLifecycle(ctx context.Context, data []byte) {
	var env lifecycleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Detail.To != string(domain.OrderStateFailed) {
		return
	}

	msg := fmt.Sprintf("Order %s failed after %d attempt(s): %s",
		env.Detail.IdempotencyKey, env.Detail.Attempts, env.Detail.Detail)
	if err := a.notifier.Notify(ctx, EventOrderFailed, "Mirror order failed", msg); err != nil {
		a.logger.Warn("order failure alert failed", slog.String("error", err.Error()))
	}
}

// NotifyLedgerFault pushes an immediate alert for an exposure accounting
// fault. Called from the ledger fault hook alongside the kill switch trip.
func (a *Alerter) NotifyLedgerFault(ctx context.Context, err error) {
	msg := "Exposure ledger reported an accounting fault; mirroring halted.\n" + err.Error()
	if nerr := a.notifier.Notify(ctx, EventLedgerFault, "Ledger fault", msg); nerr != nil {
		a.logger.Warn("ledger fault alert failed", slog.String("error", nerr.Error()))
	}
}
