// Package risk implements the admission engine, the exposure ledger, and the
// process-wide kill switch.
package risk

import (
	"log/slog"
	"sync"
	"time"
)

// SwitchState is the kill switch lifecycle state.
type SwitchState string

const (
	SwitchArmed   SwitchState = "armed"
	SwitchTripped SwitchState = "tripped"
)

// KillSwitch is a process-wide gate over new admission. It is an explicit
// injected object, never ambient state, so tests can construct independent
// instances. Automatic transitions only ever trip; reset always requires an
// explicit operator action.
type KillSwitch struct {
	mu        sync.Mutex
	state     SwitchState
	reason    string
	trippedAt time.Time
	trips     int64
	logger    *slog.Logger
}

// NewKillSwitch returns a kill switch in the armed state.
func NewKillSwitch(logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		state:  SwitchArmed,
		logger: logger.With(slog.String("component", "kill_switch")),
	}
}

// Trip moves the switch to tripped. Tripping an already-tripped switch keeps
// the original reason and timestamp.
func (k *KillSwitch) Trip(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == SwitchTripped {
		return
	}
	k.state = SwitchTripped
	k.reason = reason
	k.trippedAt = time.Now().UTC()
	k.trips++
	k.logger.Error("kill switch tripped", slog.String("reason", reason))
}

// Reset re-arms the switch. Only an explicit call does this; there is no
// automatic reset path, so a flapping threshold can never re-enable trading
// on its own.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == SwitchArmed {
		return
	}
	k.state = SwitchArmed
	k.reason = ""
	k.logger.Warn("kill switch reset by operator")
}

// Tripped reports whether new admission is blocked.
func (k *KillSwitch) Tripped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state == SwitchTripped
}

// Status returns the current state, trip reason, and trip time.
func (k *KillSwitch) Status() (SwitchState, string, time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state, k.reason, k.trippedAt
}

// GuardThresholds holds the automatic trip bounds measured over the
// telemetry collector's trailing window.
type GuardThresholds struct {
	MaxRejectRate   float64
	MaxP95LatencyMs float64
	MinSamples      int
}

// AutoGuard trips the kill switch when the rolling reject rate or p95
// submit-to-ack latency crosses its configured bound. It never resets.
type AutoGuard struct {
	ks         *KillSwitch
	thresholds GuardThresholds
}

// NewAutoGuard creates an AutoGuard over the given switch.
func NewAutoGuard(ks *KillSwitch, thresholds GuardThresholds) *AutoGuard {
	return &AutoGuard{ks: ks, thresholds: thresholds}
}

// Evaluate checks the observed rates against the thresholds and trips the
// switch on a breach. samples below MinSamples are ignored so a single early
// reject cannot halt the pipeline.
func (g *AutoGuard) Evaluate(rejectRate float64, p95LatencyMs float64, samples int) {
	if samples < g.thresholds.MinSamples {
		return
	}
	if rejectRate > g.thresholds.MaxRejectRate {
		g.ks.Trip("auto_reject_rate_threshold")
	}
	if p95LatencyMs > g.thresholds.MaxP95LatencyMs {
		g.ks.Trip("auto_latency_threshold")
	}
}
