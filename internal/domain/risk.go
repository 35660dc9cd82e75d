package domain

import "time"

// Verdict is the outcome of risk evaluation for one intent.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictBlocked  Verdict = "blocked"
)

// BlockReason enumerates the definitive reasons an intent can be blocked.
// Every blocked intent carries exactly one of these.
type BlockReason string

const (
	ReasonNone              BlockReason = ""
	ReasonKillSwitchActive  BlockReason = "kill_switch_active"
	ReasonNearExpiryCutoff  BlockReason = "near_expiry_cutoff"
	ReasonBelowMinNotional  BlockReason = "below_min_notional"
	ReasonMarketCapExceeded BlockReason = "market_cap_exceeded"
	ReasonWindowCapExceeded BlockReason = "window_cap_exceeded"
)

// SizingMode selects how the source notional is transformed before caps.
type SizingMode string

const (
	SizingFixed              SizingMode = "fixed"
	SizingProportional       SizingMode = "proportional"
	SizingCappedProportional SizingMode = "capped_proportional"
)

// RiskDecision is attached to an intent after evaluation and never mutated.
// SizedNotionalMicros is the unsigned notional to forward when approved; it
// may be smaller than the raw request when a cap clamped it down.
type RiskDecision struct {
	Verdict             Verdict
	Reason              BlockReason
	RawNotionalMicros   int64
	SizedNotionalMicros int64
	Resized             bool
	EvaluatedAt         time.Time
}

// Approved reports whether the intent may proceed to execution.
func (d RiskDecision) Approved() bool {
	return d.Verdict == VerdictApproved
}
