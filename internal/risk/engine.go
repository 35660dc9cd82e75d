package risk

import (
	"log/slog"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// EngineConfig holds the admission policy. All notionals are micro-USD.
type EngineConfig struct {
	SizingMode       domain.SizingMode
	FixedMicros      int64
	SizeMultiplier   float64
	MinOrderMicros   int64
	MaxOrderMicros   int64
	NearExpiryCutoff time.Duration
}

// Admission is the outcome of evaluating one intent: the decision plus, when
// approved, the ledger reservation the eventual order draws down.
type Admission struct {
	Decision    domain.RiskDecision
	Reservation *Reservation
}

// Engine evaluates execution intents against the kill switch, the expiry
// cutoff, the sizing policy, and the exposure ledger. Checks run in a fixed
// order so every rejection reports the first reason that applied.
type Engine struct {
	cfg    EngineConfig
	ks     *KillSwitch
	ledger *Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an admission engine over the given switch and ledger.
func NewEngine(cfg EngineConfig, ks *KillSwitch, ledger *Ledger, logger *slog.Logger) *Engine {
	if cfg.SizeMultiplier <= 0 {
		cfg.SizeMultiplier = 1.0
	}
	return &Engine{
		cfg:    cfg,
		ks:     ks,
		ledger: ledger,
		logger: logger.With(slog.String("component", "risk_engine")),
		now:    time.Now,
	}
}

// size applies the configured sizing mode to the source notional.
func (e *Engine) size(rawMicros int64) int64 {
	switch e.cfg.SizingMode {
	case domain.SizingFixed:
		return e.cfg.FixedMicros
	case domain.SizingProportional:
		return int64(float64(rawMicros) * e.cfg.SizeMultiplier)
	case domain.SizingCappedProportional:
		sized := int64(float64(rawMicros) * e.cfg.SizeMultiplier)
		if e.cfg.MaxOrderMicros > 0 && sized > e.cfg.MaxOrderMicros {
			return e.cfg.MaxOrderMicros
		}
		return sized
	default:
		return rawMicros
	}
}

// Evaluate runs the admission checks against one intent. Approved admissions
// carry a live reservation; the caller owns it and must eventually commit or
// release every reserved dollar.
func (e *Engine) Evaluate(intent domain.ExecutionIntent) Admission {
	raw := intent.AbsNotionalMicros()
	decision := domain.RiskDecision{
		Verdict:           domain.VerdictBlocked,
		RawNotionalMicros: raw,
		EvaluatedAt:       e.now().UTC(),
	}

	if e.ks.Tripped() {
		decision.Reason = domain.ReasonKillSwitchActive
		return Admission{Decision: decision}
	}

	// Closing intents reduce exposure and are exempt from the expiry cutoff:
	// refusing to exit a position near resolution would strand it.
	if intent.Direction == domain.DirectionOpen && !intent.WindowEndAt.IsZero() {
		if e.now().Add(e.cfg.NearExpiryCutoff).After(intent.WindowEndAt) {
			decision.Reason = domain.ReasonNearExpiryCutoff
			return Admission{Decision: decision}
		}
	}

	sized := e.size(raw)
	if sized != raw {
		decision.Resized = true
	}

	if sized < e.cfg.MinOrderMicros {
		decision.Reason = domain.ReasonBelowMinNotional
		decision.SizedNotionalMicros = sized
		return Admission{Decision: decision}
	}

	if e.cfg.MaxOrderMicros > 0 && sized > e.cfg.MaxOrderMicros {
		sized = e.cfg.MaxOrderMicros
		decision.Resized = true
	}

	res, granted, limited := e.ledger.Reserve(intent.Bucket.MarketID, sized)
	if granted == 0 {
		switch limited {
		case LimitWindow:
			decision.Reason = domain.ReasonWindowCapExceeded
		default:
			decision.Reason = domain.ReasonMarketCapExceeded
		}
		decision.SizedNotionalMicros = sized
		return Admission{Decision: decision}
	}
	if granted < sized {
		decision.Resized = true
	}
	// A partial grant below the per-order floor is not worth placing; give
	// the headroom back and block on the cap that clamped us.
	if granted < e.cfg.MinOrderMicros {
		res.Release()
		switch limited {
		case LimitWindow:
			decision.Reason = domain.ReasonWindowCapExceeded
		default:
			decision.Reason = domain.ReasonMarketCapExceeded
		}
		decision.SizedNotionalMicros = granted
		return Admission{Decision: decision}
	}

	decision.Verdict = domain.VerdictApproved
	decision.Reason = ""
	decision.SizedNotionalMicros = granted

	e.logger.Debug("intent approved",
		slog.String("intent", intent.IntentID()),
		slog.Int64("raw_micros", raw),
		slog.Int64("sized_micros", granted),
		slog.Bool("resized", decision.Resized),
	)

	return Admission{Decision: decision, Reservation: res}
}
