package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/risk"
)

// clientOrderIDPrefix marks every order this process places, so venue-side
// records are attributable to the mirror.
const clientOrderIDPrefix = "mb-"

// IdempotencyKey derives the deterministic client order id for one intent.
// The same (bucket, epoch) always maps to the same key, across restarts and
// retries alike.
func IdempotencyKey(bucket domain.BucketKey, epoch int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		bucket.MarketID, bucket.Outcome, bucket.WindowID, epoch)))
	return clientOrderIDPrefix + hex.EncodeToString(sum[:])[:24]
}

// validTransitions is the order state machine. Any transition not listed is
// a bug in the caller and is refused with ErrInvalidTransition.
var validTransitions = map[domain.OrderState][]domain.OrderState{
	domain.OrderStatePendingSubmit: {
		domain.OrderStateSubmitted,
		domain.OrderStateCancelled,
		domain.OrderStateFailed,
	},
	domain.OrderStateSubmitted: {
		domain.OrderStateAcknowledged,
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateRejected,
		domain.OrderStateTimedOut,
		domain.OrderStateCancelled,
	},
	domain.OrderStateAcknowledged: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateRejected,
		domain.OrderStateTimedOut,
		domain.OrderStateCancelled,
	},
	domain.OrderStatePartiallyFilled: {
		domain.OrderStatePartiallyFilled,
		domain.OrderStateFilled,
		domain.OrderStateRejected,
		domain.OrderStateCancelled,
	},
	domain.OrderStateRejected: {
		domain.OrderStateSubmitted,
		domain.OrderStateFailed,
		domain.OrderStateCancelled,
	},
	domain.OrderStateTimedOut: {
		domain.OrderStateSubmitted,
		domain.OrderStateFailed,
		domain.OrderStateCancelled,
	},
}

func transitionAllowed(from, to domain.OrderState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config holds the lifecycle manager's retry and expiry policy.
type Config struct {
	MaxAttempts             int
	RetryBackoff            time.Duration
	SubmitTimeout           time.Duration
	ExpirySweepInterval     time.Duration
	CancelRemainderAtExpiry bool
	RateLimitPerSecond      int
}

type inflight struct {
	mu     sync.Mutex
	order  domain.Order
	res    *risk.Reservation
	cancel context.CancelFunc
	// signal carries acks and retryable rejections to the submit loop.
	signal chan domain.OrderUpdate
}

// Manager drives every destination order from pending_submit to a terminal
// state. It is the only component that talks to the transport and the only
// one that commits or releases ledger reservations.
type Manager struct {
	cfg       Config
	transport Transport
	store     domain.OrderStore
	limiter   domain.RateLimiter
	logger    *slog.Logger

	mu     sync.Mutex
	orders map[string]*inflight

	events chan domain.LifecycleEvent
	wg     sync.WaitGroup
	now    func() time.Time

	// onLedgerFault fires when fill accounting breaks an invariant. Wired to
	// the kill switch so admission halts while positions stay untouched.
	onLedgerFault func(error)
}

// NewManager creates an order lifecycle manager. limiter may be nil when no
// distributed rate limiting is configured.
func NewManager(cfg Config, transport Transport, store domain.OrderStore, limiter domain.RateLimiter, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = time.Second
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		store:     store,
		limiter:   limiter,
		logger:    logger.With(slog.String("component", "order_lifecycle")),
		orders:    make(map[string]*inflight),
		events:    make(chan domain.LifecycleEvent, 256),
		now:       time.Now,
	}
}

// OnLedgerFault registers the callback invoked when reservation accounting
// fails. Must be called before Run.
func (m *Manager) OnLedgerFault(fn func(error)) { m.onLedgerFault = fn }

// Events returns the lifecycle transition stream for audit and telemetry.
func (m *Manager) Events() <-chan domain.LifecycleEvent { return m.events }

// InFlight returns a snapshot of all non-terminal orders.
func (m *Manager) InFlight() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, inf := range m.orders {
		inf.mu.Lock()
		out = append(out, inf.order)
		inf.mu.Unlock()
	}
	return out
}

// Execute admits one approved intent into the lifecycle: it persists the
// order record, registers it, and starts the submission loop. The reservation
// is owned by the manager from this point on; exactly its granted notional
// will be committed through fills or released.
func (m *Manager) Execute(ctx context.Context, intent domain.ExecutionIntent, res *risk.Reservation, sizedMicros int64) error {
	key := IdempotencyKey(intent.Bucket, intent.Epoch)

	order := domain.Order{
		IdempotencyKey:  key,
		Bucket:          intent.Bucket,
		Epoch:           intent.Epoch,
		Side:            intent.Side(),
		RequestedMicros: sizedMicros,
		MaxSlippageBps:  intent.MaxSlippageBps,
		State:           domain.OrderStatePendingSubmit,
		CorrelationID:   intent.CorrelationID,
		WindowEndAt:     intent.WindowEndAt,
		CreatedAt:       m.now().UTC(),
		UpdatedAt:       m.now().UTC(),
	}

	if err := m.store.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// The same (bucket, epoch) was already executed, most likely a
			// replay after restart. Give the headroom back and move on.
			m.logger.Warn("duplicate intent, order already exists",
				slog.String("client_order_id", key))
			res.Release()
			return nil
		}
		res.Release()
		return fmt.Errorf("executor: create order %s: %w", key, err)
	}

	m.start(ctx, order, res)
	return nil
}

// start registers the order and launches its submit loop.
func (m *Manager) start(ctx context.Context, order domain.Order, res *risk.Reservation) {
	orderCtx, cancel := context.WithCancel(ctx)
	inf := &inflight{
		order:  order,
		res:    res,
		cancel: cancel,
		signal: make(chan domain.OrderUpdate, 8),
	}

	m.mu.Lock()
	m.orders[order.IdempotencyKey] = inf
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.submitLoop(orderCtx, inf)
	}()
}

// submitLoop drives one order through up to MaxAttempts submissions. Every
// attempt reuses the same idempotency key, so a retry after an ambiguous
// timeout can at worst re-deliver a request the venue already has.
func (m *Manager) submitLoop(ctx context.Context, inf *inflight) {
	key := inf.order.IdempotencyKey

	inf.mu.Lock()
	state := inf.order.State
	inf.mu.Unlock()
	if state == domain.OrderStateAcknowledged || state == domain.OrderStatePartiallyFilled {
		// Already live at the venue (resumed order); updates alone drive it.
		return
	}

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx, "order_submit"); err != nil {
				m.fail(inf, "rate limiter: "+err.Error())
				return
			}
		}

		inf.mu.Lock()
		if inf.order.State.Terminal() {
			inf.mu.Unlock()
			return
		}
		inf.order.Attempts = attempt
		req := SubmitRequest{
			IdempotencyKey: key,
			MarketID:       inf.order.Bucket.MarketID,
			Outcome:        inf.order.Bucket.Outcome,
			Side:           inf.order.Side,
			NotionalMicros: inf.order.RemainingMicros(),
			PriceMicros:    inf.order.PriceMicros,
			MaxSlippageBps: inf.order.MaxSlippageBps,
			CorrelationID:  inf.order.CorrelationID,
		}
		inf.mu.Unlock()

		m.transition(inf, domain.OrderStateSubmitted, fmt.Sprintf("attempt %d", attempt))

		submitCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		err := m.transport.SubmitOrder(submitCtx, req)
		cancel()

		if err != nil {
			inf.mu.Lock()
			inf.order.LastError = err.Error()
			inf.mu.Unlock()
			if !IsRetryable(err) {
				m.transition(inf, domain.OrderStateRejected, err.Error())
				m.fail(inf, err.Error())
				return
			}
			m.transition(inf, domain.OrderStateTimedOut, err.Error())
			if !m.backoff(ctx, attempt) {
				return
			}
			continue
		}

		// Submitted cleanly. Wait for the venue's verdict: an ack or fill
		// ends the loop, a retryable rejection or ack timeout burns the
		// attempt and goes around again.
		outcome := m.awaitAck(ctx, inf)
		switch outcome {
		case ackAccepted:
			return
		case ackFatal:
			m.fail(inf, inf.lastError())
			return
		case ackRetry:
			if !m.backoff(ctx, attempt) {
				return
			}
		case ackCancelled:
			return
		}
	}

	m.fail(inf, "attempts exhausted")
}

type ackOutcome int

const (
	ackAccepted ackOutcome = iota
	ackRetry
	ackFatal
	ackCancelled
)

// awaitAck blocks until the venue acknowledges, rejects, or the submit
// timeout elapses without any response.
func (m *Manager) awaitAck(ctx context.Context, inf *inflight) ackOutcome {
	timer := time.NewTimer(m.cfg.SubmitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ackCancelled
		case <-timer.C:
			m.transition(inf, domain.OrderStateTimedOut, "no acknowledgement before timeout")
			return ackRetry
		case u := <-inf.signal:
			switch u.Kind {
			case domain.UpdateAcknowledged, domain.UpdatePartialFill, domain.UpdateFilled:
				return ackAccepted
			case domain.UpdateRejected:
				if u.Retryable {
					return ackRetry
				}
				return ackFatal
			}
		}
	}
}

// backoff sleeps between attempts. Returns false if the context ended.
func (m *Manager) backoff(ctx context.Context, attempt int) bool {
	delay := m.cfg.RetryBackoff * time.Duration(attempt)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (inf *inflight) lastError() string {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return inf.order.LastError
}

// Run consumes transport updates and drives the expiry sweep until the
// context is cancelled, then waits for in-flight submit loops to settle.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("order lifecycle manager started",
		slog.Int("max_attempts", m.cfg.MaxAttempts),
		slog.Duration("submit_timeout", m.cfg.SubmitTimeout),
	)
	defer m.logger.Info("order lifecycle manager stopped")

	sweep := time.NewTicker(m.cfg.ExpirySweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			close(m.events)
			return ctx.Err()
		case u, ok := <-m.transport.Updates():
			if !ok {
				m.wg.Wait()
				close(m.events)
				return nil
			}
			m.HandleUpdate(u)
		case <-sweep.C:
			m.sweepExpired(ctx)
		}
	}
}

// HandleUpdate applies one venue lifecycle update: state transition, fill
// accounting against the reservation, and terminal cleanup.
func (m *Manager) HandleUpdate(u domain.OrderUpdate) {
	m.mu.Lock()
	inf, ok := m.orders[u.IdempotencyKey]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("update for unknown order",
			slog.String("client_order_id", u.IdempotencyKey),
			slog.String("kind", string(u.Kind)),
		)
		return
	}

	switch u.Kind {
	case domain.UpdateAcknowledged:
		m.transition(inf, domain.OrderStateAcknowledged, "")

	case domain.UpdatePartialFill:
		m.applyFill(inf, u.FilledMicros)
		m.transition(inf, domain.OrderStatePartiallyFilled, "")

	case domain.UpdateFilled:
		m.applyFill(inf, u.FilledMicros)
		m.transition(inf, domain.OrderStateFilled, "")
		m.finish(inf)

	case domain.UpdateRejected:
		inf.mu.Lock()
		inf.order.LastError = u.Reason
		inf.mu.Unlock()
		m.transition(inf, domain.OrderStateRejected, u.Reason)
		if !u.Retryable {
			m.fail(inf, u.Reason)
		}
	}

	// Nudge a waiting submit loop. Non-blocking: a full signal channel means
	// the loop already has enough to act on.
	select {
	case inf.signal <- u:
	default:
	}
}

// applyFill commits the newly filled notional to the ledger. Updates carry
// cumulative filled notional; the delta since the last update is what gets
// committed.
func (m *Manager) applyFill(inf *inflight, cumulativeMicros int64) {
	inf.mu.Lock()
	delta := cumulativeMicros - inf.order.FilledMicros
	if delta <= 0 {
		inf.mu.Unlock()
		return
	}
	inf.order.FilledMicros = cumulativeMicros
	res := inf.res
	inf.mu.Unlock()

	if err := res.Commit(delta); err != nil {
		m.logger.Error("fill commit failed",
			slog.String("client_order_id", inf.order.IdempotencyKey),
			slog.Int64("delta_micros", delta),
			slog.String("error", err.Error()),
		)
		if m.onLedgerFault != nil {
			m.onLedgerFault(err)
		}
	}
}

// transition moves the order to a new state, persists it, and emits a
// lifecycle event. Invalid transitions are logged and refused.
func (m *Manager) transition(inf *inflight, to domain.OrderState, detail string) {
	inf.mu.Lock()
	from := inf.order.State
	if from == to {
		inf.mu.Unlock()
		return
	}
	if !transitionAllowed(from, to) {
		inf.mu.Unlock()
		m.logger.Error("invalid order transition refused",
			slog.String("client_order_id", inf.order.IdempotencyKey),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return
	}
	inf.order.State = to
	inf.order.UpdatedAt = m.now().UTC()
	snapshot := inf.order
	inf.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := m.store.Update(ctx, snapshot); err != nil {
		m.logger.Error("order persist failed",
			slog.String("client_order_id", snapshot.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}
	cancel()

	ev := domain.LifecycleEvent{
		IdempotencyKey: snapshot.IdempotencyKey,
		CorrelationID:  snapshot.CorrelationID,
		From:           from,
		To:             to,
		Attempts:       snapshot.Attempts,
		FilledMicros:   snapshot.FilledMicros,
		Detail:         detail,
		At:             snapshot.UpdatedAt,
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("lifecycle event dropped",
			slog.String("client_order_id", snapshot.IdempotencyKey))
	}
}

// fail drives a non-terminal order to failed and releases the unfilled
// reservation remainder.
func (m *Manager) fail(inf *inflight, reason string) {
	inf.mu.Lock()
	if inf.order.State.Terminal() {
		inf.mu.Unlock()
		return
	}
	inf.order.LastError = reason
	inf.mu.Unlock()

	m.transition(inf, domain.OrderStateFailed, reason)
	m.finish(inf)
}

// finish releases the remaining reservation and unregisters the order.
func (m *Manager) finish(inf *inflight) {
	inf.res.Release()
	inf.cancel()

	m.mu.Lock()
	delete(m.orders, inf.order.IdempotencyKey)
	m.mu.Unlock()
}

// sweepExpired cancels unfilled remainders of orders whose market window has
// ended. Expiry cancellation pre-empts any pending retry: the submit loop's
// context is cancelled before the venue cancel goes out.
func (m *Manager) sweepExpired(ctx context.Context) {
	if !m.cfg.CancelRemainderAtExpiry {
		return
	}
	now := m.now()

	m.mu.Lock()
	var expired []*inflight
	for _, inf := range m.orders {
		inf.mu.Lock()
		if !inf.order.WindowEndAt.IsZero() && now.After(inf.order.WindowEndAt) && !inf.order.State.Terminal() {
			expired = append(expired, inf)
		}
		inf.mu.Unlock()
	}
	m.mu.Unlock()

	for _, inf := range expired {
		inf.cancel()

		key := inf.order.IdempotencyKey
		if err := m.transport.CancelOrder(ctx, key); err != nil {
			m.logger.Warn("expiry cancel failed",
				slog.String("client_order_id", key),
				slog.String("error", err.Error()),
			)
		}

		m.transition(inf, domain.OrderStateCancelled, "window expired")
		m.finish(inf)
		m.logger.Info("order cancelled at window expiry",
			slog.String("client_order_id", key))
	}
}

// Resume re-registers in-flight orders from the store after a restart. Each
// order re-reserves its unfilled remainder; when no headroom remains the
// order is cancelled rather than left unaccounted.
func (m *Manager) Resume(ctx context.Context, ledger *risk.Ledger) error {
	orders, err := m.store.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("executor: resume: %w", err)
	}

	for _, order := range orders {
		remaining := order.RemainingMicros()
		res, granted, _ := ledger.Reserve(order.Bucket.MarketID, remaining)
		if granted < remaining {
			if res != nil {
				res.Release()
			}
			m.logger.Warn("no headroom to resume order, cancelling",
				slog.String("client_order_id", order.IdempotencyKey))
			if err := m.transport.CancelOrder(ctx, order.IdempotencyKey); err != nil {
				m.logger.Warn("resume cancel failed",
					slog.String("client_order_id", order.IdempotencyKey),
					slog.String("error", err.Error()),
				)
			}
			order.State = domain.OrderStateCancelled
			order.UpdatedAt = m.now().UTC()
			if err := m.store.Update(ctx, order); err != nil {
				m.logger.Error("resume persist failed",
					slog.String("client_order_id", order.IdempotencyKey),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		m.logger.Info("resumed in-flight order",
			slog.String("client_order_id", order.IdempotencyKey),
			slog.String("state", string(order.State)),
			slog.Int64("remaining_micros", remaining),
		)
		m.start(ctx, order, res)
	}
	return nil
}
