package domain

import "time"

// OrderState tracks the destination order lifecycle.
type OrderState string

const (
	OrderStatePendingSubmit   OrderState = "pending_submit"
	OrderStateSubmitted       OrderState = "submitted"
	OrderStateAcknowledged    OrderState = "acknowledged"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateTimedOut        OrderState = "timed_out"
	OrderStateFailed          OrderState = "failed"
	OrderStateCancelled       OrderState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateFailed, OrderStateCancelled:
		return true
	}
	return false
}

// Order is the destination-side unit of work, owned exclusively by the
// order lifecycle manager. The idempotency key is derived deterministically
// from the intent's bucket key and coalesce epoch, so a retried submission
// for the same logical intent never produces a duplicate destination order.
type Order struct {
	IdempotencyKey  string
	Bucket          BucketKey
	Epoch           int64
	Side            Side
	RequestedMicros int64
	FilledMicros    int64
	PriceMicros     int64
	MaxSlippageBps  int
	State           OrderState
	Attempts        int
	LastError       string
	CorrelationID   string
	WindowEndAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RemainingMicros is the unfilled remainder of the requested notional.
func (o Order) RemainingMicros() int64 {
	if o.FilledMicros >= o.RequestedMicros {
		return 0
	}
	return o.RequestedMicros - o.FilledMicros
}

// UpdateKind classifies transport lifecycle callbacks.
type UpdateKind string

const (
	UpdateAcknowledged UpdateKind = "acknowledged"
	UpdatePartialFill  UpdateKind = "partial_fill"
	UpdateFilled       UpdateKind = "filled"
	UpdateRejected     UpdateKind = "rejected"
)

// OrderUpdate is an asynchronous lifecycle callback from the transport,
// keyed by the same idempotency key the order was submitted with.
type OrderUpdate struct {
	IdempotencyKey string
	Kind           UpdateKind
	FilledMicros   int64
	Reason         string
	Retryable      bool
	At             time.Time
}

// LifecycleEvent is emitted on every order state transition for latency
// instrumentation and audit.
type LifecycleEvent struct {
	IdempotencyKey string
	CorrelationID  string
	From           OrderState
	To             OrderState
	Attempts       int
	FilledMicros   int64
	Detail         string
	At             time.Time
}
