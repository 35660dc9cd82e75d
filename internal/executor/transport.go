// Package executor owns the destination-side order lifecycle: idempotent
// submission, bounded retries, fill accounting against ledger reservations,
// and window-expiry cancellation.
package executor

import (
	"context"
	"errors"

	"github.com/polymirror/mirrorbot/internal/domain"
)

// SubmitRequest carries everything a venue transport needs to place one
// marketable limit order. The idempotency key travels as the client order id,
// so resubmitting the same request can never create a second venue order.
type SubmitRequest struct {
	IdempotencyKey string
	MarketID       string
	Outcome        string
	Side           domain.Side
	NotionalMicros int64
	PriceMicros    int64
	MaxSlippageBps int
	CorrelationID  string
}

// Transport submits and cancels orders on the destination venue and surfaces
// asynchronous lifecycle updates. SubmitOrder returning nil only means the
// request was handed to the venue; acknowledgement, fills, and rejections all
// arrive on Updates.
type Transport interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) error
	CancelOrder(ctx context.Context, idempotencyKey string) error
	Updates() <-chan domain.OrderUpdate
}

// RetryableError wraps a transport failure the caller may retry with the
// same idempotency key (timeouts, 5xx, connection resets). Anything not
// wrapped this way is treated as a hard failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "executor: retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err allows another submission attempt.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
