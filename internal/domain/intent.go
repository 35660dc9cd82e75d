package domain

import (
	"fmt"
	"time"
)

// BucketKey identifies a coalescing scope. Window id is always part of the
// key: flow is never netted across windows of the same market.
type BucketKey struct {
	MarketID string
	Outcome  string
	WindowID string
}

// String renders the key in the canonical colon-joined form used for logs,
// stream keys, and idempotency-key derivation.
func (k BucketKey) String() string {
	return k.MarketID + ":" + k.Outcome + ":" + k.WindowID
}

// ExecutionIntent is an aggregated, netted unit of desired exposure change
// emitted by the coalescer when a bucket flushes. NetNotionalMicros is
// signed: positive is net buy, negative is net sell. Terminal after one pass
// through the pipeline; a later event for the same bucket key starts a new
// intent with the next epoch.
type ExecutionIntent struct {
	Bucket            BucketKey
	Epoch             int64
	NetNotionalMicros int64
	Direction         Direction
	EventCount        int
	FirstEventAt      time.Time
	LastEventAt       time.Time
	WindowEndAt       time.Time
	MaxSlippageBps    int
	CorrelationID     string
	CreatedAt         time.Time
}

// Side derives the destination order side from the sign of the net notional.
func (i ExecutionIntent) Side() Side {
	if i.NetNotionalMicros < 0 {
		return SideSell
	}
	return SideBuy
}

// AbsNotionalMicros returns the unsigned notional to execute.
func (i ExecutionIntent) AbsNotionalMicros() int64 {
	if i.NetNotionalMicros < 0 {
		return -i.NetNotionalMicros
	}
	return i.NetNotionalMicros
}

// IntentID is a stable human-readable identifier: bucket key plus epoch.
func (i ExecutionIntent) IntentID() string {
	return fmt.Sprintf("%s:%d", i.Bucket.String(), i.Epoch)
}
