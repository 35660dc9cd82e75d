package domain

import (
	"fmt"
	"time"
)

// Side indicates whether a fill bought or sold the outcome token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells, used when netting notional.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Direction distinguishes exposure-increasing flow from exposure-reducing
// flow. It is orthogonal to Side: the ingestion collaborator resolves it
// against the source wallet's position.
type Direction string

const (
	DirectionOpen  Direction = "open"
	DirectionClose Direction = "close"
)

// MarketWindow is a fixed-duration market instance (e.g. a 15-minute
// contract) with a defined end time.
type MarketWindow struct {
	ID      string
	Asset   string
	StartAt time.Time
	EndAt   time.Time
}

// TradeEvent is a single observed source fill, normalized and immutable.
// Notional is carried as integer micro-USD (1e-6 USD) so netting and ledger
// arithmetic stay exact.
type TradeEvent struct {
	EventID        string
	TxHash         string
	Sequence       int64
	SourceWallet   string
	MarketID       string
	Outcome        string
	Side           Side
	Direction      Direction
	PriceMicros    int64
	SharesMicros   int64
	NotionalMicros int64
	Window         MarketWindow
	ExecutedAt     time.Time
	ReceivedAt     time.Time
	// OutOfOrder is set by the normalizer when the event's sequence number is
	// lower than the latest already seen for the same source.
	OutOfOrder bool
}

// DedupeKey builds the globally unique one-shot key for this event from the
// event id, transaction reference, and sequence number. The fallbacks mirror
// what upstream feeds actually populate.
func (e TradeEvent) DedupeKey() string {
	switch {
	case e.EventID != "":
		return "id:" + e.EventID
	case e.TxHash != "" && e.Sequence > 0:
		return fmt.Sprintf("txseq:%s:%d", e.TxHash, e.Sequence)
	case e.TxHash != "":
		return "tx:" + e.TxHash + ":" + e.MarketID
	default:
		return fmt.Sprintf("fallback:%s:%d", e.MarketID, e.ExecutedAt.UnixMicro())
	}
}

// Notional returns the display notional in USD.
func (e TradeEvent) Notional() float64 {
	return float64(e.NotionalMicros) / 1e6
}

// MicrosFromUSD converts a configured USD amount to micro-USD.
func MicrosFromUSD(usd float64) int64 {
	return int64(usd * 1e6)
}
