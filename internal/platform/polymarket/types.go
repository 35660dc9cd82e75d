// Package polymarket contains the REST and WebSocket clients for the
// Polymarket CLOB, Gamma, and data APIs.
package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// flexString tolerates upstream fields that arrive as either a JSON string
// or a number. The data API is not consistent about this across endpoints.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Float() float64 {
	v, _ := strconv.ParseFloat(string(f), 64)
	return v
}

func (f flexString) Int() int64 {
	if v, err := strconv.ParseInt(string(f), 10, 64); err == nil {
		return v
	}
	return int64(f.Float())
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// ActivityTrade is one row from the source wallet's activity feed, whether a
// WS push or a data-API poll. Numeric fields go through flexString because
// the feed mixes strings and numbers for the same key.
type ActivityTrade struct {
	ID        flexString `json:"id"`
	TxHash    flexString `json:"transactionHash"`
	Wallet    flexString `json:"proxyWallet"`
	MarketID  flexString `json:"conditionId"`
	Slug      flexString `json:"slug"`
	EventSlug flexString `json:"eventSlug"`
	Outcome   flexString `json:"outcome"`
	Side      flexString `json:"side"`
	Price     flexString `json:"price"`
	Size      flexString `json:"size"`
	Timestamp flexString `json:"timestamp"`
	Sequence  flexString `json:"sequence"`
	Type      flexString `json:"type"`
}

// ExecutedAt resolves the trade timestamp, accepting Unix seconds or
// milliseconds.
func (t ActivityTrade) ExecutedAt() time.Time {
	ts := t.Timestamp.Int()
	if ts == 0 {
		return time.Time{}
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIToken is one outcome token inside a Gamma market.
type APIToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// APIMarket is the Gamma market payload subset the mirror consumes.
type APIMarket struct {
	ID          string     `json:"id"`
	ConditionID string     `json:"conditionId"`
	Question    string     `json:"question"`
	Slug        string     `json:"slug"`
	EndDateISO  string     `json:"endDateIso"`
	Closed      bool       `json:"closed"`
	Tokens      []APIToken `json:"tokens"`
}

// EndAt parses the market end time, returning the zero time when absent or
// malformed.
func (m APIMarket) EndAt() time.Time {
	if m.EndDateISO == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, m.EndDateISO); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// TokenFor returns the token id for the named outcome, or "" when unknown.
func (m APIMarket) TokenFor(outcome string) string {
	for _, t := range m.Tokens {
		if strings.EqualFold(t.Outcome, outcome) {
			return t.TokenID
		}
	}
	return ""
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrderAck is the CLOB response to an order placement.
type APIOrderAck struct {
	Success   bool   `json:"success"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
	OrderID   string `json:"orderID,omitempty"`
	Status    string `json:"status,omitempty"`
	TakingAmt string `json:"takingAmount,omitempty"`
	MakingAmt string `json:"makingAmount,omitempty"`
}

// UserOrderMessage is one message from the authenticated user channel,
// covering order placement acks, cancellations, and trade (fill) events.
type UserOrderMessage struct {
	EventType     string     `json:"event_type"` // "order" or "trade"
	Type          string     `json:"type"`       // PLACEMENT, UPDATE, CANCELLATION / MATCHED, ...
	OrderID       flexString `json:"id"`
	ClientOrderID flexString `json:"client_order_id"`
	Status        flexString `json:"status"`
	SizeMatched   flexString `json:"size_matched"`
	OriginalSize  flexString `json:"original_size"`
	Price         flexString `json:"price"`
	Timestamp     flexString `json:"timestamp"`
}

// WSCommand is the subscribe/unsubscribe envelope for the WS endpoints.
type WSCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel,omitempty"`
	Markets []string `json:"markets,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
	Auth    *WSAuth  `json:"auth,omitempty"`
}

// WSAuth carries API credentials for the authenticated user channel.
type WSAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}
