package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/executor"
)

// PriceSource returns a reference price in micro-USD per share for an
// outcome token, used to anchor the marketable limit price. It may return 0
// when no recent price is known.
type PriceSource func(ctx context.Context, tokenID string) int64

// Aggressive fallback limits when no reference price is available. A FAK
// order at these prices behaves like a market order with a sanity bound.
const (
	fallbackBuyLimitMicros  = 990_000
	fallbackSellLimitMicros = 10_000
)

// LiveTransport places real orders on the CLOB and converts user-channel
// messages into lifecycle updates. It implements executor.Transport.
type LiveTransport struct {
	clob   *ClobClient
	cache  *MarketCache
	prices PriceSource
	logger *slog.Logger

	// venueIDs maps client order id to venue order id for cancellation.
	mu       sync.Mutex
	venueIDs map[string]string

	updates chan domain.OrderUpdate
}

// NewLiveTransport creates a live transport. prices may be nil; the
// aggressive fallback limits apply then. Wire the returned transport's
// HandleUserMessage into a user-channel WSClient.
func NewLiveTransport(clob *ClobClient, cache *MarketCache, prices PriceSource, logger *slog.Logger) *LiveTransport {
	return &LiveTransport{
		clob:     clob,
		cache:    cache,
		prices:   prices,
		logger:   logger.With(slog.String("component", "live_transport")),
		venueIDs: make(map[string]string),
		updates:  make(chan domain.OrderUpdate, 64),
	}
}

// SubmitOrder resolves the outcome token, computes the slippage-bounded
// limit price, signs, and posts. Transient failures come back wrapped as
// retryable so the lifecycle manager can resubmit under the same key.
func (t *LiveTransport) SubmitOrder(ctx context.Context, req executor.SubmitRequest) error {
	tokenID, err := t.cache.TokenFor(ctx, req.MarketID, req.Outcome)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("polymarket/transport: resolve token: %w", err)
		}
		return executor.Retryable(fmt.Errorf("polymarket/transport: resolve token: %w", err))
	}

	price := t.limitPrice(ctx, tokenID, req)

	ack, err := t.clob.PostOrder(ctx, OrderArgs{
		ClientOrderID:  req.IdempotencyKey,
		TokenID:        tokenID,
		Side:           req.Side,
		PriceMicros:    price,
		NotionalMicros: req.NotionalMicros,
	})
	if err != nil {
		return classifySubmitErr(err)
	}

	if !ack.Success {
		t.emit(domain.OrderUpdate{
			IdempotencyKey: req.IdempotencyKey,
			Kind:           domain.UpdateRejected,
			Reason:         ack.ErrorMsg,
			Retryable:      false,
			At:             time.Now().UTC(),
		})
		return nil
	}

	t.mu.Lock()
	t.venueIDs[req.IdempotencyKey] = ack.OrderID
	t.mu.Unlock()

	t.emit(domain.OrderUpdate{
		IdempotencyKey: req.IdempotencyKey,
		Kind:           domain.UpdateAcknowledged,
		At:             time.Now().UTC(),
	})

	t.logger.Info("order posted",
		slog.String("client_order_id", req.IdempotencyKey),
		slog.String("venue_order_id", ack.OrderID),
		slog.String("status", ack.Status),
	)
	return nil
}

// CancelOrder cancels the venue order behind a client order id. Unknown ids
// are a no-op: the order never reached the venue.
func (t *LiveTransport) CancelOrder(ctx context.Context, idempotencyKey string) error {
	t.mu.Lock()
	venueID, ok := t.venueIDs[idempotencyKey]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.clob.CancelOrder(ctx, venueID)
}

// Updates returns the lifecycle update stream.
func (t *LiveTransport) Updates() <-chan domain.OrderUpdate {
	return t.updates
}

// HandleUserMessage converts one user-channel message into a lifecycle
// update. Register it with WSClient.OnUserOrder.
func (t *LiveTransport) HandleUserMessage(msg UserOrderMessage) {
	clientID := msg.ClientOrderID.String()
	if clientID == "" {
		return
	}

	if venueID := msg.OrderID.String(); venueID != "" {
		t.mu.Lock()
		t.venueIDs[clientID] = venueID
		t.mu.Unlock()
	}

	at := time.Now().UTC()
	if ts := msg.Timestamp.Int(); ts > 0 {
		if ts > 1e12 {
			at = time.UnixMilli(ts).UTC()
		} else {
			at = time.Unix(ts, 0).UTC()
		}
	}

	switch msg.EventType {
	case "order":
		switch strings.ToUpper(msg.Type) {
		case "PLACEMENT":
			t.emit(domain.OrderUpdate{IdempotencyKey: clientID, Kind: domain.UpdateAcknowledged, At: at})
		case "CANCELLATION":
			// Local state already reflects cancels we initiated; venue-side
			// cancels of a resting remainder read as a rejection.
			t.emit(domain.OrderUpdate{
				IdempotencyKey: clientID,
				Kind:           domain.UpdateRejected,
				Reason:         "cancelled by venue",
				At:             at,
			})
		}
	case "trade":
		// size_matched is the order's running matched total, not the size of
		// the individual match. Downstream fill accounting diffs consecutive
		// cumulative values, so the update must carry the total.
		matched := int64(msg.SizeMatched.Float() * msg.Price.Float() * 1e6)
		if matched <= 0 {
			return
		}
		kind := domain.UpdatePartialFill
		if msg.SizeMatched.Float() >= msg.OriginalSize.Float() && msg.OriginalSize.Float() > 0 {
			kind = domain.UpdateFilled
		}
		t.emit(domain.OrderUpdate{
			IdempotencyKey: clientID,
			Kind:           kind,
			FilledMicros:   matched,
			At:             at,
		})
	}
}

func (t *LiveTransport) limitPrice(ctx context.Context, tokenID string, req executor.SubmitRequest) int64 {
	ref := int64(0)
	if req.PriceMicros > 0 {
		ref = req.PriceMicros
	} else if t.prices != nil {
		ref = t.prices(ctx, tokenID)
	}
	if ref <= 0 {
		if req.Side == domain.SideSell {
			return fallbackSellLimitMicros
		}
		return fallbackBuyLimitMicros
	}

	slip := ref * int64(req.MaxSlippageBps) / 10_000
	if req.Side == domain.SideSell {
		price := ref - slip
		if price < fallbackSellLimitMicros {
			price = fallbackSellLimitMicros
		}
		return price
	}
	price := ref + slip
	if price > fallbackBuyLimitMicros {
		price = fallbackBuyLimitMicros
	}
	return price
}

func (t *LiveTransport) emit(u domain.OrderUpdate) {
	select {
	case t.updates <- u:
	default:
		t.logger.Warn("order update dropped",
			slog.String("client_order_id", u.IdempotencyKey),
			slog.String("kind", string(u.Kind)),
		)
	}
}

// classifySubmitErr decides whether a CLOB failure is safe to retry under
// the same client order id.
func classifySubmitErr(err error) error {
	var httpErr *HTTPError
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return executor.Retryable(err)
	case errors.As(err, &httpErr) && httpErr.Transient():
		return executor.Retryable(err)
	case errors.Is(err, context.DeadlineExceeded):
		return executor.Retryable(err)
	default:
		return err
	}
}

var _ executor.Transport = (*LiveTransport)(nil)
