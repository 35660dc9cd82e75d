package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polymirror/mirrorbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 60 * time.Second
)

// ActivityHandler is called for every source-wallet trade row pushed on the
// activity channel.
type ActivityHandler func(ActivityTrade)

// UserOrderHandler is called for every lifecycle message on the
// authenticated user channel.
type UserOrderHandler func(UserOrderMessage)

// WSClient is a reconnecting WebSocket client for the Polymarket real-time
// endpoints. One instance serves either the public activity feed or the
// authenticated user channel, depending on the subscriptions sent.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Subscriptions to restore after reconnect.
	subscriptions []WSCommand

	handlerMu        sync.RWMutex
	activityHandlers []ActivityHandler
	userHandlers     []UserOrderHandler

	done chan struct{}
}

// NewWSClient creates a client for the given WebSocket URL.
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the connection and starts the read and ping loops.
// Previously sent subscriptions are replayed, so reconnects are transparent
// to the caller.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	for _, cmd := range w.subscriptions {
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscription: %w", err)
		}
	}
	return nil
}

// SubscribeActivity subscribes to the trade activity of one wallet.
func (w *WSClient) SubscribeActivity(wallet string) error {
	return w.subscribe(WSCommand{
		Type:    "subscribe",
		Channel: "activity",
		Markets: nil,
		Assets:  nil,
		Auth:    nil,
	}, wallet)
}

// SubscribeUser subscribes to the authenticated user channel carrying the
// mirror wallet's own order and trade lifecycle messages.
func (w *WSClient) SubscribeUser(auth WSAuth, markets []string) error {
	return w.subscribe(WSCommand{
		Type:    "subscribe",
		Channel: "user",
		Markets: markets,
		Auth:    &auth,
	}, "")
}

func (w *WSClient) subscribe(cmd WSCommand, wallet string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}
	if wallet != "" {
		cmd.Assets = []string{wallet}
	}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe %s: %w", cmd.Channel, err)
	}
	w.subscriptions = append(w.subscriptions, cmd)
	return nil
}

// OnActivity registers a handler for source-wallet trade rows.
func (w *WSClient) OnActivity(handler ActivityHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.activityHandlers = append(w.activityHandlers, handler)
}

// OnUserOrder registers a handler for user-channel lifecycle messages.
func (w *WSClient) OnUserOrder(handler UserOrderHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.userHandlers = append(w.userHandlers, handler)
}

// Close shuts down the connection and stops the loops.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads and dispatches messages until disconnect, then reconnects
// with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return // the new connection starts its own readLoop
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps the connection alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes a raw message by its envelope. Messages arrive either
// as a single object or as an array of rows; both shapes are accepted.
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return
		}
		for _, r := range rows {
			w.dispatchOne(r)
		}
		return
	}
	w.dispatchOne(raw)
}

func (w *WSClient) dispatchOne(raw []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // silently drop unparseable messages
	}

	switch envelope.EventType {
	case "order", "trade":
		var msg UserOrderMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		w.handlerMu.RLock()
		handlers := w.userHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}
	default:
		// Anything carrying a side and size is treated as an activity row.
		var trade ActivityTrade
		if err := json.Unmarshal(raw, &trade); err != nil {
			return
		}
		if trade.Side.String() == "" || trade.Size.String() == "" {
			return
		}
		w.handlerMu.RLock()
		handlers := w.activityHandlers
		w.handlerMu.RUnlock()
		for _, h := range handlers {
			h(trade)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff, blocking
// until success or Close.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
