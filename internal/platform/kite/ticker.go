package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// ModeFull asks the ticker for full market-depth packets.
const ModeFull = "full"

// TickHandler receives every batch of ticks decoded from one frame.
type TickHandler func([]domain.Tick)

// TickerConfig configures the streaming connection.
type TickerConfig struct {
	URL         string // e.g. wss://ws.kite.trade
	APIKey      string
	AccessToken string
	// UserID and EncToken select browser-session auth instead of an API
	// access token.
	UserID   string
	EncToken string
}

// streamURL builds the authenticated websocket URL.
func (c TickerConfig) streamURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("kite/ticker: parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.APIKey)
	if c.EncToken != "" {
		q.Set("user_id", c.UserID)
		q.Set("enctoken", c.EncToken)
	} else {
		q.Set("access_token", c.AccessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type command struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// Ticker is a websocket client for the broker's binary tick stream. It keeps
// the subscribed token set so subscriptions survive reconnects.
type Ticker struct {
	cfg    TickerConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	tokens map[int64]struct{}

	handlerMu sync.RWMutex
	handlers  []TickHandler

	connected atomic.Bool
	done      chan struct{}
}

// NewTicker creates a Ticker. Call Connect to open the stream.
func NewTicker(cfg TickerConfig, logger *slog.Logger) *Ticker {
	return &Ticker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "kite_ticker")),
		tokens: make(map[int64]struct{}),
		done:   make(chan struct{}),
	}
}

// OnTicks registers a handler for decoded ticks.
func (t *Ticker) OnTicks(h TickHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Connected reports whether the stream is currently up.
func (t *Ticker) Connected() bool { return t.connected.Load() }

// Connect dials the stream and restores any tracked subscriptions.
func (t *Ticker) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("kite/ticker: %w", domain.ErrWSDisconnect)
	}

	target, err := t.cfg.streamURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("kite/ticker: connect: %w", err)
	}

	if err := t.attach(conn); err != nil {
		return err
	}
	t.logger.Info("ticker connected", slog.Int("tokens", len(t.tokens)))
	return nil
}

// attach restores the tracked subscriptions on a freshly dialled conn and
// only then starts its read and ping loops. On failure the conn is closed
// and the ticker is left disconnected. Requires t.mu.
func (t *Ticker) attach(conn *websocket.Conn) error {
	t.conn = conn
	if len(t.tokens) > 0 {
		if err := t.sendSubscribe(t.tokenList()); err != nil {
			_ = conn.Close()
			t.conn = nil
			t.connected.Store(false)
			return fmt.Errorf("kite/ticker: restore subscriptions: %w", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	t.connected.Store(true)

	go t.readLoop(conn)
	go t.pingLoop(conn)
	return nil
}

// Subscribe adds tokens in full mode. Already subscribed tokens are skipped.
func (t *Ticker) Subscribe(tokens ...int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []int64
	for _, tok := range tokens {
		if _, ok := t.tokens[tok]; ok {
			continue
		}
		t.tokens[tok] = struct{}{}
		fresh = append(fresh, tok)
	}
	if len(fresh) == 0 || t.conn == nil {
		return nil
	}
	if err := t.sendSubscribe(fresh); err != nil {
		return fmt.Errorf("kite/ticker: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes tokens. Unknown tokens are ignored.
func (t *Ticker) Unsubscribe(tokens ...int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var gone []int64
	for _, tok := range tokens {
		if _, ok := t.tokens[tok]; !ok {
			continue
		}
		delete(t.tokens, tok)
		gone = append(gone, tok)
	}
	if len(gone) == 0 || t.conn == nil {
		return nil
	}
	if err := t.send(command{Action: "unsubscribe", Value: gone}); err != nil {
		return fmt.Errorf("kite/ticker: unsubscribe: %w", err)
	}
	return nil
}

// Subscribed returns the tracked tokens in ascending order.
func (t *Ticker) Subscribed() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokenList()
}

// Close sends a close frame and stops the read and ping loops.
func (t *Ticker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	t.connected.Store(false)

	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return t.conn.Close()
}

// tokenList requires t.mu.
func (t *Ticker) tokenList() []int64 {
	out := make([]int64, 0, len(t.tokens))
	for tok := range t.tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sendSubscribe requires t.mu.
func (t *Ticker) sendSubscribe(tokens []int64) error {
	if err := t.send(command{Action: "subscribe", Value: tokens}); err != nil {
		return err
	}
	return t.send(command{Action: "mode", Value: []any{ModeFull, tokens}})
}

// send requires t.mu.
func (t *Ticker) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Ticker) readLoop(conn *websocket.Conn) {
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.connected.Store(false)
			t.logger.Warn("ticker read failed, reconnecting", slog.String("error", err.Error()))
			_ = conn.Close()
			t.reconnect()
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			ticks, err := ParseTicks(msg, time.Now())
			if err != nil {
				t.logger.Warn("malformed tick frame", slog.String("error", err.Error()))
			}
			if len(ticks) > 0 {
				t.dispatch(ticks)
			}
		case websocket.TextMessage:
			t.handleText(msg)
		}
	}
}

func (t *Ticker) handleText(msg []byte) {
	var envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return
	}
	switch envelope.Type {
	case "error":
		t.logger.Error("ticker error message", slog.String("data", string(envelope.Data)))
	case "message":
		t.logger.Info("ticker message", slog.String("data", string(envelope.Data)))
	}
}

func (t *Ticker) dispatch(ticks []domain.Tick) {
	t.handlerMu.RLock()
	handlers := t.handlers
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ticks)
	}
}

func (t *Ticker) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn == conn
			var err error
			if current {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			t.mu.Unlock()
			if !current || err != nil {
				return
			}
		}
	}
}

// reconnect retries Connect with jittered exponential backoff until it
// succeeds or the ticker is closed.
func (t *Ticker) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectDelay
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0
	for {
		delay := b.NextBackOff()
		select {
		case <-t.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		t.logger.Warn("ticker reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("waited", delay),
		)
	}
}
