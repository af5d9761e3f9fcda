package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

type fakeSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersAndJoinsErrors(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{ok, bad}, []string{"stoploss_exit", " "}, discard())

	require.True(t, n.Enabled())
	assert.False(t, n.Allows("position_opened"))
	require.NoError(t, n.Notify(context.Background(), "position_opened", "t", "m"))
	assert.Empty(t, ok.sent())

	err := n.Notify(context.Background(), "stoploss_exit", "hit", "m")
	assert.ErrorContains(t, err, "bad: boom")
	assert.Equal(t, []string{"hit"}, ok.sent())

	assert.True(t, NewNotifier(nil, nil, discard()).Allows("anything"))
}

func TestFormat(t *testing.T) {
	profit := decimal.NewFromInt(-775)
	title, body := Format(domain.PositionEvent{
		Type:          domain.EventStopLossExit,
		PositionID:    "p1",
		IndexName:     "BANKNIFTY",
		TradingSymbol: "BANKNIFTY24JAN49900CE",
		Price:         decimal.NewFromInt(469),
		Profit:        &profit,
	})
	assert.Equal(t, "Stop-loss hit on BANKNIFTY", title)
	assert.Equal(t, "Symbol: BANKNIFTY24JAN49900CE\nPrice: 469.00\nP&L: -775.00\nPosition: p1", body)

	title, _ = Format(domain.PositionEvent{Type: domain.EventPositionOpened, IndexName: "NIFTY", Direction: "put"})
	assert.Equal(t, "Entered NIFTY PUT", title)

	title, body = Format(domain.PositionEvent{Type: domain.EventTradingDayClosed, Reason: "2 positions closed"})
	assert.Equal(t, "Trading day closed", title)
	assert.Equal(t, "2 positions closed", body)

	_, body = Format(domain.PositionEvent{Type: domain.EventOrderFailed, Reason: "exit sell: queue full"})
	assert.Equal(t, "Error: exit sell: queue full", body)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL + "/"
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "discord: unexpected status 401")
}

type chanBus struct {
	domain.SignalBus
	ch chan []byte
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func TestRelay_ForwardsEvents(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	bus := &chanBus{ch: make(chan []byte, 2)}
	relay := NewRelay(bus, NewNotifier([]Sender{sender}, nil, discard()), discard())

	evt, err := json.Marshal(domain.PositionEvent{Type: domain.EventStrategicExit, IndexName: "BANKNIFTY", Reason: domain.ReasonEndOfDay})
	require.NoError(t, err)
	bus.ch <- []byte("not json")
	bus.ch <- evt

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"Exited BANKNIFTY (End of Day)"}, sender.sent())
}
