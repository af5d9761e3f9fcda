package kite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commandServer accepts one websocket per dial and forwards every text
// command it receives.
func commandServer(t *testing.T) (*httptest.Server, <-chan command) {
	t.Helper()
	cmds := make(chan command, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if json.Unmarshal(msg, &cmd) == nil {
				cmds <- cmd
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cmds
}

func newTestTicker(srv *httptest.Server) *Ticker {
	return NewTicker(TickerConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "key",
		AccessToken: "token",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func nextCommand(t *testing.T, cmds <-chan command) command {
	t.Helper()
	select {
	case cmd := <-cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return command{}
	}
}

func TestTicker_ConnectRestoresSubscriptions(t *testing.T) {
	srv, cmds := commandServer(t)
	tk := newTestTicker(srv)
	t.Cleanup(func() { _ = tk.Close() })

	require.NoError(t, tk.Subscribe(1002, 1001))
	require.NoError(t, tk.Connect(context.Background()))
	assert.True(t, tk.Connected())

	sub := nextCommand(t, cmds)
	assert.Equal(t, "subscribe", sub.Action)
	assert.Equal(t, []any{float64(1001), float64(1002)}, sub.Value)
	mode := nextCommand(t, cmds)
	assert.Equal(t, "mode", mode.Action)
}

func TestTicker_FailedRestoreReleasesConn(t *testing.T) {
	srv, _ := commandServer(t)
	tk := newTestTicker(srv)
	t.Cleanup(func() { _ = tk.Close() })
	require.NoError(t, tk.Subscribe(1001))

	target, err := tk.cfg.streamURL()
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	// Writes on a locally closed conn fail at once.
	require.NoError(t, conn.NetConn().Close())

	tk.mu.Lock()
	err = tk.attach(conn)
	current := tk.conn
	tk.mu.Unlock()

	require.ErrorContains(t, err, "restore subscriptions")
	assert.Nil(t, current)
	assert.False(t, tk.Connected())
	// The token stays tracked for the next connect.
	assert.Equal(t, []int64{1001}, tk.Subscribed())
	require.NoError(t, tk.Subscribe(1001))
}
