package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/crypto"
	"github.com/alanyoungcy/optionbot/internal/domain"
)

func sellRequest() domain.OrderRequest {
	return domain.OrderRequest{
		ID:            "req-1",
		PositionID:    "pos-1",
		Leg:           domain.OrderLegExit,
		Side:          domain.OrderSideSell,
		ProductType:   "M",
		TradingSymbol: "BANKNIFTY25JAN24C49900",
		LotSize:       15,
	}
}

func TestClient_PlaceOrder(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "gw", Secret: "s"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, placeOrderPath, r.URL.Path)
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.True(t, auth.Verify(http.MethodPost, placeOrderPath, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature)))

		var got map[string]any
		assert.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "S", got["buy_or_sell"])
		assert.Equal(t, "M", got["product_type"])
		assert.Equal(t, "BANKNIFTY25JAN24C49900", got["tradingsymbol"])
		assert.EqualValues(t, 15, got["lot_size"])

		_, _ = w.Write([]byte(`{"stat":"Ok","norenordno":"24012200001"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, time.Second, auth).PlaceOrder(context.Background(), sellRequest())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "24012200001", res.OrderID)
}

func TestClient_PlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stat":"Not_Ok","emsg":"insufficient margin"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, time.Second, nil).PlaceOrder(context.Background(), sellRequest())
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient margin", res.Message)
}

func TestClient_PlaceOrderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(crypto.HeaderSignature))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, nil).PlaceOrder(context.Background(), sellRequest())
	assert.ErrorContains(t, err, "HTTP 502")
}

func TestLogOnly(t *testing.T) {
	res, err := NewLogOnly(slog.New(slog.NewTextHandler(io.Discard, nil))).PlaceOrder(context.Background(), sellRequest())
	require.NoError(t, err)
	assert.Equal(t, "paper-req-1", res.OrderID)
}
