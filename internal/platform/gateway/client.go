// Package gateway submits buy and sell orders to the secondary venue's
// order-placement endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/optionbot/internal/crypto"
	"github.com/alanyoungcy/optionbot/internal/domain"
)

const placeOrderPath = "/api/place_order"

// Client posts orders to the gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
}

// NewClient creates a gateway client. hmac may be nil when the gateway runs
// unauthenticated on localhost.
func NewClient(baseURL string, timeout time.Duration, hmac *crypto.HMACAuth) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		hmacAuth:   hmac,
	}
}

type placeOrderRequest struct {
	BuyOrSell     string `json:"buy_or_sell"`
	ProductType   string `json:"product_type"`
	TradingSymbol string `json:"tradingsymbol"`
	LotSize       int64  `json:"lot_size"`
}

type placeOrderResponse struct {
	Status  string `json:"stat"`
	OrderID string `json:"norenordno"`
	Message string `json:"emsg"`
}

// PlaceOrder submits the order. The body of a 2xx answer is decoded when it
// looks like an order acknowledgement and otherwise ignored.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	payload, err := json.Marshal(placeOrderRequest{
		BuyOrSell:     req.Side.Code(),
		ProductType:   req.ProductType,
		TradingSymbol: req.TradingSymbol,
		LotSize:       req.LotSize,
	})
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("gateway: marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+placeOrderPath, bytes.NewReader(payload))
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("gateway: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.Headers(http.MethodPost, placeOrderPath, string(payload)) {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("gateway: place order %s: %w", req.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.OrderResult{}, fmt.Errorf("gateway: place order %s: HTTP %d: %s", req.ID, resp.StatusCode, body)
	}

	result := domain.OrderResult{Accepted: true}
	var ack placeOrderResponse
	if json.Unmarshal(body, &ack) == nil {
		result.OrderID = ack.OrderID
		result.Message = ack.Message
		if ack.Status == "Not_Ok" {
			result.Accepted = false
			return result, fmt.Errorf("gateway: order %s rejected: %s: %w", req.ID, ack.Message, domain.ErrInvalidOrder)
		}
	}
	return result, nil
}

// LogOnly is a gateway that only logs orders. Used for paper trading.
type LogOnly struct {
	logger *slog.Logger
}

// NewLogOnly creates a paper gateway.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{logger: logger.With(slog.String("component", "paper_gateway"))}
}

// PlaceOrder logs the order and reports it accepted.
func (g *LogOnly) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.logger.Info("paper order",
		slog.String("request_id", req.ID),
		slog.String("position_id", req.PositionID),
		slog.String("side", string(req.Side)),
		slog.String("symbol", req.TradingSymbol),
		slog.Int64("lot_size", req.LotSize),
	)
	return domain.OrderResult{Accepted: true, OrderID: "paper-" + req.ID}, nil
}
