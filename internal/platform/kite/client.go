// Package kite talks to the primary broker: REST quotes and the binary
// websocket tick stream.
package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string // e.g. https://api.kite.trade
	APIKey      string
	AccessToken string
	// EncToken selects browser-session auth; when set AccessToken is unused.
	EncToken          string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is the REST client for quotes.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a REST client. Requests are paced by a token bucket so
// the strategy loop cannot exceed the broker's quote limits.
func NewClient(cfg ClientConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type ltpResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      map[string]struct {
		InstrumentToken int64           `json:"instrument_token"`
		LastPrice       decimal.Decimal `json:"last_price"`
	} `json:"data"`
}

// LTP returns the last traded price of an instrument.
func (c *Client) LTP(ctx context.Context, token int64) (decimal.Decimal, error) {
	key := strconv.FormatInt(token, 10)
	q := url.Values{"i": {key}}

	body, err := c.get(ctx, "/quote/ltp", q)
	if err != nil {
		return decimal.Zero, fmt.Errorf("kite: ltp %d: %w", token, err)
	}

	var resp ltpResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("kite: decode ltp %d: %w", token, err)
	}
	if resp.Status != "success" {
		return decimal.Zero, fmt.Errorf("kite: ltp %d: %s: %s", token, resp.ErrorType, resp.Message)
	}
	quote, ok := resp.Data[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("kite: ltp %d: %w", token, domain.ErrNotFound)
	}
	return quote.LastPrice, nil
}

func (c *Client) authorization() string {
	if c.cfg.EncToken != "" {
		return "enctoken " + c.cfg.EncToken
	}
	return "token " + c.cfg.APIKey + ":" + c.cfg.AccessToken
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	target := c.cfg.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", c.authorization())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}
