// Package signals fetches historical bars with precomputed buy/sell flags
// from the external signal service.
package signals

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

// ClientConfig configures the signal service client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is the REST client for the signal service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a signal service client.
func NewClient(cfg ClientConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 2),
	}
}

type historyResponse struct {
	Bars []struct {
		Time       time.Time       `json:"time"`
		Close      decimal.Decimal `json:"close"`
		BuySignal  bool            `json:"buy_signal"`
		SellSignal bool            `json:"sell_signal"`
	} `json:"bars"`
	Error string `json:"error,omitempty"`
}

// History returns bars of the given interval ("minute", "3minute", ...)
// covering the last lookbackDays days, oldest first.
func (c *Client) History(ctx context.Context, token int64, interval string, lookbackDays int) ([]domain.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("signals: rate limit: %w", err)
	}

	q := url.Values{
		"token":    {strconv.FormatInt(token, 10)},
		"interval": {interval},
		"days":     {strconv.Itoa(lookbackDays)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("signals: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signals: history %d %s: %w", token, interval, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signals: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signals: history %d %s: HTTP %d: %s", token, interval, resp.StatusCode, body)
	}

	var hr historyResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, fmt.Errorf("signals: decode history: %w", err)
	}
	if hr.Error != "" {
		return nil, fmt.Errorf("signals: history %d %s: %s", token, interval, hr.Error)
	}

	bars := make([]domain.Bar, len(hr.Bars))
	for i, b := range hr.Bars {
		bars[i] = domain.Bar{Time: b.Time, Close: b.Close, BuySignal: b.BuySignal, SellSignal: b.SellSignal}
	}
	return bars, nil
}
