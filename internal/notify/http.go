package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// poster sends JSON bodies to a chat API, paced so a burst of events does not
// trip the provider's flood limits.
type poster struct {
	name    string
	client  *http.Client
	limiter *rate.Limiter
}

func newPoster(name string, perSecond float64) poster {
	return poster{
		name:    name,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

func (p poster) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", p.name, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", p.name, resp.StatusCode, string(respBody))
	}
	return nil
}
