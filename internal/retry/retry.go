// Package retry re-runs store writes with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig suits a database write on the hot path: three retries
// within about a second.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

// Policy retries an operation.
type Policy struct {
	cfg     Config
	onRetry func(attempt int, err error)
	timer   func() backoff.Timer
}

// New returns a Policy, filling zero fields from DefaultConfig.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Policy{cfg: cfg}
}

// OnRetry installs a callback run before each retry.
func (p *Policy) OnRetry(fn func(attempt int, err error)) *Policy {
	p.onRetry = fn
	return p
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialDelay
	b.MaxInterval = p.cfg.MaxDelay
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries)), ctx)
}

// Do runs fn until it succeeds, returns a permanent error, or the retries
// are used up.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		lastErr error
		retries int
	)
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		retries++
		if p.onRetry != nil {
			p.onRetry(retries, err)
		}
	}

	var timer backoff.Timer
	if p.timer != nil {
		timer = p.timer()
	}
	err := backoff.RetryNotifyWithTimer(op, p.backOff(ctx), notify, timer)
	// The backoff returns only the context error when cancelled mid-wait.
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) && lastErr != nil && !errors.Is(lastErr, cerr) {
		return fmt.Errorf("retry cancelled: %w", errors.Join(err, lastErr))
	}
	return err
}

// Retryable reports whether err is worth another attempt. Domain outcomes
// and cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrStopLossRecorded),
		errors.Is(err, domain.ErrPositionClosed):
		return false
	default:
		return true
	}
}
