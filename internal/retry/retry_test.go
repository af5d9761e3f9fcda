package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// instantTimer fires at once and records each requested wait.
type instantTimer struct {
	slept *[]time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	*t.slept = append(*t.slept, d)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func fastPolicy(maxRetries int) (*Policy, *[]time.Duration) {
	slept := new([]time.Duration)
	p := New(Config{MaxRetries: maxRetries, InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2})
	p.timer = func() backoff.Timer {
		return &instantTimer{slept: slept, c: make(chan time.Time, 1)}
	}
	return p, slept
}

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	p, slept := fastPolicy(3)
	var attempts []int
	p.OnRetry(func(attempt int, _ error) { attempts = append(attempts, attempt) })

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestPolicy_GivesUp(t *testing.T) {
	p, slept := fastPolicy(2)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestPolicy_PermanentErrors(t *testing.T) {
	for _, perm := range []error{domain.ErrStopLossRecorded, domain.ErrPositionClosed, domain.ErrNotFound, context.Canceled} {
		p, _ := fastPolicy(3)
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return fmt.Errorf("wrapped: %w", perm)
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls, "%v", perm)
	}
}

func TestPolicy_CancelledWhileWaiting(t *testing.T) {
	p := New(Config{MaxRetries: 3, InitialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context) error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "boom")
}

func TestNew_FillsDefaults(t *testing.T) {
	p := New(Config{MaxRetries: -1})
	assert.Equal(t, 0, p.cfg.MaxRetries)
	assert.Equal(t, DefaultConfig().InitialDelay, p.cfg.InitialDelay)
	assert.Equal(t, DefaultConfig().Multiplier, p.cfg.Multiplier)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p, slept := fastPolicy(4)
	err := p.Do(context.Background(), func(context.Context) error { return errors.New("reset by peer") })
	assert.EqualError(t, err, "reset by peer")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}, *slept)
}
