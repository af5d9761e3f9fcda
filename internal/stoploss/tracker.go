// Package stoploss holds the per-instrument stop-loss thresholds and forces
// exits when the last traded price breaches them.
package stoploss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/metrics"
)

// Mode selects how a threshold moves after it is set.
type Mode string

const (
	// ModeFixed keeps threshold = entry - offset for the life of the entry.
	ModeFixed Mode = "fixed"
	// ModeTrailing raises the threshold to ltp - offset whenever that is
	// higher. It never lowers it.
	ModeTrailing Mode = "trailing"
)

// Positions is the slice of the position service the tracker needs.
type Positions interface {
	OpenByToken(ctx context.Context, token int64) ([]domain.Position, error)
	StopLossOpen(ctx context.Context) ([]domain.Position, error)
	CloseStopLoss(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error)
}

// Subscriber manages the tick feed subscription set.
type Subscriber interface {
	Subscribe(tokens ...int64) error
	Unsubscribe(tokens ...int64) error
}

// Config tunes the tracker.
type Config struct {
	Offset       decimal.Decimal
	Mode         Mode
	WriteTimeout time.Duration
}

// Tracker maps instrument tokens to stop-loss thresholds. Both long calls
// and long puts lose when the option premium falls, so one "price at or
// below threshold" rule covers both legs.
type Tracker struct {
	positions Positions
	feed      Subscriber
	offset    decimal.Decimal
	mode      Mode
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	thresholds map[int64]decimal.Decimal
	exiting    map[int64]struct{}
}

// New creates a Tracker.
func New(positions Positions, feed Subscriber, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.Mode == "" {
		cfg.Mode = ModeFixed
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Tracker{
		positions:  positions,
		feed:       feed,
		offset:     cfg.Offset,
		mode:       cfg.Mode,
		timeout:    cfg.WriteTimeout,
		logger:     logger.With(slog.String("component", "stoploss_tracker")),
		thresholds: make(map[int64]decimal.Decimal),
		exiting:    make(map[int64]struct{}),
	}
}

// OnTicks processes a batch of ticks in order.
func (t *Tracker) OnTicks(ctx context.Context, ticks []domain.Tick) {
	for _, tick := range ticks {
		t.OnTick(ctx, tick)
	}
}

// OnTick evaluates one tick. A token with no live stop-loss-open position is
// dropped from tracking. The first tick for a tracked position sets the
// threshold; a tick at or below the threshold forces the exit.
func (t *Tracker) OnTick(ctx context.Context, tick domain.Tick) {
	metrics.TicksProcessed.Inc()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	open, err := t.positions.OpenByToken(ctx, tick.Token)
	if err != nil {
		t.logger.ErrorContext(ctx, "load positions for tick",
			slog.Int64("token", tick.Token),
			slog.String("error", err.Error()),
		)
		return
	}
	open = live(open)
	if len(open) == 0 {
		t.Forget(tick.Token)
		return
	}

	threshold, breached, ok := t.evaluate(tick.Token, open[0].EntryPrice, tick.LastPrice)
	if !ok {
		// Another goroutine is already exiting this token.
		return
	}
	if !breached {
		return
	}
	defer t.finishExit(tick.Token)

	t.logger.WarnContext(ctx, "stop-loss breached",
		slog.Int64("token", tick.Token),
		slog.String("ltp", tick.LastPrice.String()),
		slog.String("threshold", threshold.String()),
	)
	for _, pos := range open {
		_, err := t.positions.CloseStopLoss(ctx, pos, tick.LastPrice, domain.ReasonStopLoss)
		switch {
		case err == nil:
			metrics.StopLossTriggers.WithLabelValues("ok").Inc()
		case errors.Is(err, domain.ErrStopLossRecorded):
			metrics.StopLossTriggers.WithLabelValues("rejected").Inc()
			t.logger.InfoContext(ctx, "stop-loss already recorded", slog.String("position_id", pos.ID))
		default:
			metrics.StopLossTriggers.WithLabelValues("error").Inc()
			t.logger.ErrorContext(ctx, "stop-loss exit failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// evaluate sets or advances the threshold for token and reports whether ltp
// breaches it. When breached the token is marked as exiting; ok is false if
// it already was.
func (t *Tracker) evaluate(token int64, entry, ltp decimal.Decimal) (threshold decimal.Decimal, breached, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.exiting[token]; busy {
		return decimal.Zero, false, false
	}

	threshold, tracked := t.thresholds[token]
	if !tracked {
		threshold = entry.Sub(t.offset)
		t.thresholds[token] = threshold
		metrics.TrackedTokens.Set(float64(len(t.thresholds)))
		t.logger.Info("stop-loss set",
			slog.Int64("token", token),
			slog.String("entry", entry.String()),
			slog.String("threshold", threshold.String()),
		)
	} else if t.mode == ModeTrailing {
		if candidate := ltp.Sub(t.offset); candidate.GreaterThan(threshold) {
			threshold = candidate
			t.thresholds[token] = threshold
		}
	}

	if ltp.LessThanOrEqual(threshold) {
		t.exiting[token] = struct{}{}
		return threshold, true, true
	}
	return threshold, false, true
}

// finishExit removes the token from tracking and from the feed.
func (t *Tracker) finishExit(token int64) {
	t.mu.Lock()
	delete(t.exiting, token)
	t.mu.Unlock()
	t.Forget(token)
}

// Forget drops the token's threshold and unsubscribes it.
func (t *Tracker) Forget(token int64) {
	t.mu.Lock()
	_, tracked := t.thresholds[token]
	delete(t.thresholds, token)
	metrics.TrackedTokens.Set(float64(len(t.thresholds)))
	t.mu.Unlock()

	if err := t.feed.Unsubscribe(token); err != nil {
		t.logger.Warn("unsubscribe failed", slog.Int64("token", token), slog.String("error", err.Error()))
	}
	if tracked {
		t.logger.Info("stop-loss untracked", slog.Int64("token", token))
	}
}

// Rehydrate seeds thresholds from every stop-loss-open position and
// subscribes their tokens. Positions whose entry order never got out are
// logged for manual reconciliation.
func (t *Tracker) Rehydrate(ctx context.Context) error {
	open, err := t.positions.StopLossOpen(ctx)
	if err != nil {
		return fmt.Errorf("stoploss: rehydrate: %w", err)
	}
	open = live(open)

	tokens := make([]int64, 0, len(open))
	t.mu.Lock()
	for _, pos := range open {
		if _, ok := t.thresholds[pos.Token]; !ok {
			t.thresholds[pos.Token] = pos.EntryPrice.Sub(t.offset)
			tokens = append(tokens, pos.Token)
		}
	}
	metrics.TrackedTokens.Set(float64(len(t.thresholds)))
	t.mu.Unlock()

	for _, pos := range open {
		if pos.EntryOrderStatus != domain.OrderLegSubmitted {
			t.logger.WarnContext(ctx, "open position without a confirmed entry order",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.SecondaryTradingSymbol),
				slog.String("entry_order_status", string(pos.EntryOrderStatus)),
			)
		}
	}

	if len(tokens) > 0 {
		if err := t.feed.Subscribe(tokens...); err != nil {
			return fmt.Errorf("stoploss: rehydrate subscribe: %w", err)
		}
	}
	t.logger.InfoContext(ctx, "stop-loss tracker rehydrated", slog.Int("tokens", len(tokens)))
	return nil
}

// live keeps positions without a strategic exit. A strategic exit already
// sold the contract, so its stop-loss leg must not sell again.
func live(positions []domain.Position) []domain.Position {
	out := positions[:0:0]
	for _, p := range positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// Threshold returns the current threshold for token.
func (t *Tracker) Threshold(token int64) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.thresholds[token]
	return th, ok
}

// Snapshot returns a copy of all thresholds.
func (t *Tracker) Snapshot() map[int64]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]decimal.Decimal, len(t.thresholds))
	for k, v := range t.thresholds {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked tokens.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.thresholds)
}
