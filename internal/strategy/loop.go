// Package strategy runs the polling entry/exit loop over the configured
// indices until the trading cutoff.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/metrics"
)

// Quotes returns the last traded price of an instrument.
type Quotes interface {
	LTP(ctx context.Context, token int64) (decimal.Decimal, error)
}

// History returns bars with precomputed signal flags, oldest first.
type History interface {
	History(ctx context.Context, token int64, interval string, lookbackDays int) ([]domain.Bar, error)
}

// Catalog resolves the contract pair for a leg.
type Catalog interface {
	FindOption(ctx context.Context, underlying string, dir domain.Direction, ref decimal.Decimal) (domain.ContractPair, error)
}

// Positions is the slice of the position service the loop drives.
type Positions interface {
	OpenByIndex(ctx context.Context, index string) ([]domain.Position, error)
	Open(ctx context.Context, index string, pair domain.ContractPair, entry decimal.Decimal, dir domain.Direction) (domain.Position, error)
	CloseStrategic(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error)
}

// Subscriber adds instruments to the tick feed.
type Subscriber interface {
	Subscribe(tokens ...int64) error
}

// DayCloseHook runs once after the end-of-day exits, with the number of
// positions closed.
type DayCloseHook func(ctx context.Context, closed int) error

// Config tunes the loop.
type Config struct {
	Indices        []domain.Index
	PollInterval   time.Duration
	Cutoff         time.Duration // offset from local midnight
	Location       *time.Location
	ShortInterval  string
	MediumInterval string
	LookbackDays   int
	EntryLockTTL   time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Cutoff <= 0 {
		c.Cutoff = 15*time.Hour + 15*time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.ShortInterval == "" {
		c.ShortInterval = "minute"
	}
	if c.MediumInterval == "" {
		c.MediumInterval = "3minute"
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 2
	}
	if c.EntryLockTTL <= 0 {
		c.EntryLockTTL = 30 * time.Second
	}
}

// Loop polls every index on a fixed cadence. With no open position it looks
// for an entry on the call leg and then the put leg; with an open position
// it looks for the exit signal. At the cutoff it closes everything and
// returns.
type Loop struct {
	cfg       Config
	quotes    Quotes
	history   History
	catalog   Catalog
	positions Positions
	feed      Subscriber
	locks     domain.LockManager
	hooks     []DayCloseHook
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Loop. locks may be nil for a single-process run.
func New(cfg Config, quotes Quotes, history History, catalog Catalog, positions Positions, feed Subscriber, locks domain.LockManager, logger *slog.Logger) *Loop {
	cfg.defaults()
	return &Loop{
		cfg:       cfg,
		quotes:    quotes,
		history:   history,
		catalog:   catalog,
		positions: positions,
		feed:      feed,
		locks:     locks,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "strategy_loop")),
	}
}

// OnDayClose registers a hook run after the end-of-day exits.
func (l *Loop) OnDayClose(h DayCloseHook) {
	l.hooks = append(l.hooks, h)
}

// Run iterates until the cutoff or until ctx is cancelled. Reaching the
// cutoff closes every open position, retrying until none is left, and
// returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("strategy loop started",
		slog.Int("indices", len(l.cfg.Indices)),
		slog.Duration("poll_interval", l.cfg.PollInterval),
	)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.PastCutoff(l.now()) {
			return l.closeDay(ctx)
		}
		l.Iterate(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PastCutoff reports whether t is strictly after the trading cutoff of its
// day in the configured timezone. The cutoff instant itself still trades.
func (l *Loop) PastCutoff(t time.Time) bool {
	local := t.In(l.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.cfg.Location)
	return local.Sub(midnight) > l.cfg.Cutoff
}

// Iterate runs one pass over every index.
func (l *Loop) Iterate(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.IterationDuration.Observe(time.Since(start).Seconds()) }()

	for _, idx := range l.cfg.Indices {
		if ctx.Err() != nil {
			return
		}
		l.iterateIndex(ctx, idx)
	}
}

// iterateIndex runs one index. A panic is logged and counted so the other
// indices and later passes still run.
func (l *Loop) iterateIndex(ctx context.Context, idx domain.Index) {
	defer func() {
		if r := recover(); r != nil {
			l.fail(ctx, idx.Name, "panic", fmt.Errorf("panic: %v", r))
		}
	}()

	open, err := l.positions.OpenByIndex(ctx, idx.Name)
	if err != nil {
		l.fail(ctx, idx.Name, "positions", err)
		return
	}
	if len(open) == 0 {
		l.tryEntry(ctx, idx)
		return
	}
	for _, pos := range open {
		l.checkExit(ctx, pos)
	}
}

func (l *Loop) tryEntry(ctx context.Context, idx domain.Index) {
	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, "entry:"+idx.Name, l.cfg.EntryLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			l.logger.DebugContext(ctx, "entry lock held elsewhere", slog.String("index", idx.Name))
			return
		}
		if err != nil {
			l.fail(ctx, idx.Name, "lock", err)
			return
		}
		defer unlock()

		// Another process may have entered between the check and the lock.
		open, err := l.positions.OpenByIndex(ctx, idx.Name)
		if err != nil {
			l.fail(ctx, idx.Name, "positions", err)
			return
		}
		if len(open) > 0 {
			return
		}
	}

	ref, err := l.quotes.LTP(ctx, idx.Token)
	if err != nil {
		l.fail(ctx, idx.Name, "index_ltp", err)
		return
	}

	for _, dir := range domain.Legs {
		entered, err := l.tryLeg(ctx, idx, dir, ref)
		if err != nil {
			l.fail(ctx, idx.Name, "entry_"+dir.String(), err)
			continue
		}
		if entered {
			return
		}
	}
}

// tryLeg evaluates one leg and opens a position on a buy signal.
func (l *Loop) tryLeg(ctx context.Context, idx domain.Index, dir domain.Direction, ref decimal.Decimal) (bool, error) {
	pair, err := l.catalog.FindOption(ctx, idx.Name, dir, ref)
	if err != nil {
		return false, err
	}
	token := pair.Primary.Token

	short, err := l.history.History(ctx, token, l.cfg.ShortInterval, l.cfg.LookbackDays)
	if err != nil {
		return false, fmt.Errorf("short bars: %w", err)
	}
	medium, err := l.history.History(ctx, token, l.cfg.MediumInterval, l.cfg.LookbackDays)
	if err != nil {
		return false, fmt.Errorf("medium bars: %w", err)
	}

	signal, err := domain.SecondLast(short)
	if err != nil {
		return false, fmt.Errorf("short bars: %w", err)
	}
	trend, err := domain.Last(medium)
	if err != nil {
		return false, fmt.Errorf("medium bars: %w", err)
	}
	if !signal.BuySignal || !trend.BuySignal {
		return false, nil
	}

	last, _ := domain.Last(short)
	pos, err := l.positions.Open(ctx, idx.Name, pair, last.Close, dir)
	if err != nil {
		return false, err
	}
	if err := l.feed.Subscribe(pos.Token); err != nil {
		// The row exists; the tracker picks the token up on restart.
		l.logger.ErrorContext(ctx, "subscribe entry token",
			slog.String("position_id", pos.ID),
			slog.Int64("token", pos.Token),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}

func (l *Loop) checkExit(ctx context.Context, pos domain.Position) {
	short, err := l.history.History(ctx, pos.Token, l.cfg.ShortInterval, l.cfg.LookbackDays)
	if err != nil {
		l.fail(ctx, pos.IndexName, "exit_bars", err)
		return
	}
	signal, err := domain.SecondLast(short)
	if err != nil {
		l.fail(ctx, pos.IndexName, "exit_bars", err)
		return
	}
	if !signal.SellSignal {
		return
	}
	last, _ := domain.Last(short)
	if _, err := l.positions.CloseStrategic(ctx, pos, last.Close, domain.ReasonStrategyExit); err != nil {
		l.fail(ctx, pos.IndexName, "exit", err)
	}
}

// closeDay exits every open position at its current LTP. Positions whose
// quote or write fails are retried every poll interval; the hooks run only
// once no index has an open position left.
func (l *Loop) closeDay(ctx context.Context) error {
	l.logger.InfoContext(ctx, "trading cutoff reached, closing positions")
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	closed := 0
	for attempt := 1; ; attempt++ {
		n, remaining := l.closeOpen(ctx)
		closed += n
		if remaining == 0 {
			break
		}
		l.logger.WarnContext(ctx, "positions still open after day close pass",
			slog.Int("attempt", attempt),
			slog.Int("remaining", remaining),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("strategy: day close: %d positions left open: %w", remaining, ctx.Err())
		case <-ticker.C:
		}
	}

	var errs []error
	for _, h := range l.hooks {
		if err := h(ctx, closed); err != nil {
			errs = append(errs, err)
		}
	}
	l.logger.InfoContext(ctx, "trading day closed", slog.Int("closed", closed))
	if len(errs) > 0 {
		return fmt.Errorf("strategy: day close hooks: %w", errors.Join(errs...))
	}
	return nil
}

// closeOpen makes one pass over every index and reports how many positions
// it closed and how many are still open or could not be listed.
func (l *Loop) closeOpen(ctx context.Context) (closed, remaining int) {
	for _, idx := range l.cfg.Indices {
		open, err := l.positions.OpenByIndex(ctx, idx.Name)
		if err != nil {
			l.fail(ctx, idx.Name, "eod_positions", err)
			remaining++
			continue
		}
		for _, pos := range open {
			ltp, err := l.quotes.LTP(ctx, pos.Token)
			if err != nil {
				l.fail(ctx, idx.Name, "eod_ltp", err)
				remaining++
				continue
			}
			if _, err := l.positions.CloseStrategic(ctx, pos, ltp, domain.ReasonEndOfDay); err != nil {
				l.fail(ctx, idx.Name, "eod_exit", err)
				remaining++
				continue
			}
			closed++
		}
	}
	return closed, remaining
}

func (l *Loop) fail(ctx context.Context, index, stage string, err error) {
	metrics.IterationErrors.WithLabelValues(index, stage).Inc()
	l.logger.ErrorContext(ctx, "strategy step failed",
		slog.String("index", index),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}
