// Package feed connects the broker tick stream to the stop-loss tracker and
// the LTP cache.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/platform/kite"
)

// Stream is the websocket tick source.
type Stream interface {
	Connect(ctx context.Context) error
	Subscribe(tokens ...int64) error
	Unsubscribe(tokens ...int64) error
	OnTicks(h kite.TickHandler)
	Connected() bool
	Close() error
}

// Handler consumes a batch of ticks.
type Handler func(ctx context.Context, ticks []domain.Tick)

// TickFeed moves tick batches off the websocket read loop onto a single
// dispatch goroutine, so handlers run serially and slow store writes never
// stall the socket.
type TickFeed struct {
	stream   Stream
	prices   domain.PriceCache
	handlers []Handler
	queue    chan []domain.Tick
	logger   *slog.Logger
}

// NewTickFeed creates a TickFeed. prices may be nil.
func NewTickFeed(stream Stream, prices domain.PriceCache, bufferSize int, logger *slog.Logger) *TickFeed {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	f := &TickFeed{
		stream: stream,
		prices: prices,
		queue:  make(chan []domain.Tick, bufferSize),
		logger: logger.With(slog.String("component", "tick_feed")),
	}
	stream.OnTicks(f.enqueue)
	return f
}

// Handle registers a tick handler. Must be called before Run.
func (f *TickFeed) Handle(h Handler) {
	f.handlers = append(f.handlers, h)
}

// Subscribe adds tokens to the stream. Repeated tokens are ignored.
func (f *TickFeed) Subscribe(tokens ...int64) error {
	if err := f.stream.Subscribe(tokens...); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes tokens from the stream.
func (f *TickFeed) Unsubscribe(tokens ...int64) error {
	if err := f.stream.Unsubscribe(tokens...); err != nil {
		return fmt.Errorf("feed: unsubscribe: %w", err)
	}
	return nil
}

// Connected reports whether the stream is up.
func (f *TickFeed) Connected() bool { return f.stream.Connected() }

// Run connects the stream, retrying with backoff, then dispatches ticks
// until ctx is done. The stream is closed cleanly before Run returns.
func (f *TickFeed) Run(ctx context.Context) error {
	defer func() {
		if err := f.stream.Close(); err != nil {
			f.logger.Warn("close stream", slog.String("error", err.Error()))
		}
		f.logger.Info("tick feed stopped")
	}()

	if err := f.connect(ctx); err != nil {
		return err
	}
	f.logger.Info("tick feed started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ticks := <-f.queue:
			f.dispatch(ctx, ticks)
		}
	}
}

func (f *TickFeed) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return f.stream.Connect(connCtx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		f.logger.Warn("stream connect failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
	})
}

// enqueue runs on the websocket goroutine.
func (f *TickFeed) enqueue(ticks []domain.Tick) {
	select {
	case f.queue <- ticks:
	default:
		f.logger.Warn("tick queue full, dropping batch", slog.Int("ticks", len(ticks)))
	}
}

func (f *TickFeed) dispatch(ctx context.Context, ticks []domain.Tick) {
	if f.prices != nil {
		for _, t := range ticks {
			if err := f.prices.SetPrice(ctx, t.Token, t.LastPrice, t.Received); err != nil {
				f.logger.Debug("cache ltp failed", slog.Int64("token", t.Token), slog.String("error", err.Error()))
			}
		}
	}
	for _, h := range f.handlers {
		h(ctx, ticks)
	}
}
