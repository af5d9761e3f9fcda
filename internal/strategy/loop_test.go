package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/metrics"
	"github.com/alanyoungcy/optionbot/internal/store/memory"
)

const (
	indexToken = 260105
	callToken  = 1001
	putToken   = 1002
)

type fakeQuotes map[int64]decimal.Decimal

func (q fakeQuotes) LTP(_ context.Context, token int64) (decimal.Decimal, error) {
	p, ok := q[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("no quote for %d", token)
	}
	return p, nil
}

// flakyQuotes fails the first failures lookups of each token in fails.
type flakyQuotes struct {
	mu     sync.Mutex
	prices fakeQuotes
	fails  map[int64]int
	calls  map[int64]int
}

func (q *flakyQuotes) LTP(ctx context.Context, token int64) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.calls == nil {
		q.calls = make(map[int64]int)
	}
	q.calls[token]++
	if q.calls[token] <= q.fails[token] {
		return decimal.Zero, fmt.Errorf("quote timeout for %d", token)
	}
	return q.prices.LTP(ctx, token)
}

type fakeHistory struct {
	mu    sync.Mutex
	bars  map[string][]domain.Bar
	calls []string
}

func key(token int64, interval string) string { return fmt.Sprintf("%d/%s", token, interval) }

func (h *fakeHistory) set(token int64, interval string, bars ...domain.Bar) {
	if h.bars == nil {
		h.bars = make(map[string][]domain.Bar)
	}
	h.bars[key(token, interval)] = bars
}

func (h *fakeHistory) History(_ context.Context, token int64, interval string, _ int) ([]domain.Bar, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, key(token, interval))
	return h.bars[key(token, interval)], nil
}

type fakeCatalog struct{}

func (fakeCatalog) FindOption(_ context.Context, underlying string, dir domain.Direction, _ decimal.Decimal) (domain.ContractPair, error) {
	token := int64(callToken)
	if dir == domain.DirectionPut {
		token = putToken
	}
	c := domain.Contract{Token: token, TradingSymbol: fmt.Sprintf("%s-%s", underlying, dir.OptionType()), OptionType: dir.OptionType(), LotSize: 25}
	return domain.ContractPair{Primary: c, Secondary: c}, nil
}

type storePositions struct {
	store *memory.PositionStore
	n     int
}

func (p *storePositions) OpenByIndex(ctx context.Context, index string) ([]domain.Position, error) {
	return p.store.ListOpenByIndex(ctx, index)
}

func (p *storePositions) Open(ctx context.Context, index string, pair domain.ContractPair, entry decimal.Decimal, dir domain.Direction) (domain.Position, error) {
	p.n++
	pos := domain.NewPosition(fmt.Sprintf("p%d", p.n), index, pair, dir, entry, time.Now())
	return pos, p.store.Create(ctx, pos)
}

func (p *storePositions) CloseStrategic(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error) {
	updated, _, err := p.store.CloseStrategic(ctx, pos.ID, price, time.Now(), reason)
	return updated, err
}

// panickyPositions panics when listing one index.
type panickyPositions struct {
	*storePositions
	index string
}

func (p panickyPositions) OpenByIndex(ctx context.Context, index string) ([]domain.Position, error) {
	if index == p.index {
		panic("nil contract for " + index)
	}
	return p.storePositions.OpenByIndex(ctx, index)
}

type fakeFeed struct{ tokens []int64 }

func (f *fakeFeed) Subscribe(tokens ...int64) error {
	f.tokens = append(f.tokens, tokens...)
	return nil
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func bars(closes ...string) []domain.Bar {
	out := make([]domain.Bar, 0, len(closes))
	for _, c := range closes {
		out = append(out, domain.Bar{Close: decimal.RequireFromString(c)})
	}
	return out
}

func withBuy(b []domain.Bar, i int) []domain.Bar  { b[i].BuySignal = true; return b }
func withSell(b []domain.Bar, i int) []domain.Bar { b[i].SellSignal = true; return b }

type fixture struct {
	loop      *Loop
	history   *fakeHistory
	positions *storePositions
	feed      *fakeFeed
	quotes    fakeQuotes
}

func newFixture(t *testing.T, locks domain.LockManager) *fixture {
	t.Helper()
	f := &fixture{
		history:   &fakeHistory{},
		positions: &storePositions{store: memory.NewPositionStore()},
		feed:      &fakeFeed{},
		quotes:    fakeQuotes{indexToken: decimal.NewFromInt(50000)},
	}
	f.loop = New(Config{
		Indices:      []domain.Index{{Name: "BANKNIFTY", Token: indexToken, Exchange: "NSE"}},
		PollInterval: time.Millisecond,
		Location:     time.UTC,
	}, f.quotes, f.history, fakeCatalog{}, f.positions, f.feed, locks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) open(t *testing.T) []domain.Position {
	t.Helper()
	open, err := f.positions.store.ListOpenByIndex(context.Background(), "BANKNIFTY")
	require.NoError(t, err)
	return open
}

func TestLoop_EntersCallBeforePut(t *testing.T) {
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.history.set(putToken, "minute", withBuy(bars("90", "95", "99"), 1)...)
	f.history.set(putToken, "3minute", withBuy(bars("90", "99"), 1)...)

	f.loop.Iterate(context.Background())

	open := f.open(t)
	require.Len(t, open, 1)
	assert.Equal(t, domain.DirectionCall, open[0].Direction)
	assert.True(t, decimal.NewFromInt(110).Equal(open[0].EntryPrice))
	assert.Equal(t, []int64{callToken}, f.feed.tokens)
	assert.NotContains(t, f.history.calls, key(putToken, "minute"))
}

func TestLoop_FallsThroughToPut(t *testing.T) {
	f := newFixture(t, nil)
	// Buy flag on the forming bar does not count.
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 2)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.history.set(putToken, "minute", withBuy(bars("90", "95", "99"), 1)...)
	f.history.set(putToken, "3minute", withBuy(bars("90", "99"), 1)...)

	f.loop.Iterate(context.Background())

	open := f.open(t)
	require.Len(t, open, 1)
	assert.Equal(t, domain.DirectionPut, open[0].Direction)
	assert.True(t, decimal.NewFromInt(99).Equal(open[0].EntryPrice))
}

func TestLoop_NeedsMediumConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", bars("98", "108")...)

	f.loop.Iterate(context.Background())
	assert.Empty(t, f.open(t))
}

func TestLoop_OneOpenPositionPerIndex(t *testing.T) {
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)

	f.loop.Iterate(context.Background())
	f.loop.Iterate(context.Background())
	assert.Len(t, f.open(t), 1)
}

func TestLoop_StrategicExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.loop.Iterate(ctx)
	require.Len(t, f.open(t), 1)
	id := f.open(t)[0].ID

	f.history.set(callToken, "minute", withSell(bars("120", "118", "115"), 1)...)
	f.loop.Iterate(ctx)

	assert.Empty(t, f.open(t))
	pos, err := f.positions.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStrategyExit, pos.ExitReason)
	assert.True(t, decimal.NewFromInt(115).Equal(*pos.ExitPrice))
	assert.True(t, decimal.NewFromInt(125).Equal(*pos.Profit))
}

func TestLoop_EntryLockHeldSkips(t *testing.T) {
	f := newFixture(t, heldLocks{})
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)

	f.loop.Iterate(context.Background())
	assert.Empty(t, f.open(t))
	assert.Empty(t, f.history.calls)
}

func TestLoop_PastCutoff(t *testing.T) {
	f := newFixture(t, nil)
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	f.loop.cfg.Location = ist
	f.loop.cfg.Cutoff = 15*time.Hour + 15*time.Minute

	assert.False(t, f.loop.PastCutoff(time.Date(2024, 1, 22, 15, 14, 59, 0, ist)))
	assert.False(t, f.loop.PastCutoff(time.Date(2024, 1, 22, 15, 15, 0, 0, ist)), "the cutoff instant still trades")
	assert.True(t, f.loop.PastCutoff(time.Date(2024, 1, 22, 15, 15, 0, 1, ist)))
	// 09:46 UTC is 15:16 IST.
	assert.True(t, f.loop.PastCutoff(time.Date(2024, 1, 22, 9, 46, 0, 0, time.UTC)))
	assert.False(t, f.loop.PastCutoff(time.Date(2024, 1, 22, 3, 0, 0, 0, time.UTC)))
}

func TestLoop_RunClosesDayOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.loop.Iterate(ctx)
	require.Len(t, f.open(t), 1)

	f.quotes[callToken] = decimal.NewFromInt(130)
	f.loop.now = func() time.Time { return time.Date(2024, 1, 22, 15, 30, 0, 0, time.UTC) }

	var hookCalls, hookClosed int
	f.loop.OnDayClose(func(_ context.Context, closed int) error {
		hookCalls++
		hookClosed = closed
		return nil
	})

	require.NoError(t, f.loop.Run(ctx))

	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, 1, hookClosed)
	assert.Empty(t, f.open(t))

	hist, err := f.positions.store.ListHistory(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.ReasonEndOfDay, hist[0].ExitReason)
	assert.True(t, decimal.NewFromInt(500).Equal(*hist[0].Profit))
}

func TestLoop_DayCloseHookErrorsAreReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.loop.now = func() time.Time { return time.Date(2024, 1, 22, 23, 0, 0, 0, time.UTC) }
	f.loop.OnDayClose(func(context.Context, int) error { return fmt.Errorf("upload failed") })

	err := f.loop.Run(context.Background())
	assert.ErrorContains(t, err, "upload failed")
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.loop.now = func() time.Time { return time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, f.loop.Run(ctx), context.DeadlineExceeded)
}

func TestLoop_DayCloseRetriesUntilFlat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.loop.Iterate(ctx)
	require.Len(t, f.open(t), 1)

	quotes := &flakyQuotes{
		prices: fakeQuotes{callToken: decimal.NewFromInt(130)},
		fails:  map[int64]int{callToken: 2},
	}
	f.loop.quotes = quotes
	f.loop.now = func() time.Time { return time.Date(2024, 1, 22, 15, 30, 0, 0, time.UTC) }

	var hookClosed, openAtHook int
	f.loop.OnDayClose(func(ctx context.Context, closed int) error {
		hookClosed = closed
		open, err := f.positions.store.ListOpenByIndex(ctx, "BANKNIFTY")
		require.NoError(t, err)
		openAtHook = len(open)
		return nil
	})

	require.NoError(t, f.loop.Run(ctx))

	assert.Equal(t, 3, quotes.calls[callToken])
	assert.Equal(t, 1, hookClosed)
	assert.Zero(t, openAtHook)
	assert.Empty(t, f.open(t))
}

func TestLoop_DayCloseStopsOnCancelWithoutHooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)
	f.loop.Iterate(ctx)
	require.Len(t, f.open(t), 1)

	// No quote for the option token ever arrives.
	f.loop.now = func() time.Time { return time.Date(2024, 1, 22, 15, 30, 0, 0, time.UTC) }
	hookCalls := 0
	f.loop.OnDayClose(func(context.Context, int) error { hookCalls++; return nil })

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := f.loop.Run(runCtx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "1 positions left open")
	assert.Zero(t, hookCalls)
	assert.Len(t, f.open(t), 1)
}

func TestLoop_PanicInOneIndexIsContained(t *testing.T) {
	f := newFixture(t, nil)
	f.loop.cfg.Indices = append([]domain.Index{{Name: "FINNIFTY", Token: 257801, Exchange: "NSE"}}, f.loop.cfg.Indices...)
	f.loop.positions = panickyPositions{storePositions: f.positions, index: "FINNIFTY"}
	f.history.set(callToken, "minute", withBuy(bars("100", "105", "110"), 1)...)
	f.history.set(callToken, "3minute", withBuy(bars("98", "108"), 1)...)

	panics := metrics.IterationErrors.WithLabelValues("FINNIFTY", "panic")
	before := testutil.ToFloat64(panics)

	require.NotPanics(t, func() { f.loop.Iterate(context.Background()) })

	assert.Len(t, f.open(t), 1, "the index after the panicking one still enters")
	assert.Equal(t, before+1, testutil.ToFloat64(panics))
}
