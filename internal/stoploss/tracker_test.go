package stoploss

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
	"github.com/alanyoungcy/optionbot/internal/store/memory"
)

type storePositions struct {
	store *memory.PositionStore

	mu     sync.Mutex
	closes []decimal.Decimal
}

func (p *storePositions) OpenByToken(ctx context.Context, token int64) ([]domain.Position, error) {
	return p.store.ListOpenByToken(ctx, token)
}

func (p *storePositions) StopLossOpen(ctx context.Context) ([]domain.Position, error) {
	return p.store.ListStopLossOpen(ctx)
}

func (p *storePositions) CloseStopLoss(ctx context.Context, pos domain.Position, price decimal.Decimal, reason string) (domain.Position, error) {
	updated, err := p.store.CloseStopLoss(ctx, pos.ID, price, time.Now(), reason)
	if err == nil {
		p.mu.Lock()
		p.closes = append(p.closes, price)
		p.mu.Unlock()
	}
	return updated, err
}

func (p *storePositions) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closes)
}

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []int64
	unsubscribed []int64
}

func (f *fakeFeed) Subscribe(tokens ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, tokens...)
	return nil
}

func (f *fakeFeed) Unsubscribe(tokens ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, tokens...)
	return nil
}

func newTracker(t *testing.T, mode Mode, positions ...domain.Position) (*Tracker, *storePositions, *fakeFeed) {
	t.Helper()
	store := memory.NewPositionStore()
	for _, p := range positions {
		require.NoError(t, store.Create(context.Background(), p))
	}
	sp := &storePositions{store: store}
	feed := &fakeFeed{}
	tr := New(sp, feed, Config{Offset: decimal.NewFromInt(30), Mode: mode}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return tr, sp, feed
}

func openPosition(id string, token int64, entry int64) domain.Position {
	return domain.Position{
		ID:               id,
		IndexName:        "BANKNIFTY",
		Direction:        domain.DirectionCall,
		Token:            token,
		LotSize:          25,
		EntryTime:        time.Date(2024, 1, 22, 9, 30, 0, 0, time.UTC),
		EntryPrice:       decimal.NewFromInt(entry),
		EntryOrderStatus: domain.OrderLegSubmitted,
	}
}

func tick(token int64, ltp string) domain.Tick {
	return domain.Tick{Token: token, LastPrice: decimal.RequireFromString(ltp), Received: time.Now()}
}

func TestTracker_FixedOffsetScenario(t *testing.T) {
	ctx := context.Background()
	tr, sp, feed := newTracker(t, ModeFixed, openPosition("p1", 1001, 500))

	tr.OnTick(ctx, tick(1001, "471"))
	th, ok := tr.Threshold(1001)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(470).Equal(th), "threshold %s", th)
	assert.Equal(t, 0, sp.closeCount())

	// A higher tick must not move a fixed threshold.
	tr.OnTick(ctx, tick(1001, "560"))
	th, _ = tr.Threshold(1001)
	assert.True(t, decimal.NewFromInt(470).Equal(th))

	tr.OnTick(ctx, tick(1001, "469"))
	assert.Equal(t, 1, sp.closeCount())
	_, ok = tr.Threshold(1001)
	assert.False(t, ok)
	assert.Contains(t, feed.unsubscribed, int64(1001))

	pos, err := sp.store.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, pos.SLProfit)
	assert.True(t, decimal.NewFromInt(-775).Equal(*pos.SLProfit))
	assert.Equal(t, domain.ReasonStopLoss, pos.ExitReason)
	assert.True(t, pos.IsOpen())

	// Later ticks find nothing to close.
	tr.OnTick(ctx, tick(1001, "400"))
	assert.Equal(t, 1, sp.closeCount())
}

func TestTracker_BreachOnFirstTick(t *testing.T) {
	tr, sp, _ := newTracker(t, ModeFixed, openPosition("p1", 1001, 500))
	tr.OnTick(context.Background(), tick(1001, "470"))
	assert.Equal(t, 1, sp.closeCount())
}

func TestTracker_TrailingRaisesOnly(t *testing.T) {
	ctx := context.Background()
	tr, sp, _ := newTracker(t, ModeTrailing, openPosition("p1", 1001, 500))

	tr.OnTick(ctx, tick(1001, "500"))
	tr.OnTick(ctx, tick(1001, "560"))
	th, _ := tr.Threshold(1001)
	assert.True(t, decimal.NewFromInt(530).Equal(th))

	tr.OnTick(ctx, tick(1001, "545"))
	th, _ = tr.Threshold(1001)
	assert.True(t, decimal.NewFromInt(530).Equal(th))
	assert.Equal(t, 0, sp.closeCount())

	tr.OnTick(ctx, tick(1001, "529"))
	assert.Equal(t, 1, sp.closeCount())
}

func TestTracker_IgnoresStrategicallyClosed(t *testing.T) {
	ctx := context.Background()
	tr, sp, feed := newTracker(t, ModeFixed, openPosition("p1", 1001, 500))
	tr.OnTick(ctx, tick(1001, "500"))

	_, _, err := sp.store.CloseStrategic(ctx, "p1", decimal.NewFromInt(520), time.Now(), domain.ReasonStrategyExit)
	require.NoError(t, err)

	tr.OnTick(ctx, tick(1001, "400"))
	assert.Equal(t, 0, sp.closeCount())
	assert.Equal(t, 0, tr.Len())
	assert.Contains(t, feed.unsubscribed, int64(1001))
}

func TestTracker_Rehydrate(t *testing.T) {
	ctx := context.Background()
	pending := openPosition("p2", 1002, 200)
	pending.EntryOrderStatus = domain.OrderLegPending
	closed := openPosition("p3", 1003, 300)

	tr, sp, feed := newTracker(t, ModeFixed, openPosition("p1", 1001, 500), pending, closed)
	_, _, err := sp.store.CloseStrategic(ctx, "p3", decimal.NewFromInt(310), time.Now(), domain.ReasonStrategyExit)
	require.NoError(t, err)

	require.NoError(t, tr.Rehydrate(ctx))

	assert.ElementsMatch(t, []int64{1001, 1002}, feed.subscribed)
	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, decimal.NewFromInt(470).Equal(snap[1001]))
	assert.True(t, decimal.NewFromInt(170).Equal(snap[1002]))
}

func TestTracker_ConcurrentBreachClosesOnce(t *testing.T) {
	ctx := context.Background()
	tr, sp, _ := newTracker(t, ModeFixed, openPosition("p1", 1001, 500))
	tr.OnTick(ctx, tick(1001, "500"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.OnTick(ctx, tick(1001, "460"))
		}()
	}
	wg.Wait()

	pos, err := sp.store.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(-1000).Equal(*pos.SLProfit))
	assert.Equal(t, 1, sp.closeCount())
}
