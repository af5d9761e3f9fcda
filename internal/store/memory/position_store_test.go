package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

var base = time.Date(2024, 1, 22, 9, 30, 0, 0, time.UTC)

func position(id, index string, token int64, entry string, at time.Time) domain.Position {
	return domain.Position{
		ID:         id,
		IndexName:  index,
		Direction:  domain.DirectionCall,
		Token:      token,
		LotSize:    25,
		EntryTime:  at,
		EntryPrice: decimal.RequireFromString(entry),
	}
}

func TestPositionStore_OpenPredicates(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, position("a", "BANKNIFTY", 1, "500", base)))
	require.NoError(t, s.Create(ctx, position("b", "NIFTY", 2, "200", base.Add(time.Minute))))
	assert.ErrorIs(t, s.Create(ctx, position("a", "BANKNIFTY", 1, "500", base)), domain.ErrAlreadyExists)

	// Stop-loss exit: still open for the index, no longer open for the token.
	_, err := s.CloseStopLoss(ctx, "a", decimal.NewFromInt(469), base.Add(time.Hour), domain.ReasonStopLoss)
	require.NoError(t, err)

	byIndex, err := s.ListOpenByIndex(ctx, "BANKNIFTY")
	require.NoError(t, err)
	require.Len(t, byIndex, 1)

	byToken, err := s.ListOpenByToken(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, byToken)

	slOpen, err := s.ListStopLossOpen(ctx)
	require.NoError(t, err)
	require.Len(t, slOpen, 1)
	assert.Equal(t, "b", slOpen[0].ID)
}

func TestPositionStore_CloseStrategicReportsPriorStopLoss(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, position("a", "BANKNIFTY", 1, "500", base)))
	require.NoError(t, s.Create(ctx, position("b", "BANKNIFTY", 2, "500", base)))

	_, err := s.CloseStopLoss(ctx, "a", decimal.NewFromInt(469), base.Add(time.Hour), domain.ReasonStopLoss)
	require.NoError(t, err)

	p, slRecorded, err := s.CloseStrategic(ctx, "a", decimal.NewFromInt(480), base.Add(2*time.Hour), domain.ReasonEndOfDay)
	require.NoError(t, err)
	assert.True(t, slRecorded)
	assert.Equal(t, domain.ReasonStopLoss, p.ExitReason)
	assert.True(t, decimal.NewFromInt(-775).Equal(*p.SLProfit))

	_, slRecorded, err = s.CloseStrategic(ctx, "b", decimal.NewFromInt(480), base.Add(2*time.Hour), domain.ReasonEndOfDay)
	require.NoError(t, err)
	assert.False(t, slRecorded)

	_, _, err = s.CloseStrategic(ctx, "b", decimal.NewFromInt(490), base.Add(3*time.Hour), domain.ReasonEndOfDay)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	_, _, err = s.CloseStrategic(ctx, "missing", decimal.NewFromInt(1), base, domain.ReasonEndOfDay)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_CloseStopLossOnce(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, position("a", "BANKNIFTY", 1, "500", base)))

	_, err := s.CloseStopLoss(ctx, "a", decimal.NewFromInt(469), base.Add(time.Hour), domain.ReasonStopLoss)
	require.NoError(t, err)
	_, err = s.CloseStopLoss(ctx, "a", decimal.NewFromInt(400), base.Add(2*time.Hour), domain.ReasonStopLoss)
	assert.ErrorIs(t, err, domain.ErrStopLossRecorded)

	p, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(469).Equal(*p.SLExitPrice))
}

func TestPositionStore_SetOrderStatus(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, position("a", "BANKNIFTY", 1, "500", base)))

	require.NoError(t, s.SetOrderStatus(ctx, "a", domain.OrderLegEntry, domain.OrderLegSubmitted))
	require.NoError(t, s.SetOrderStatus(ctx, "a", domain.OrderLegExit, domain.OrderLegFailed))
	assert.ErrorIs(t, s.SetOrderStatus(ctx, "x", domain.OrderLegEntry, domain.OrderLegSubmitted), domain.ErrNotFound)

	p, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderLegSubmitted, p.EntryOrderStatus)
	assert.Equal(t, domain.OrderLegFailed, p.ExitOrderStatus)
}

func TestPositionStore_HistoryAndClosedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, position(id, "BANKNIFTY", int64(i), "100", base.Add(time.Duration(i)*time.Hour))))
	}
	_, _, err := s.CloseStrategic(ctx, "a", decimal.NewFromInt(110), base.Add(30*time.Minute), domain.ReasonStrategyExit)
	require.NoError(t, err)
	_, _, err = s.CloseStrategic(ctx, "b", decimal.NewFromInt(90), base.Add(5*time.Hour), domain.ReasonEndOfDay)
	require.NoError(t, err)

	hist, err := s.ListHistory(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].ID)
	assert.Equal(t, "b", hist[1].ID)

	hist, err = s.ListHistory(ctx, domain.ListOpts{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, hist)

	closed, err := s.ListClosedBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].ID)
}

func TestAuditStore_ListByPosition(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	detail := map[string]any{"price": "500"}
	require.NoError(t, s.Log(ctx, "position_opened", "a", detail))
	require.NoError(t, s.Log(ctx, "trading_day_closed", "", nil))
	require.NoError(t, s.Log(ctx, "stoploss_exit", "a", nil))
	require.NoError(t, s.Log(ctx, "position_opened", "b", nil))
	detail["price"] = "mutated"

	entries, err := s.ListByPosition(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "position_opened", entries[0].Event)
	assert.Equal(t, "500", entries[0].Detail["price"])
	assert.Equal(t, "stoploss_exit", entries[1].Event)

	entries, err = s.ListByPosition(ctx, "a", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
