package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLegStatus records how far the order for one leg of a position got.
type OrderLegStatus string

const (
	OrderLegPending   OrderLegStatus = "pending"
	OrderLegSubmitted OrderLegStatus = "submitted"
	OrderLegFailed    OrderLegStatus = "failed"
	OrderLegSkipped   OrderLegStatus = "skipped"
)

// Exit reasons written by the bot.
const (
	ReasonStrategyExit = "Strategy Exit"
	ReasonEndOfDay     = "End of Day"
	ReasonStopLoss     = "Master Stop-Loss Hit"
)

// Position is one opened options trade. A position is closed once ExitTime is
// set. The SL* columns are written by the stop-loss path exactly once and are
// carried forward unchanged by any later strategic exit.
type Position struct {
	ID        string    `json:"id"`
	IndexName string    `json:"index_name"`
	Direction Direction `json:"direction"`

	// Primary venue identity.
	Token         int64     `json:"token"`
	TradingSymbol string    `json:"tradingsymbol"`
	Exchange      string    `json:"exchange"`
	LotSize       int64     `json:"lot_size"`
	Expiry        time.Time `json:"expiry"`

	// Secondary venue identity, used for order routing.
	SecondaryToken         int64  `json:"secondary_token"`
	SecondarySymbol        string `json:"secondary_symbol"`
	SecondaryTradingSymbol string `json:"secondary_trading_symbol"`
	SecondaryLotSize       int64  `json:"secondary_lot_size"`
	SecondaryInstrument    string `json:"secondary_instrument"`
	SecondaryOptionType    string `json:"secondary_option_type"`

	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`

	ExitTime  *time.Time       `json:"exit_time,omitempty"`
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty"`
	Profit    *decimal.Decimal `json:"profit,omitempty"`

	SLExitTime  *time.Time       `json:"sl_exit_time,omitempty"`
	SLExitPrice *decimal.Decimal `json:"sl_exit_price,omitempty"`
	SLProfit    *decimal.Decimal `json:"sl_profit,omitempty"`

	ExitReason string `json:"exit_reason,omitempty"`

	EntryOrderStatus OrderLegStatus `json:"entry_order_status"`
	ExitOrderStatus  OrderLegStatus `json:"exit_order_status,omitempty"`
}

// NewPosition builds an open position for the given contracts.
func NewPosition(id, index string, pair ContractPair, dir Direction, entry decimal.Decimal, at time.Time) Position {
	return Position{
		ID:                     id,
		IndexName:              index,
		Direction:              dir,
		Token:                  pair.Primary.Token,
		TradingSymbol:          pair.Primary.TradingSymbol,
		Exchange:               pair.Primary.Exchange,
		LotSize:                pair.Primary.LotSize,
		Expiry:                 pair.Primary.Expiry,
		SecondaryToken:         pair.Secondary.Token,
		SecondarySymbol:        pair.Secondary.Underlying,
		SecondaryTradingSymbol: pair.Secondary.TradingSymbol,
		SecondaryLotSize:       pair.Secondary.LotSize,
		SecondaryInstrument:    pair.Secondary.InstrumentClass,
		SecondaryOptionType:    pair.Secondary.OptionType,
		EntryTime:              at,
		EntryPrice:             entry,
		EntryOrderStatus:       OrderLegPending,
	}
}

// IsOpen reports whether the strategic exit has not happened yet.
func (p Position) IsOpen() bool { return p.ExitTime == nil }

// StopLossOpen reports whether the stop-loss leg is still being tracked.
func (p Position) StopLossOpen() bool { return p.SLExitTime == nil }

// ProfitAt returns (price - entry) * lot size.
func (p Position) ProfitAt(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.LotSize))
}

// ApplyStrategicExit writes the exit columns. When no stop-loss exit has been
// recorded the sl_* columns and the reason mirror the strategic exit;
// otherwise they are left as they were.
func (p *Position) ApplyStrategicExit(price decimal.Decimal, at time.Time, reason string) error {
	if !p.IsOpen() {
		return ErrPositionClosed
	}
	profit := p.ProfitAt(price)
	p.ExitTime = &at
	p.ExitPrice = &price
	p.Profit = &profit
	if p.SLExitPrice == nil {
		slAt, slPrice, slProfit := at, price, profit
		p.SLExitTime = &slAt
		p.SLExitPrice = &slPrice
		p.SLProfit = &slProfit
		p.ExitReason = reason
	}
	return nil
}

// ApplyStopLossExit writes the sl_* columns only. It refuses to overwrite an
// exit that is already recorded.
func (p *Position) ApplyStopLossExit(price decimal.Decimal, at time.Time, reason string) error {
	if !p.StopLossOpen() || p.SLExitPrice != nil {
		return ErrStopLossRecorded
	}
	profit := p.ProfitAt(price)
	p.SLExitTime = &at
	p.SLExitPrice = &price
	p.SLProfit = &profit
	p.ExitReason = reason
	return nil
}
