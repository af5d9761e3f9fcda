package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionEventType names a lifecycle transition.
type PositionEventType string

const (
	EventPositionOpened   PositionEventType = "position_opened"
	EventStrategicExit    PositionEventType = "strategic_exit"
	EventStopLossExit     PositionEventType = "stoploss_exit"
	EventOrderFailed      PositionEventType = "order_failed"
	EventTradingDayClosed PositionEventType = "trading_day_closed"
)

// PositionEvent is published on the bus whenever a position changes.
type PositionEvent struct {
	Type          PositionEventType `json:"type"`
	PositionID    string            `json:"position_id"`
	IndexName     string            `json:"index_name"`
	Direction     string            `json:"direction"`
	TradingSymbol string            `json:"trading_symbol"`
	Price         decimal.Decimal   `json:"price"`
	Profit        *decimal.Decimal  `json:"profit,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	At            time.Time         `json:"at"`
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode          string
	FeedConnected bool
	UptimeSeconds int64
	OpenPositions int
	TrackedTokens int
}
