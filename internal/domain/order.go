package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Code returns the single-letter side understood by the order gateway.
func (s OrderSide) Code() string {
	if s == OrderSideSell {
		return "S"
	}
	return "B"
}

// OrderLeg says which position transition an order belongs to.
type OrderLeg string

const (
	OrderLegEntry OrderLeg = "entry"
	OrderLegExit  OrderLeg = "exit"
)

// OrderRequest is a fire-and-forget instruction to the order gateway.
type OrderRequest struct {
	ID            string // UUID for dedup
	PositionID    string
	Leg           OrderLeg
	Side          OrderSide
	ProductType   string
	TradingSymbol string
	LotSize       int64
	Reason        string
	CreatedAt     time.Time
}

// OrderResult wraps what the gateway answered, if anything.
type OrderResult struct {
	Accepted bool
	OrderID  string
	Message  string
}
