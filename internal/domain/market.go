package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Index is an underlying the strategy watches for entries.
type Index struct {
	Name     string
	Token    int64
	Exchange string
}

// Tick is a single last-traded-price update from the feed.
type Tick struct {
	Token     int64
	LastPrice decimal.Decimal
	Received  time.Time
}

// Bar is one historical candle with the signal flags precomputed upstream.
type Bar struct {
	Time       time.Time
	Close      decimal.Decimal
	BuySignal  bool
	SellSignal bool
}

// SecondLast returns the second-to-last bar, which is the last fully
// completed one when the final bar is still forming.
func SecondLast(bars []Bar) (Bar, error) {
	if len(bars) < 2 {
		return Bar{}, ErrInsufficientBars
	}
	return bars[len(bars)-2], nil
}

// Last returns the final bar in the series.
func Last(bars []Bar) (Bar, error) {
	if len(bars) == 0 {
		return Bar{}, ErrInsufficientBars
	}
	return bars[len(bars)-1], nil
}
