package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Contract is a single option instrument as listed in a venue catalog.
type Contract struct {
	Venue           Venue
	Token           int64
	TradingSymbol   string
	Exchange        string
	Underlying      string
	OptionType      string // "CE" or "PE"
	InstrumentClass string
	Strike          decimal.Decimal
	Expiry          time.Time
	LotSize         int64
}

// ContractPair bundles the matching contracts resolved on both venues.
type ContractPair struct {
	Primary   Contract
	Secondary Contract
}

// SelectNearest picks the nearest tradable contract from chain.
//
// For a call it returns the soonest expiry on or after today, then the highest
// strike strictly below ref. For a put it returns the soonest expiry, then the
// lowest strike strictly above ref. Contracts whose option type does not match
// dir are ignored. ok is false when nothing qualifies.
func SelectNearest(chain []Contract, dir Direction, ref decimal.Decimal, today time.Time) (Contract, bool) {
	day := dateKey(today)
	want := dir.OptionType()

	candidates := make([]Contract, 0, len(chain))
	for _, c := range chain {
		if c.OptionType != want {
			continue
		}
		if dateKey(c.Expiry) < day {
			continue
		}
		switch dir {
		case DirectionCall:
			if !c.Strike.LessThan(ref) {
				continue
			}
		case DirectionPut:
			if !c.Strike.GreaterThan(ref) {
				continue
			}
		default:
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return Contract{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ei, ej := dateKey(candidates[i].Expiry), dateKey(candidates[j].Expiry)
		if ei != ej {
			return ei < ej
		}
		if dir == DirectionCall {
			return candidates[i].Strike.GreaterThan(candidates[j].Strike)
		}
		return candidates[i].Strike.LessThan(candidates[j].Strike)
	})
	return candidates[0], true
}

// dateKey compares calendar dates independent of location, since catalog
// expiries are stored as plain dates.
func dateKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}
