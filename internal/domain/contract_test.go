package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(optionType string, expiry time.Time, strikes ...string) []Contract {
	out := make([]Contract, 0, len(strikes))
	for i, s := range strikes {
		out = append(out, Contract{
			Token:      int64(i + 1),
			OptionType: optionType,
			Strike:     d(s),
			Expiry:     expiry,
		})
	}
	return out
}

func TestSelectNearest(t *testing.T) {
	today := time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC)
	near := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	far := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := time.Date(2024, 1, 18, 0, 0, 0, 0, time.UTC)

	var contracts []Contract
	contracts = append(contracts, chain("CE", far, "49950")...)
	contracts = append(contracts, chain("CE", near, "49800", "49900", "50100")...)
	contracts = append(contracts, chain("CE", expired, "49990")...)
	contracts = append(contracts, chain("PE", near, "49800", "50100", "50200")...)

	tests := []struct {
		name   string
		dir    Direction
		ref    string
		strike string
		expiry time.Time
		ok     bool
	}{
		{name: "call takes highest strike below ref", dir: DirectionCall, ref: "50000", strike: "49900", expiry: near, ok: true},
		{name: "put takes lowest strike above ref", dir: DirectionPut, ref: "50000", strike: "50100", expiry: near, ok: true},
		{name: "strike equal to ref is excluded", dir: DirectionCall, ref: "49800", ok: false},
		{name: "nothing above ref", dir: DirectionPut, ref: "50200", ok: false},
		{name: "invalid direction", dir: Direction(9), ref: "50000", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := SelectNearest(contracts, tt.dir, d(tt.ref), today)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.True(t, d(tt.strike).Equal(c.Strike), "strike %s", c.Strike)
			assert.Equal(t, tt.expiry, c.Expiry)
		})
	}
}

func TestSelectNearest_ExpiryTodayQualifies(t *testing.T) {
	today := time.Date(2024, 1, 25, 14, 0, 0, 0, time.UTC)
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)

	c, ok := SelectNearest(chain("CE", expiry, "49900"), DirectionCall, d("50000"), today)
	require.True(t, ok)
	assert.Equal(t, expiry, c.Expiry)
}
