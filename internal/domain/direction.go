package domain

import "fmt"

// Direction is the option leg a position is long in.
type Direction int

const (
	DirectionCall Direction = 1
	DirectionPut  Direction = 2
)

// OptionType returns the exchange option-type code for the leg.
func (d Direction) OptionType() string {
	switch d {
	case DirectionCall:
		return "CE"
	case DirectionPut:
		return "PE"
	default:
		return ""
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionCall:
		return "call"
	case DirectionPut:
		return "put"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Valid reports whether d is a known leg.
func (d Direction) Valid() bool {
	return d == DirectionCall || d == DirectionPut
}

// Legs is the order in which entry legs are evaluated.
var Legs = []Direction{DirectionCall, DirectionPut}

// Venue identifies one of the two broker catalogs.
type Venue string

const (
	VenuePrimary   Venue = "primary"
	VenueSecondary Venue = "secondary"
)

// MarshalText encodes the leg as "call" or "put".
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("domain: invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText accepts "call"/"put" and the option-type codes "CE"/"PE".
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "call", "CE":
		*d = DirectionCall
	case "put", "PE":
		*d = DirectionPut
	default:
		return fmt.Errorf("domain: unknown direction %q", text)
	}
	return nil
}
