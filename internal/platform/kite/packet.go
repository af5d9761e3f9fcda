package kite

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/optionbot/internal/domain"
)

// Exchange segment codes carried in the low byte of an instrument token.
const (
	segmentCDS = 3
	segmentBCD = 6
)

var (
	divisorDefault = decimal.NewFromInt(100)
	divisorCDS     = decimal.NewFromInt(10_000_000)
	divisorBCD     = decimal.NewFromInt(10_000)
)

// priceDivisor converts integer paise-style prices to rupees for the token's
// exchange segment.
func priceDivisor(token uint32) decimal.Decimal {
	switch token & 0xff {
	case segmentCDS:
		return divisorCDS
	case segmentBCD:
		return divisorBCD
	default:
		return divisorDefault
	}
}

// ParseTicks decodes a binary ticker frame. The frame starts with a big-endian
// packet count; each packet is prefixed by its own length. Every packet mode
// carries the instrument token in bytes 0-4 and the last traded price in
// bytes 4-8, which is all the bot consumes. A frame shorter than two bytes is
// a heartbeat and yields no ticks.
func ParseTicks(frame []byte, received time.Time) ([]domain.Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]domain.Tick, 0, count)

	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(frame) {
			return ticks, fmt.Errorf("kite: packet %d: truncated length header", i)
		}
		size := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2
		if off+size > len(frame) {
			return ticks, fmt.Errorf("kite: packet %d: need %d bytes, have %d", i, size, len(frame)-off)
		}
		pkt := frame[off : off+size]
		off += size

		if len(pkt) < 8 {
			continue
		}
		token := binary.BigEndian.Uint32(pkt[0:4])
		raw := int32(binary.BigEndian.Uint32(pkt[4:8]))
		ticks = append(ticks, domain.Tick{
			Token:     int64(token),
			LastPrice: decimal.NewFromInt32(raw).Div(priceDivisor(token)),
			Received:  received,
		})
	}
	return ticks, nil
}
