package engine

import (
	"github.com/ethereum/go-ethereum/common"
)

const BPS = 10_000

// Direction is which side of the market a position is exposed to, and
// which way.
type Direction uint8

const (
	LongYes Direction = iota + 1
	LongNo
	ShortYes
	ShortNo
)

func (d Direction) Valid() bool {
	return d >= LongYes && d <= ShortNo
}

// IsLong reports whether the position profits when its directional
// price rises.
func (d Direction) IsLong() bool {
	return d == LongYes || d == LongNo
}

// UsesYesPrice reports which side's price values this position.
// LONG_YES and SHORT_NO trade the yes price; LONG_NO and SHORT_YES the
// no price.
func (d Direction) UsesYesPrice() bool {
	return d == LongYes || d == ShortNo
}

func (d Direction) String() string {
	switch d {
	case LongYes:
		return "long_yes"
	case LongNo:
		return "long_no"
	case ShortYes:
		return "short_yes"
	case ShortNo:
		return "short_no"
	default:
		return "unknown"
	}
}

// ParseDirection maps the wire form back to a Direction; returns 0 for
// anything unknown.
func ParseDirection(s string) Direction {
	switch s {
	case "long_yes":
		return LongYes
	case "long_no":
		return LongNo
	case "short_yes":
		return ShortYes
	case "short_no":
		return ShortNo
	default:
		return 0
	}
}

// Position is one leveraged exposure to a market outcome. Collateral is
// net of the protocol fee; size is always derived, never stored.
type Position struct {
	ID        uint64         `json:"id"`
	Owner     common.Address `json:"owner"`
	MarketID  string         `json:"marketId"`
	Direction Direction      `json:"direction"`

	Collateral int64 `json:"collateral"` // USD 1e6 scale, net of fee
	Leverage   int64 `json:"leverage"`   // bps multiplier, 10000 = 1x
	EntryPrice int64 `json:"entryPrice"` // bps, always > 0

	OpenTimestamp int64 `json:"openTimestamp"`
	IsOpen        bool  `json:"isOpen"`

	// Settled is set only on the resolution settlement path; it
	// distinguishes "resolved naturally" from voluntary close or
	// liquidation in event history.
	Settled bool `json:"settled"`

	ClosedAt    int64 `json:"closedAt,omitempty"`
	ExitPrice   int64 `json:"exitPrice,omitempty"`
	RealizedPnL int64 `json:"realizedPnl,omitempty"`
}

// Size returns the leveraged notional.
// Formula: collateral × leverage / 10000 (floor)
func (p *Position) Size() int64 {
	return p.Collateral * p.Leverage / BPS
}

// PnL computes signed profit or loss for a position of the given size
// at the given prices. Identical math backs close, the liquidation
// predicate, and settlement.
//
// Formula:
//
//	priceDiff = long ? current - entry : entry - current
//	pnl       = size × priceDiff / entry
//
// Integer division truncates toward zero for both signs, matching the
// ledger's fixed-point semantics. entry must be > 0; open rejects a
// zero entry price for exactly this reason.
func PnL(d Direction, size, entryPrice, currentPrice int64) int64 {
	var diff int64
	if d.IsLong() {
		diff = currentPrice - entryPrice
	} else {
		diff = entryPrice - currentPrice
	}
	return size * diff / entryPrice
}

// CurrentPnL evaluates the position at currentPrice.
func (p *Position) CurrentPnL(currentPrice int64) int64 {
	return PnL(p.Direction, p.Size(), p.EntryPrice, currentPrice)
}
