package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the state of a symbol's position.
type PositionStatus string

const (
	PositionNone    PositionStatus = "NONE"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
)

// Position is the tracked exposure in one symbol. Quantity is signed but
// the tracker only ever holds long positions.
type Position struct {
	Symbol             string
	Quantity           int64
	AverageEntryPrice  decimal.Decimal
	UnrealizedPnLBasis decimal.Decimal
	LastPrice          decimal.Decimal
	RealizedPnL        decimal.Decimal
	OpenedAt           time.Time
	Status             PositionStatus
}

// UnrealizedPnL returns the mark-to-market PnL at the last seen price.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.Quantity == 0 || p.LastPrice.IsZero() {
		return decimal.Zero
	}
	return p.LastPrice.Mul(decimal.NewFromInt(p.Quantity)).Sub(p.UnrealizedPnLBasis)
}

// LossFraction returns the fractional loss of price against the average
// entry price. Gains yield a negative value.
func (p Position) LossFraction(price decimal.Decimal) decimal.Decimal {
	if p.AverageEntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.AverageEntryPrice.Sub(price).Div(p.AverageEntryPrice)
}

// ClosedPosition is the archived summary of a round trip.
type ClosedPosition struct {
	Symbol            string
	Quantity          int64
	AverageEntryPrice decimal.Decimal
	AverageExitPrice  decimal.Decimal
	RealizedPnL       decimal.Decimal
	OpenedAt          time.Time
	ClosedAt          time.Time
}
