package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IntentReason explains why an order intent was produced.
type IntentReason string

const (
	ReasonStrategyEntry IntentReason = "STRATEGY_ENTRY"
	ReasonStrategyExit  IntentReason = "STRATEGY_EXIT"
	ReasonRiskStop      IntentReason = "RISK_STOP"
	ReasonManualClose   IntentReason = "MANUAL_CLOSE"
)

// IsExit reports whether the intent reduces an open position.
func (r IntentReason) IsExit() bool {
	return r != ReasonStrategyEntry
}

// PriceKind is the pricing mode of an order.
type PriceKind string

const (
	PriceMarket PriceKind = "MARKET"
	PriceLimit  PriceKind = "LIMIT"
)

// PriceConstraint is either a market order or a limit at Limit.
type PriceConstraint struct {
	Kind  PriceKind
	Limit decimal.Decimal
}

// MarketPrice returns a market price constraint.
func MarketPrice() PriceConstraint {
	return PriceConstraint{Kind: PriceMarket}
}

// LimitPrice returns a limit price constraint.
func LimitPrice(p decimal.Decimal) PriceConstraint {
	return PriceConstraint{Kind: PriceLimit, Limit: p}
}

// OrderIntent is an internal decision to trade. It is produced once and
// consumed once by the execution manager.
type OrderIntent struct {
	ID        string
	Symbol    string
	Side      Side
	Quantity  int64
	Price     PriceConstraint
	Reason    IntentReason
	CreatedAt time.Time
	Note      string
}

// OrderStatus represents the broker-side state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further updates are expected.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// OrderRecord tracks one submitted intent through the gateway.
type OrderRecord struct {
	OrderID      string
	IntentID     string
	Symbol       string
	Side         Side
	Reason       IntentReason
	Price        PriceConstraint
	RequestedQty int64
	FilledQty    int64
	AvgFillPrice decimal.Decimal
	Status       OrderStatus
	Attempts     int
	Message      string
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (r OrderRecord) Remaining() int64 {
	return r.RequestedQty - r.FilledQty
}

// Fill is an execution report for part or all of an order.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      int64
	Price         decimal.Decimal
	FilledAt      time.Time
}
