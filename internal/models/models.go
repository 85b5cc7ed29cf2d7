// Package models provides domain models for the VI trading core.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the kind of a normalized market event.
type EventType string

const (
	EventTick      EventType = "TICK"
	EventViTrigger EventType = "VI_TRIGGER"
	EventViRelease EventType = "VI_RELEASE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTick, EventViTrigger, EventViRelease:
		return true
	}
	return false
}

// ViDirection is the side of the price band a VI fired on.
type ViDirection string

const (
	ViUnknown ViDirection = ""
	ViUp      ViDirection = "UP"
	ViDown    ViDirection = "DOWN"
)

// MarketEvent is a canonical market event. It is a value type and is never
// mutated after the normalizer builds it.
type MarketEvent struct {
	Symbol       string
	Type         EventType
	Price        decimal.Decimal
	Volume       int64
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Direction    ViDirection
	ExchangeTime time.Time
	ReceivedAt   time.Time
	Sequence     uint64
}

// Holding is a broker-reported position used for startup reconciliation.
type Holding struct {
	Symbol       string
	Quantity     int64
	AveragePrice decimal.Decimal
}

var intentNamespace = uuid.MustParse("6f1c2d8e-5b7a-4c39-9e0d-3a4b5c6d7e8f")

// IntentID derives a stable intent identifier from its parts, so the same
// decision replayed over the same events yields the same ID.
func IntentID(parts ...string) string {
	return uuid.NewSHA1(intentNamespace, []byte(strings.Join(parts, "/"))).String()
}
