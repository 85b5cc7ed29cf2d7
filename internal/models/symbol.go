package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lifecycle is the VI lifecycle stage of a symbol.
type Lifecycle int

const (
	LifecycleIdle Lifecycle = iota
	LifecycleTriggered
	LifecycleReleased
	LifecycleCooldown
	LifecycleBlocked
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "IDLE"
	case LifecycleTriggered:
		return "TRIGGERED"
	case LifecycleReleased:
		return "RELEASED"
	case LifecycleCooldown:
		return "COOLDOWN"
	case LifecycleBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the lifecycle by name in JSON views.
func (l Lifecycle) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// PriceSample is one post-release tick kept in the decision window.
type PriceSample struct {
	Price      decimal.Decimal
	Volume     int64
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ReceivedAt time.Time
	Sequence   uint64
}

// SymbolState is the VI lifecycle record of one symbol.
type SymbolState struct {
	Symbol            string
	Lifecycle         Lifecycle
	Direction         ViDirection
	TriggerPrice      decimal.Decimal
	TriggeredAt       time.Time
	ReleasePrice      decimal.Decimal
	ReleasedAt        time.Time
	ReleaseSequence   uint64
	LastPrice         decimal.Decimal
	LastEventSequence uint64
	Window            []PriceSample
	Consumed          bool
	RiskBlocked       bool
	HoldUntil         time.Time
}

// Clone returns a deep copy of s.
func (s SymbolState) Clone() SymbolState {
	if s.Window != nil {
		w := make([]PriceSample, len(s.Window))
		copy(w, s.Window)
		s.Window = w
	}
	return s
}

// InWindow reports whether now falls inside the decision window.
func (s SymbolState) InWindow(now time.Time, window time.Duration) bool {
	return s.Lifecycle == LifecycleReleased && now.Sub(s.ReleasedAt) < window
}
