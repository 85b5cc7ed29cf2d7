// Package vi implements the per-symbol VI lifecycle state machine and the
// keyed store that owns every symbol's state.
package vi

import (
	"fmt"
	"time"

	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
)

// Params configures the lifecycle timings.
type Params struct {
	DecisionWindow time.Duration
	Cooldown       time.Duration
	WindowSize     int
}

// Result is the outcome of one transition.
type Result struct {
	State models.SymbolState
	From  models.Lifecycle
	// Evaluate is set when the symbol is Released, inside its decision
	// window and not yet consumed, and the event added a sample.
	Evaluate bool
	// WindowClosed is set when this step ended a decision window.
	WindowClosed bool
}

// Changed reports whether the lifecycle moved.
func (r Result) Changed() bool {
	return r.From != r.State.Lifecycle
}

// Transition applies ev to st. It is pure: "now" is the event's receipt
// time. Stale events return ErrStaleEvent and st unchanged.
func Transition(st models.SymbolState, ev models.MarketEvent, p Params) (Result, error) {
	if ev.Sequence <= st.LastEventSequence {
		return Result{State: st, From: st.Lifecycle}, fmt.Errorf("%w: %s seq %d <= %d",
			apperrors.ErrStaleEvent, ev.Symbol, ev.Sequence, st.LastEventSequence)
	}

	from := st.Lifecycle
	adv := Advance(st, ev.ReceivedAt, p)
	st = adv.State

	st.LastEventSequence = ev.Sequence
	if ev.Type == models.EventTick {
		st.LastPrice = ev.Price
	}

	res := Result{From: from, WindowClosed: adv.WindowClosed}

	switch st.Lifecycle {
	case models.LifecycleIdle:
		if ev.Type == models.EventViTrigger {
			st = trigger(st, ev)
		}

	case models.LifecycleTriggered:
		if ev.Type == models.EventViRelease {
			st = release(st, ev)
		}

	case models.LifecycleReleased:
		if ev.Type == models.EventTick {
			st.Window = appendSample(st.Window, ev, p.WindowSize)
			res.Evaluate = !st.Consumed
		}

	case models.LifecycleCooldown, models.LifecycleBlocked:
		// Re-entry is held off until the deadline passes.
	}

	res.State = st
	return res, nil
}

// Advance applies time-driven transitions at now: an expired decision
// window leaves Released, and an expired hold leaves Cooldown or Blocked.
func Advance(st models.SymbolState, now time.Time, p Params) Result {
	res := Result{From: st.Lifecycle}

	switch st.Lifecycle {
	case models.LifecycleReleased:
		if st.InWindow(now, p.DecisionWindow) {
			break
		}
		res.WindowClosed = true
		switch {
		case st.RiskBlocked:
			st = hold(st, models.LifecycleBlocked, now, p.Cooldown)
		case st.Consumed:
			st = hold(st, models.LifecycleCooldown, now, p.Cooldown)
		default:
			st = reset(st)
		}

	case models.LifecycleCooldown, models.LifecycleBlocked:
		if !now.Before(st.HoldUntil) {
			st = reset(st)
		}

	case models.LifecycleIdle, models.LifecycleTriggered:
	}

	res.State = st
	return res
}

// Block marks the cycle as risk-blocked. A Released symbol goes Blocked
// when its window closes; a symbol cooling down is moved to Blocked with
// a fresh hold.
func Block(st models.SymbolState, now time.Time, p Params) models.SymbolState {
	switch st.Lifecycle {
	case models.LifecycleReleased:
		st.RiskBlocked = true
	case models.LifecycleCooldown, models.LifecycleBlocked:
		st = hold(st, models.LifecycleBlocked, now, p.Cooldown)
		st.RiskBlocked = true
	case models.LifecycleIdle, models.LifecycleTriggered:
	}
	return st
}

func trigger(st models.SymbolState, ev models.MarketEvent) models.SymbolState {
	st = reset(st)
	st.Lifecycle = models.LifecycleTriggered
	st.TriggerPrice = ev.Price
	st.TriggeredAt = ev.ReceivedAt
	st.Direction = ev.Direction
	return st
}

func release(st models.SymbolState, ev models.MarketEvent) models.SymbolState {
	price := ev.Price
	if !price.IsPositive() {
		price = st.LastPrice
	}
	if !price.IsPositive() {
		price = st.TriggerPrice
	}
	st.Lifecycle = models.LifecycleReleased
	st.ReleasePrice = price
	st.ReleasedAt = ev.ReceivedAt
	st.ReleaseSequence = ev.Sequence
	st.Window = nil
	st.Consumed = false
	st.RiskBlocked = false
	return st
}

func hold(st models.SymbolState, to models.Lifecycle, now time.Time, d time.Duration) models.SymbolState {
	st.Lifecycle = to
	st.HoldUntil = now.Add(d)
	st.Window = nil
	return st
}

// reset returns st to Idle, keeping identity and sequence bookkeeping.
func reset(st models.SymbolState) models.SymbolState {
	return models.SymbolState{
		Symbol:            st.Symbol,
		Lifecycle:         models.LifecycleIdle,
		LastPrice:         st.LastPrice,
		LastEventSequence: st.LastEventSequence,
	}
}

func appendSample(window []models.PriceSample, ev models.MarketEvent, size int) []models.PriceSample {
	sample := models.PriceSample{
		Price:      ev.Price,
		Volume:     ev.Volume,
		Bid:        ev.Bid,
		Ask:        ev.Ask,
		ReceivedAt: ev.ReceivedAt,
		Sequence:   ev.Sequence,
	}
	if size > 0 && len(window) >= size {
		// Copy so snapshots taken earlier keep their view.
		next := make([]models.PriceSample, size-1, size)
		copy(next, window[len(window)-size+1:])
		return append(next, sample)
	}
	return append(window, sample)
}
