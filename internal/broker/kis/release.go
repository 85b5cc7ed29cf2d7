package kis

import (
	"sync"
	"time"

	"vi-trader/internal/broker"
	"vi-trader/internal/models"
)

// releaseTracker infers VI releases. KIS publishes triggers but no release
// message, so the first trade print at least after the static VI duration
// marks the end of the single-price auction.
type releaseTracker struct {
	after time.Duration

	mu        sync.Mutex
	triggered map[string]time.Time
	lastCum   map[string]int64
}

func newReleaseTracker(after time.Duration) *releaseTracker {
	return &releaseTracker{
		after:     after,
		triggered: make(map[string]time.Time),
		lastCum:   make(map[string]int64),
	}
}

// trigger remembers when symbol's VI fired.
func (r *releaseTracker) trigger(ev broker.RawEvent) {
	at := ev.ExchangeTime
	if at.IsZero() {
		at = ev.ReceivedAt
	}
	r.mu.Lock()
	r.triggered[ev.Symbol] = at
	r.mu.Unlock()
}

// cumulative returns and updates the last cumulative volume seen.
func (r *releaseTracker) cumulative(symbol string, cum int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.lastCum[symbol]
	if cum > last {
		r.lastCum[symbol] = cum
	}
	return last
}

// trade returns a release event to emit ahead of tick, if tick ends the
// auction.
func (r *releaseTracker) trade(tick broker.RawEvent) (broker.RawEvent, bool) {
	at := tick.ExchangeTime
	if at.IsZero() {
		at = tick.ReceivedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	since, ok := r.triggered[tick.Symbol]
	if !ok || at.Sub(since) < r.after {
		return broker.RawEvent{}, false
	}
	delete(r.triggered, tick.Symbol)

	return broker.RawEvent{
		Symbol:       tick.Symbol,
		Type:         models.EventViRelease,
		Price:        tick.Price,
		ExchangeTime: tick.ExchangeTime,
		ReceivedAt:   tick.ReceivedAt,
	}, true
}

// pending reports whether symbol has an unreleased trigger.
func (r *releaseTracker) pending(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.triggered[symbol]
	return ok
}
