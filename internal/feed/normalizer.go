// Package feed converts raw gateway messages into canonical market events.
package feed

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
)

// DefaultDedupDepth is how many identities are remembered per symbol.
const DefaultDedupDepth = 256

// Normalizer stamps raw events with a receipt sequence and drops
// redeliveries that carry a known identity.
type Normalizer struct {
	seq   atomic.Uint64
	now   func() time.Time
	depth int

	mu     sync.Mutex
	recent map[string]*identityRing
}

// NewNormalizer creates a normalizer. now supplies receipt time for raw
// events the adapter did not stamp.
func NewNormalizer(depth int, now func() time.Time) *Normalizer {
	if depth <= 0 {
		depth = DefaultDedupDepth
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		now:    now,
		depth:  depth,
		recent: make(map[string]*identityRing),
	}
}

// Normalize validates raw and returns the canonical event. Redelivered
// events fail with ErrStaleEvent and malformed ones with ErrMalformedEvent;
// neither consumes a sequence number.
func (n *Normalizer) Normalize(raw broker.RawEvent) (models.MarketEvent, error) {
	if err := validate(raw); err != nil {
		return models.MarketEvent{}, err
	}

	if id, ok := identity(raw); ok {
		n.mu.Lock()
		ring, exists := n.recent[raw.Symbol]
		if !exists {
			ring = newIdentityRing(n.depth)
			n.recent[raw.Symbol] = ring
		}
		seen := !ring.add(id)
		n.mu.Unlock()
		if seen {
			return models.MarketEvent{}, fmt.Errorf("%w: %s %s redelivered (%s)", apperrors.ErrStaleEvent, raw.Symbol, raw.Type, id)
		}
	}

	received := raw.ReceivedAt
	if received.IsZero() {
		received = n.now()
	}

	return models.MarketEvent{
		Symbol:       raw.Symbol,
		Type:         raw.Type,
		Price:        raw.Price,
		Volume:       raw.Volume,
		Bid:          raw.Bid,
		Ask:          raw.Ask,
		Direction:    raw.Direction,
		ExchangeTime: raw.ExchangeTime,
		ReceivedAt:   received,
		Sequence:     n.seq.Add(1),
	}, nil
}

// LastSequence returns the most recently assigned receipt sequence.
func (n *Normalizer) LastSequence() uint64 {
	return n.seq.Load()
}

func validate(raw broker.RawEvent) error {
	if raw.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", apperrors.ErrMalformedEvent)
	}
	if !raw.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", apperrors.ErrMalformedEvent, raw.Type)
	}
	if raw.Type != models.EventViRelease && !raw.Price.IsPositive() {
		return fmt.Errorf("%w: %s %s with non-positive price %s", apperrors.ErrMalformedEvent, raw.Symbol, raw.Type, raw.Price)
	}
	if raw.Volume < 0 {
		return fmt.Errorf("%w: negative volume", apperrors.ErrMalformedEvent)
	}
	return nil
}

// identity returns a redelivery key when the raw event has one. Trade
// prints are identified by their cumulative volume, which only grows.
func identity(raw broker.RawEvent) (string, bool) {
	switch {
	case raw.ExchangeSeq != "":
		return string(raw.Type) + "#" + raw.ExchangeSeq, true
	case raw.Type == models.EventTick && raw.CumulativeVolume > 0:
		return "cv#" + strconv.FormatInt(raw.CumulativeVolume, 10), true
	case raw.Type == models.EventViTrigger && !raw.ExchangeTime.IsZero():
		return "vi#" + raw.ExchangeTime.Format("150405") + "#" + raw.Price.String(), true
	}
	return "", false
}

// identityRing is a fixed-size set that forgets its oldest entry.
type identityRing struct {
	keys  []string
	index map[string]struct{}
	next  int
}

func newIdentityRing(size int) *identityRing {
	return &identityRing{
		keys:  make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

// add records id and reports false if it was already present.
func (r *identityRing) add(id string) bool {
	if _, ok := r.index[id]; ok {
		return false
	}
	if old := r.keys[r.next]; old != "" {
		delete(r.index, old)
	}
	r.keys[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	return true
}
