package vi

import (
	"sort"
	"sync"
	"time"

	"vi-trader/internal/models"
)

// EvaluateFunc is called with the symbol's state, under its lock, when a
// tick lands inside an unconsumed decision window. Returning true marks
// the release consumed. It must not block.
type EvaluateFunc func(st models.SymbolState) bool

// Store owns one SymbolState per symbol. Each symbol has its own lock;
// the store lock only guards membership.
type Store struct {
	params Params

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state models.SymbolState
}

// NewStore creates an empty store.
func NewStore(p Params) *Store {
	return &Store{
		params:  p,
		entries: make(map[string]*entry),
	}
}

// Params returns the lifecycle parameters the store applies.
func (s *Store) Params() Params {
	return s.params
}

func (s *Store) get(symbol string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[symbol]; ok {
		return e
	}
	e = &entry{state: models.SymbolState{Symbol: symbol}}
	s.entries[symbol] = e
	return e
}

// Apply runs the transition for ev and, when the result asks for it,
// evaluate. The state is replaced only on success.
func (s *Store) Apply(ev models.MarketEvent, evaluate EvaluateFunc) (Result, error) {
	e := s.get(ev.Symbol, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := Transition(e.state, ev, s.params)
	if err != nil {
		return res, err
	}
	if res.Evaluate && evaluate != nil && evaluate(res.State) {
		res.State.Consumed = true
	}
	e.state = res.State
	return res.cloned(), nil
}

// Advance applies time-driven transitions for one symbol.
func (s *Store) Advance(symbol string, now time.Time) (Result, bool) {
	e := s.get(symbol, false)
	if e == nil {
		return Result{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Advance(e.state, now, s.params)
	e.state = res.State
	return res.cloned(), true
}

// MarkRiskBlocked records that the symbol's current cycle hit a risk
// control.
func (s *Store) MarkRiskBlocked(symbol string, now time.Time) models.SymbolState {
	e := s.get(symbol, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = Block(e.state, now, s.params)
	return e.state.Clone()
}

// Snapshot returns a copy of one symbol's state.
func (s *Store) Snapshot(symbol string) (models.SymbolState, bool) {
	e := s.get(symbol, false)
	if e == nil {
		return models.SymbolState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

// Symbols returns the known symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for sym := range s.entries {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshots returns copies of every symbol's state, sorted by symbol.
func (s *Store) Snapshots() []models.SymbolState {
	symbols := s.Symbols()
	out := make([]models.SymbolState, 0, len(symbols))
	for _, sym := range symbols {
		if st, ok := s.Snapshot(sym); ok {
			out = append(out, st)
		}
	}
	return out
}

func (r Result) cloned() Result {
	r.State = r.State.Clone()
	return r
}
