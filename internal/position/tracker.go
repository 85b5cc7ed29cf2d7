// Package position tracks open positions and enforces the risk limits
// that apply to them.
package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/logging"
	"vi-trader/internal/models"
)

// Config holds the tracker's risk limits.
type Config struct {
	MaxConcurrent int
	// StopLoss is the loss fraction (0.05 = 5%) that forces a risk stop.
	StopLoss decimal.Decimal
}

// Archiver receives positions that went flat.
type Archiver interface {
	ArchivePosition(pos models.ClosedPosition)
}

// Tracker is the only writer of position quantity and average price.
// Each symbol has its own slot lock; activeMu guards only the set of
// active symbols used for the concurrency cap.
type Tracker struct {
	cfg      Config
	archiver Archiver
	logger   zerolog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	activeMu sync.Mutex
	active   map[string]struct{}
}

type slot struct {
	mu  sync.Mutex
	pos models.Position

	exitQty      int64
	exitNotional decimal.Decimal
}

// NewTracker creates a tracker. archiver may be nil.
func NewTracker(cfg Config, archiver Archiver, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		archiver: archiver,
		logger:   logging.WithComponent(logger, "position"),
		slots:    make(map[string]*slot),
		active:   make(map[string]struct{}),
	}
}

func (t *Tracker) slot(symbol string) *slot {
	t.mu.RLock()
	s, ok := t.slots[symbol]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[symbol]; ok {
		return s
	}
	s = &slot{pos: models.Position{Symbol: symbol, Status: models.PositionNone}}
	t.slots[symbol] = s
	return s
}

// Reserve claims a position slot for an entry about to be submitted.
func (t *Tracker) Reserve(symbol string) error {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()

	if _, ok := t.active[symbol]; ok {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrRiskLimitExceeded, symbol, apperrors.ErrPositionExists)
	}
	if len(t.active) >= t.cfg.MaxConcurrent {
		return apperrors.NewRiskError("max_concurrent_positions", symbol, float64(len(t.active)), float64(t.cfg.MaxConcurrent))
	}
	t.active[symbol] = struct{}{}
	return nil
}

// ReleaseReservation frees a slot claimed by Reserve if the entry never
// produced a position.
func (t *Tracker) ReleaseReservation(symbol string) {
	s := t.slot(symbol)
	s.mu.Lock()
	flat := s.pos.Quantity == 0
	s.mu.Unlock()
	if flat {
		t.deactivate(symbol)
	}
}

func (t *Tracker) activate(symbol string) {
	t.activeMu.Lock()
	t.active[symbol] = struct{}{}
	t.activeMu.Unlock()
}

func (t *Tracker) deactivate(symbol string) {
	t.activeMu.Lock()
	delete(t.active, symbol)
	t.activeMu.Unlock()
}

// ApplyFill applies a fill atomically. An inconsistent fill leaves the
// position untouched.
func (t *Tracker) ApplyFill(fill models.Fill) (models.Position, error) {
	if fill.Quantity <= 0 || !fill.Price.IsPositive() {
		return models.Position{}, apperrors.NewFillError(fill.OrderID, fill.Symbol, "non-positive quantity or price", nil)
	}

	s := t.slot(fill.Symbol)
	s.mu.Lock()

	pos := s.pos
	qty := decimal.NewFromInt(fill.Quantity)
	var closed *models.ClosedPosition

	switch fill.Side {
	case models.SideBuy:
		held := decimal.NewFromInt(pos.Quantity)
		newQty := pos.Quantity + fill.Quantity
		pos.AverageEntryPrice = pos.AverageEntryPrice.Mul(held).Add(fill.Price.Mul(qty)).Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
		if pos.Status == models.PositionNone {
			pos.Status = models.PositionOpen
			pos.OpenedAt = fill.FilledAt
			pos.RealizedPnL = decimal.Zero
			s.exitQty, s.exitNotional = 0, decimal.Zero
		}

	case models.SideSell:
		if fill.Quantity > pos.Quantity {
			s.mu.Unlock()
			return models.Position{}, apperrors.NewFillError(fill.OrderID, fill.Symbol,
				fmt.Sprintf("sell %d exceeds position %d", fill.Quantity, pos.Quantity), nil)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(fill.Price.Sub(pos.AverageEntryPrice).Mul(qty))
		pos.Quantity -= fill.Quantity
		s.exitQty += fill.Quantity
		s.exitNotional = s.exitNotional.Add(fill.Price.Mul(qty))

		if pos.Quantity == 0 {
			closed = &models.ClosedPosition{
				Symbol:            pos.Symbol,
				Quantity:          s.exitQty,
				AverageEntryPrice: pos.AverageEntryPrice,
				AverageExitPrice:  s.exitNotional.Div(decimal.NewFromInt(s.exitQty)),
				RealizedPnL:       pos.RealizedPnL,
				OpenedAt:          pos.OpenedAt,
				ClosedAt:          fill.FilledAt,
			}
			pos = models.Position{Symbol: pos.Symbol, Status: models.PositionNone, LastPrice: pos.LastPrice}
		}

	default:
		s.mu.Unlock()
		return models.Position{}, apperrors.NewFillError(fill.OrderID, fill.Symbol, "unknown side "+string(fill.Side), nil)
	}

	pos.UnrealizedPnLBasis = pos.AverageEntryPrice.Mul(decimal.NewFromInt(pos.Quantity))
	s.pos = pos
	s.mu.Unlock()

	if closed != nil {
		t.deactivate(fill.Symbol)
		t.logger.Info().
			Str("event", "position_closed").
			Str("symbol", closed.Symbol).
			Str("pnl", closed.RealizedPnL.StringFixed(0)).
			Msg("Position closed")
		if t.archiver != nil {
			t.archiver.ArchivePosition(*closed)
		}
	} else {
		t.activate(fill.Symbol)
	}
	return pos, nil
}

// OnPrice records a price update and runs the stop-loss check. It returns
// a RiskStop intent the first time the loss threshold is crossed; the
// position is then Closing and will not fire again.
func (t *Tracker) OnPrice(symbol string, price decimal.Decimal, now time.Time) *models.OrderIntent {
	t.mu.RLock()
	s, ok := t.slots[symbol]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pos.LastPrice = price
	if s.pos.Status != models.PositionOpen || s.pos.Quantity <= 0 {
		return nil
	}
	if s.pos.LossFraction(price).LessThan(t.cfg.StopLoss) {
		return nil
	}

	s.pos.Status = models.PositionClosing
	intent := riskStop(s.pos, now, "stop_loss")
	logging.LogRisk(t.logger, symbol, "stop_loss",
		fmt.Errorf("price %s vs entry %s", price, s.pos.AverageEntryPrice))
	return &intent
}

// MarkClosing moves an Open position to Closing for a strategy or manual
// exit and returns it.
func (t *Tracker) MarkClosing(symbol string) (models.Position, error) {
	s := t.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos.Status != models.PositionOpen {
		return s.pos, fmt.Errorf("%w: %s is %s", apperrors.ErrPositionNotFound, symbol, s.pos.Status)
	}
	s.pos.Status = models.PositionClosing
	return s.pos, nil
}

// RevertClosing returns a Closing position to Open after its exit failed,
// so the stop-loss check is armed again.
func (t *Tracker) RevertClosing(symbol string) {
	s := t.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos.Status == models.PositionClosing && s.pos.Quantity > 0 {
		s.pos.Status = models.PositionOpen
	}
}

// FlattenAll moves every Open position to Closing and returns a RiskStop
// intent for each.
func (t *Tracker) FlattenAll(now time.Time) []models.OrderIntent {
	var intents []models.OrderIntent
	for _, symbol := range t.symbols() {
		s := t.slot(symbol)
		s.mu.Lock()
		if s.pos.Status == models.PositionOpen && s.pos.Quantity > 0 {
			s.pos.Status = models.PositionClosing
			intents = append(intents, riskStop(s.pos, now, "session_flatten"))
		}
		s.mu.Unlock()
	}
	return intents
}

// Reconcile replaces tracked positions with the broker's view. It is meant
// for startup, before any fills are processed.
func (t *Tracker) Reconcile(holdings []models.Holding, now time.Time) {
	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Quantity <= 0 {
			continue
		}
		seen[h.Symbol] = true
		s := t.slot(h.Symbol)
		s.mu.Lock()
		s.pos = models.Position{
			Symbol:             h.Symbol,
			Quantity:           h.Quantity,
			AverageEntryPrice:  h.AveragePrice,
			UnrealizedPnLBasis: h.AveragePrice.Mul(decimal.NewFromInt(h.Quantity)),
			LastPrice:          h.AveragePrice,
			OpenedAt:           now,
			Status:             models.PositionOpen,
		}
		s.exitQty, s.exitNotional = 0, decimal.Zero
		s.mu.Unlock()
		t.activate(h.Symbol)
	}

	for _, symbol := range t.symbols() {
		if seen[symbol] {
			continue
		}
		s := t.slot(symbol)
		s.mu.Lock()
		s.pos = models.Position{Symbol: symbol, Status: models.PositionNone}
		s.mu.Unlock()
		t.deactivate(symbol)
	}

	t.logger.Info().Int("positions", len(seen)).Msg("Positions reconciled with broker")
}

// Snapshot returns one symbol's position.
func (t *Tracker) Snapshot(symbol string) models.Position {
	s := t.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Positions returns every non-flat position sorted by symbol.
func (t *Tracker) Positions() []models.Position {
	var out []models.Position
	for _, symbol := range t.symbols() {
		p := t.Snapshot(symbol)
		if p.Status != models.PositionNone {
			out = append(out, p)
		}
	}
	return out
}

// OpenCount returns the number of symbols holding or reserving a slot.
func (t *Tracker) OpenCount() int {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return len(t.active)
}

// HasExposure reports whether any position is non-flat.
func (t *Tracker) HasExposure() bool {
	return len(t.Positions()) > 0
}

func (t *Tracker) symbols() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.slots))
	for s := range t.slots {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func riskStop(pos models.Position, now time.Time, note string) models.OrderIntent {
	return models.OrderIntent{
		ID:        models.IntentID(pos.Symbol, string(models.ReasonRiskStop), pos.OpenedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), note),
		Symbol:    pos.Symbol,
		Side:      models.SideSell,
		Quantity:  pos.Quantity,
		Price:     models.MarketPrice(),
		Reason:    models.ReasonRiskStop,
		CreatedAt: now,
		Note:      note,
	}
}
