// Package strategy implements the post-release entry rules and the
// strategy-driven exits.
package strategy

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"vi-trader/internal/models"
)

// Verdict names the outcome of a decision.
type Verdict string

const (
	VerdictEntry             Verdict = "entry"
	VerdictNotEligible       Verdict = "not_eligible"
	VerdictOutsideSession    Verdict = "outside_session"
	VerdictDownside          Verdict = "downside_vi"
	VerdictInsufficientTicks Verdict = "insufficient_ticks"
	VerdictWeakMomentum      Verdict = "weak_momentum"
	VerdictLowVolume         Verdict = "low_volume"
	VerdictWideSpread        Verdict = "wide_spread"
	VerdictOverextended      Verdict = "overextended"
	VerdictZeroQuantity      Verdict = "zero_quantity"

	VerdictHold       Verdict = "hold"
	VerdictTakeProfit Verdict = "take_profit"
	VerdictMaxHold    Verdict = "max_hold"
)

// Config holds the rule thresholds. Percentages are fractions (0.01 = 1%).
type Config struct {
	MinTicks      int
	MinMomentum   decimal.Decimal
	MinVolume     int64
	MaxSpread     decimal.Decimal
	MaxChase      decimal.Decimal
	AllowDownside bool

	OrderQuantity int64
	OrderNotional decimal.Decimal
	UseLimit      bool
	LimitSlippage decimal.Decimal

	TakeProfit decimal.Decimal
	MaxHold    time.Duration
}

// Engine evaluates entry and exit rules. It has no clock and no state, so
// a replay of the same ticks reproduces the same decisions.
type Engine struct {
	cfg Config
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MinTicks < 1 {
		cfg.MinTicks = 1
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide returns a StrategyEntry intent when the post-release window
// satisfies every rule, or nil and the first rule that failed.
func (e *Engine) Decide(st models.SymbolState, window []models.PriceSample) (*models.OrderIntent, Verdict) {
	if st.Lifecycle != models.LifecycleReleased || st.Consumed || !st.ReleasePrice.IsPositive() {
		return nil, VerdictNotEligible
	}
	if st.Direction == models.ViDown && !e.cfg.AllowDownside {
		return nil, VerdictDownside
	}
	if len(window) < e.cfg.MinTicks {
		return nil, VerdictInsufficientTicks
	}

	last := window[len(window)-1]

	momentum := last.Price.Sub(st.ReleasePrice).Div(st.ReleasePrice)
	if momentum.LessThan(e.cfg.MinMomentum) {
		return nil, VerdictWeakMomentum
	}

	var volume int64
	for _, s := range window {
		volume += s.Volume
	}
	if volume < e.cfg.MinVolume {
		return nil, VerdictLowVolume
	}

	if spread, ok := spreadOf(last); ok && e.cfg.MaxSpread.IsPositive() && spread.GreaterThan(e.cfg.MaxSpread) {
		return nil, VerdictWideSpread
	}

	if e.cfg.MaxChase.IsPositive() && st.TriggerPrice.IsPositive() {
		ceiling := st.TriggerPrice.Mul(decimal.NewFromInt(1).Add(e.cfg.MaxChase))
		if last.Price.GreaterThan(ceiling) {
			return nil, VerdictOverextended
		}
	}

	qty := e.quantity(last.Price)
	if qty <= 0 {
		return nil, VerdictZeroQuantity
	}

	price := models.MarketPrice()
	if e.cfg.UseLimit {
		limit := last.Price.Mul(decimal.NewFromInt(1).Add(e.cfg.LimitSlippage))
		price = models.LimitPrice(RoundUpToTick(limit))
	}

	return &models.OrderIntent{
		ID:        models.IntentID(st.Symbol, string(models.ReasonStrategyEntry), strconv.FormatUint(st.ReleaseSequence, 10)),
		Symbol:    st.Symbol,
		Side:      models.SideBuy,
		Quantity:  qty,
		Price:     price,
		Reason:    models.ReasonStrategyEntry,
		CreatedAt: last.ReceivedAt,
		Note:      "momentum " + momentum.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%",
	}, VerdictEntry
}

// Exit returns a StrategyExit intent for an open position when the take
// profit is reached or the position has been held too long. With limit
// orders enabled, take-profit sells are priced one slippage step below
// price, rounded down to a tick.
func (e *Engine) Exit(pos models.Position, price decimal.Decimal, now time.Time) (*models.OrderIntent, Verdict) {
	if pos.Status != models.PositionOpen || pos.Quantity <= 0 || pos.AverageEntryPrice.IsZero() {
		return nil, VerdictNotEligible
	}

	var verdict Verdict
	gain := price.Sub(pos.AverageEntryPrice).Div(pos.AverageEntryPrice)
	switch {
	case e.cfg.TakeProfit.IsPositive() && gain.GreaterThanOrEqual(e.cfg.TakeProfit):
		verdict = VerdictTakeProfit
	case e.cfg.MaxHold > 0 && now.Sub(pos.OpenedAt) >= e.cfg.MaxHold:
		verdict = VerdictMaxHold
	default:
		return nil, VerdictHold
	}

	// Max-hold exits stay at market so the position always gets out.
	limit := models.MarketPrice()
	if e.cfg.UseLimit && verdict == VerdictTakeProfit {
		floor := price.Mul(decimal.NewFromInt(1).Sub(e.cfg.LimitSlippage))
		limit = models.LimitPrice(RoundDownToTick(floor))
	}

	return &models.OrderIntent{
		ID:        models.IntentID(pos.Symbol, string(models.ReasonStrategyExit), pos.OpenedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)),
		Symbol:    pos.Symbol,
		Side:      models.SideSell,
		Quantity:  pos.Quantity,
		Price:     limit,
		Reason:    models.ReasonStrategyExit,
		CreatedAt: now,
		Note:      string(verdict),
	}, verdict
}

func (e *Engine) quantity(price decimal.Decimal) int64 {
	if e.cfg.OrderQuantity > 0 {
		return e.cfg.OrderQuantity
	}
	if !price.IsPositive() {
		return 0
	}
	return e.cfg.OrderNotional.Div(price).Floor().IntPart()
}

// spreadOf returns (ask-bid)/mid when both quotes are known.
func spreadOf(s models.PriceSample) (decimal.Decimal, bool) {
	if !s.Bid.IsPositive() || !s.Ask.IsPositive() || s.Ask.LessThan(s.Bid) {
		return decimal.Zero, false
	}
	mid := s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
	return s.Ask.Sub(s.Bid).Div(mid), true
}

// Percent converts a percentage to the fraction the engine expects.
func Percent(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(decimal.NewFromInt(100))
}
