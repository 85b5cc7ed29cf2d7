package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vi-trader/internal/broker"
	"vi-trader/internal/config"
	"vi-trader/internal/execution"
	"vi-trader/internal/feed"
	"vi-trader/internal/journal"
	"vi-trader/internal/metrics"
	"vi-trader/internal/models"
	"vi-trader/internal/notify"
	"vi-trader/internal/position"
	"vi-trader/internal/resilience"
	"vi-trader/internal/session"
	"vi-trader/internal/strategy"
	"vi-trader/internal/vi"
)

// Options are the outer collaborators of an engine built from config.
// Everything except Gateway may be left zero.
type Options struct {
	Gateway     broker.Gateway
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Journal     *journal.Journal
	Recorder    FeedRecorder
	Calendar    *session.Calendar
	OnIntent    func(models.OrderIntent)
	Logger      zerolog.Logger
	Now         func() time.Time
	Synchronous bool
}

// NewFromConfig assembles the core components from application config.
func NewFromConfig(cfg *config.Config, opts Options) *Engine {
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	closed := &closedPositions{notifier: opts.Notifier}
	var orderArchiver execution.OrderArchiver
	var decisions DecisionRecorder
	if opts.Journal != nil {
		closed.journal = opts.Journal
		orderArchiver = opts.Journal
		decisions = opts.Journal
	}

	tracker := position.NewTracker(PositionConfig(cfg.Risk), closed, opts.Logger)
	exec := execution.NewManager(ExecutionConfig(cfg.Execution), execution.Deps{
		Gateway:   opts.Gateway,
		Positions: tracker,
		Notifier:  opts.Notifier,
		Metrics:   opts.Metrics,
		Archiver:  orderArchiver,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})

	return New(Config{
		Symbols:        cfg.Symbols.Enabled,
		Allow:          cfg.SymbolAllowed,
		Shards:         cfg.Engine.Shards,
		ShardBuffer:    cfg.Engine.ShardBuffer,
		SweepInterval:  cfg.Engine.SweepInterval,
		GatewayTimeout: cfg.Broker.RequestTimeout,
		Synchronous:    opts.Synchronous,
	}, Deps{
		Gateway:    opts.Gateway,
		Normalizer: feed.NewNormalizer(cfg.Engine.DedupDepth, opts.Now),
		Store:      vi.NewStore(LifecycleParams(cfg)),
		Strategy:   strategy.NewEngine(StrategyConfig(cfg.Strategy)),
		Positions:  tracker,
		Execution:  exec,
		Calendar:   opts.Calendar,
		Notifier:   opts.Notifier,
		Metrics:    opts.Metrics,
		Decisions:  decisions,
		Recorder:   opts.Recorder,
		OnIntent:   opts.OnIntent,
		Logger:     opts.Logger,
		Now:        opts.Now,
	})
}

// LifecycleParams maps config onto the VI lifecycle timings.
func LifecycleParams(cfg *config.Config) vi.Params {
	return vi.Params{
		DecisionWindow: cfg.Strategy.DecisionWindow,
		Cooldown:       cfg.Risk.Cooldown,
		WindowSize:     cfg.Strategy.WindowSize,
	}
}

// StrategyConfig maps config percentages onto decision fractions.
func StrategyConfig(c config.StrategyConfig) strategy.Config {
	return strategy.Config{
		MinTicks:      c.MinPostReleaseTicks,
		MinMomentum:   strategy.Percent(c.MinMomentumPct),
		MinVolume:     c.MinWindowVolume,
		MaxSpread:     strategy.Percent(c.MaxSpreadPct),
		MaxChase:      strategy.Percent(c.MaxChasePct),
		AllowDownside: c.AllowDownsideVI,
		OrderQuantity: c.OrderQuantity,
		OrderNotional: decimal.NewFromFloat(c.OrderNotional),
		UseLimit:      c.UseLimitOrders,
		LimitSlippage: strategy.Percent(c.LimitSlippagePct),
		TakeProfit:    strategy.Percent(c.TakeProfitPct),
		MaxHold:       c.MaxHoldTime,
	}
}

// PositionConfig maps the risk section onto tracker limits.
func PositionConfig(c config.RiskConfig) position.Config {
	return position.Config{
		MaxConcurrent: c.MaxConcurrentPositions,
		StopLoss:      strategy.Percent(c.StopLossPct),
	}
}

// ExecutionConfig maps the execution section onto manager settings.
func ExecutionConfig(c config.ExecutionConfig) execution.Config {
	return execution.Config{
		GatewayTimeout: c.GatewayTimeout,
		EntryTTL:       c.EntryOrderTTL,
		Retry: resilience.RetryPolicy{
			MaxAttempts:  c.Retry.MaxAttempts,
			InitialDelay: c.Retry.InitialDelay,
			MaxDelay:     c.Retry.MaxDelay,
			Multiplier:   c.Retry.Multiplier,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
			Timeout:          c.CircuitBreaker.Timeout,
		},
		RecentLimit: c.RecentOrderLimit,
	}
}

// closedPositions notifies and journals round trips.
type closedPositions struct {
	notifier notify.Notifier
	journal  *journal.Journal
}

func (c *closedPositions) ArchivePosition(pos models.ClosedPosition) {
	level := notify.LevelInfo
	if pos.RealizedPnL.IsNegative() {
		level = notify.LevelWarning
	}
	c.notifier.Notify(notify.Event{
		Kind:    notify.KindPositionClosed,
		Level:   level,
		Symbol:  pos.Symbol,
		Title:   "Position closed",
		Message: fmt.Sprintf("%d shares round trip", pos.Quantity),
		Fields: map[string]string{
			"entry_price": pos.AverageEntryPrice.StringFixed(0),
			"exit_price":  pos.AverageExitPrice.StringFixed(0),
			"pnl":         pos.RealizedPnL.StringFixed(0),
		},
		Time: pos.ClosedAt,
	})
	if c.journal != nil {
		c.journal.ArchivePosition(pos)
	}
}
