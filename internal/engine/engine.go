// Package engine wires the trading core together: it pulls raw events from
// the gateway, normalizes them, runs each symbol's lifecycle on its own
// shard and hands the resulting intents to the execution manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/execution"
	"vi-trader/internal/feed"
	"vi-trader/internal/journal"
	"vi-trader/internal/logging"
	"vi-trader/internal/metrics"
	"vi-trader/internal/models"
	"vi-trader/internal/notify"
	"vi-trader/internal/position"
	"vi-trader/internal/session"
	"vi-trader/internal/strategy"
	"vi-trader/internal/vi"
)

// Config sizes the pipeline.
type Config struct {
	// Symbols is the watch list passed to the gateway stream.
	Symbols []string
	// Allow filters incoming symbols. Nil allows everything.
	Allow         func(symbol string) bool
	Shards        int
	ShardBuffer   int
	SweepInterval time.Duration
	// GatewayTimeout bounds the startup position query.
	GatewayTimeout time.Duration
	// Synchronous runs submissions and report handling inline. Replay and
	// tests use it to get deterministic ordering.
	Synchronous bool
}

// DecisionRecorder receives entry decisions for the journal.
type DecisionRecorder interface {
	RecordDecision(d journal.Decision)
}

// FeedRecorder receives every raw event before normalization.
type FeedRecorder interface {
	Record(raw broker.RawEvent)
}

// Deps are the engine's collaborators. Calendar, Notifier, Metrics,
// Decisions, Recorder and OnIntent may be nil.
type Deps struct {
	Gateway    broker.Gateway
	Normalizer *feed.Normalizer
	Store      *vi.Store
	Strategy   *strategy.Engine
	Positions  *position.Tracker
	Execution  *execution.Manager
	Calendar   *session.Calendar
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Decisions  DecisionRecorder
	Recorder   FeedRecorder
	OnIntent   func(models.OrderIntent)
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Engine is the orchestration layer. Symbol state and positions are only
// mutated from the symbol's shard; submissions run on their own goroutines
// so a shard never waits on the gateway.
type Engine struct {
	cfg        Config
	gateway    broker.Gateway
	normalizer *feed.Normalizer
	store      *vi.Store
	strategy   *strategy.Engine
	positions  *position.Tracker
	exec       *execution.Manager
	calendar   *session.Calendar
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	decisions  DecisionRecorder
	recorder   FeedRecorder
	onIntent   func(models.OrderIntent)
	logger     zerolog.Logger
	now        func() time.Time

	dispatcher *Dispatcher

	ctxMu   sync.RWMutex
	baseCtx context.Context

	inflight  sync.WaitGroup
	lastEvent atomic.Int64

	flattenMu   sync.Mutex
	lastFlatten string // trading day of the last scheduled flatten
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoOp{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Normalizer == nil {
		deps.Normalizer = feed.NewNormalizer(feed.DefaultDedupDepth, deps.Now)
	}

	return &Engine{
		cfg:        cfg,
		gateway:    deps.Gateway,
		normalizer: deps.Normalizer,
		store:      deps.Store,
		strategy:   deps.Strategy,
		positions:  deps.Positions,
		exec:       deps.Execution,
		calendar:   deps.Calendar,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		decisions:  deps.Decisions,
		recorder:   deps.Recorder,
		onIntent:   deps.OnIntent,
		logger:     logging.WithComponent(deps.Logger, "engine"),
		now:        deps.Now,
		dispatcher: NewDispatcher(cfg.Shards, cfg.ShardBuffer),
		baseCtx:    context.Background(),
	}
}

func (e *Engine) context() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.baseCtx
}

// Run authenticates, reconciles positions and processes the market data
// stream until ctx is cancelled or the stream is lost with nothing to
// protect.
func (e *Engine) Run(ctx context.Context) error {
	e.ctxMu.Lock()
	e.baseCtx = ctx
	e.ctxMu.Unlock()

	if _, err := e.gateway.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticating with broker: %w", err)
	}
	if err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling positions: %w", err)
	}

	stream, err := e.gateway.StreamMarketEvents(ctx, e.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("subscribing market data: %w", err)
	}

	e.logger.Info().
		Int("symbols", len(e.cfg.Symbols)).
		Int("shards", e.cfg.Shards).
		Int("open_positions", e.positions.OpenCount()).
		Msg("Engine started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	g.Go(func() error { return e.consume(gctx, stream) })
	g.Go(func() error { return e.exec.ProcessReports(gctx, e.gateway.Reports()) })
	g.Go(func() error { return e.sweep(gctx) })
	if e.calendar != nil {
		g.Go(func() error { return e.scheduleFlatten(gctx) })
	}

	err = g.Wait()
	e.inflight.Wait()

	if open := e.positions.Positions(); len(open) > 0 {
		e.logger.Warn().Int("positions", len(open)).Msg("Shutting down with open positions")
		e.notifier.Notify(notify.Event{
			Kind:    notify.KindAlert,
			Level:   notify.LevelCritical,
			Title:   "Shutdown with open positions",
			Message: fmt.Sprintf("%d position(s) still open", len(open)),
			Time:    e.now(),
		})
	}
	e.logger.Info().Msg("Engine stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume reads the gateway stream and dispatches each event to its shard.
func (e *Engine) consume(ctx context.Context, stream <-chan broker.RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-stream:
			if !ok {
				return e.streamLost(ctx)
			}
			ev, ok := e.normalize(raw)
			if !ok {
				continue
			}
			if err := e.dispatcher.Dispatch(ctx, ev.Symbol, func() { e.process(ev) }); err != nil {
				return nil
			}
		}
	}
}

// streamLost handles a stream the gateway gave up reconnecting. With open
// positions the engine keeps running so stops, exits and the ops API stay
// available.
func (e *Engine) streamLost(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	err := fmt.Errorf("%w: market data stream closed", apperrors.ErrGatewayUnavailable)
	logging.LogAlert(e.logger, "Market data stream lost", err)
	e.notifier.Notify(notify.Critical("", "Market data stream lost", err))

	if e.positions.HasExposure() {
		e.logger.Warn().Msg("Positions are open, staying up without market data")
		<-ctx.Done()
		return nil
	}
	return err
}

// normalize filters, records and normalizes one raw event.
func (e *Engine) normalize(raw broker.RawEvent) (models.MarketEvent, bool) {
	if e.cfg.Allow != nil && !e.cfg.Allow(raw.Symbol) {
		return models.MarketEvent{}, false
	}
	if e.recorder != nil {
		e.recorder.Record(raw)
	}
	ev, err := e.normalizer.Normalize(raw)
	switch {
	case errors.Is(err, apperrors.ErrStaleEvent):
		e.metrics.Stale()
		e.logger.Debug().Err(err).Msg("Dropped redelivered event")
		return models.MarketEvent{}, false
	case err != nil:
		e.metrics.Malformed()
		e.logger.Warn().Err(err).Str("symbol", raw.Symbol).Msg("Dropped malformed event")
		return models.MarketEvent{}, false
	}
	e.metrics.Event(string(ev.Type))
	e.lastEvent.Store(ev.ReceivedAt.UnixNano())
	return ev, true
}

// LastEventAt returns the receipt time of the newest accepted event.
func (e *Engine) LastEventAt() time.Time {
	n := e.lastEvent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Calendar returns the session calendar, which may be nil.
func (e *Engine) Calendar() *session.Calendar {
	return e.calendar
}

// Ingest runs one raw event through the whole pipeline on the caller's
// goroutine. It must not be mixed with Run.
func (e *Engine) Ingest(raw broker.RawEvent) {
	ev, ok := e.normalize(raw)
	if !ok {
		return
	}
	e.process(ev)
	e.drainReports()
}

// Step applies time-driven work at now on the caller's goroutine.
func (e *Engine) Step(now time.Time) {
	for _, symbol := range e.store.Symbols() {
		e.advance(symbol, now)
	}
	for _, pos := range e.positions.Positions() {
		e.checkExit(pos.Symbol, now)
	}
	e.exec.CancelStaleEntries(e.context(), now)
	e.drainReports()
	e.metrics.SetOpenPositions(e.positions.OpenCount())
}

func (e *Engine) drainReports() {
	if !e.cfg.Synchronous {
		return
	}
	for {
		select {
		case r, ok := <-e.gateway.Reports():
			if !ok {
				return
			}
			_ = e.exec.HandleReport(r)
		default:
			return
		}
	}
}

// process handles one event for its symbol. The risk check runs before
// the lifecycle so a stop is never delayed by an entry decision.
func (e *Engine) process(ev models.MarketEvent) {
	now := ev.ReceivedAt
	logger := logging.WithSymbol(e.logger, ev.Symbol)

	if st, ok := e.store.Snapshot(ev.Symbol); ok && ev.Sequence <= st.LastEventSequence {
		e.metrics.Stale()
		logger.Debug().Uint64("seq", ev.Sequence).Msg("Ignored stale event")
		return
	}

	var stop *models.OrderIntent
	if ev.Type == models.EventTick {
		stop = e.positions.OnPrice(ev.Symbol, ev.Price, now)
		if stop != nil {
			e.store.MarkRiskBlocked(ev.Symbol, now)
			e.metrics.RiskRejected("stop_loss")
			e.notifier.Notify(notify.Event{
				Kind:    notify.KindRisk,
				Level:   notify.LevelWarning,
				Symbol:  ev.Symbol,
				Title:   "Stop loss triggered",
				Message: fmt.Sprintf("Selling %d at market", stop.Quantity),
				Fields:  map[string]string{"price": ev.Price.String(), "quantity": fmt.Sprint(stop.Quantity)},
				Time:    now,
			})
			e.submit(*stop)
		}
	}

	var (
		entry   *models.OrderIntent
		verdict strategy.Verdict
		window  models.SymbolState
	)
	res, err := e.store.Apply(ev, func(st models.SymbolState) bool {
		window = st
		if e.calendar != nil && !e.calendar.CanEnter(now) {
			verdict = strategy.VerdictOutsideSession
			return false
		}
		entry, verdict = e.strategy.Decide(st, st.Window)
		return entry != nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleEvent) {
			e.metrics.Stale()
			logger.Debug().Err(err).Msg("Ignored stale event")
			return
		}
		logger.Error().Err(err).Msg("Failed to apply event")
		return
	}
	e.observe(res, now)

	if verdict != "" {
		e.metrics.Decision(string(verdict))
		logger.Debug().Str("verdict", string(verdict)).Int("ticks", len(window.Window)).Msg("Entry evaluated")
	}
	if entry != nil {
		e.recordDecision(window, verdict, entry.ID, now)
		e.submit(*entry)
	}

	if stop == nil && ev.Type == models.EventTick {
		e.checkExit(ev.Symbol, now)
	}
}

// advance applies time-driven lifecycle transitions for one symbol.
func (e *Engine) advance(symbol string, now time.Time) {
	res, ok := e.store.Advance(symbol, now)
	if !ok {
		return
	}
	e.observe(res, now)
}

// checkExit asks the strategy whether an open position should be closed.
func (e *Engine) checkExit(symbol string, now time.Time) {
	pos := e.positions.Snapshot(symbol)
	if pos.Status != models.PositionOpen || !pos.LastPrice.IsPositive() {
		return
	}
	intent, verdict := e.strategy.Exit(pos, pos.LastPrice, now)
	if intent == nil {
		return
	}
	if _, err := e.positions.MarkClosing(symbol); err != nil {
		return
	}
	e.logger.Info().Str("symbol", symbol).Str("verdict", string(verdict)).Msg("Strategy exit")
	e.submit(*intent)
}

// observe logs, counts and notifies lifecycle changes.
func (e *Engine) observe(res vi.Result, now time.Time) {
	st := res.State
	if res.WindowClosed && res.From == models.LifecycleReleased && !st.Consumed && st.Lifecycle == models.LifecycleIdle {
		e.recordDecision(st, "window_expired", "", now)
	}
	if !res.Changed() {
		return
	}

	e.metrics.Transition(res.From.String(), st.Lifecycle.String())
	logging.LogTransition(e.logger, st.Symbol, res.From, st.Lifecycle, st.LastEventSequence)

	switch st.Lifecycle {
	case models.LifecycleTriggered:
		direction := string(st.Direction)
		if direction == "" {
			direction = "UNKNOWN"
		}
		e.notifier.Notify(notify.Event{
			Kind:    notify.KindTransition,
			Level:   notify.LevelInfo,
			Symbol:  st.Symbol,
			Title:   "VI triggered",
			Message: "Volatility interruption " + direction,
			Fields:  map[string]string{"price": st.TriggerPrice.String(), "direction": direction},
			Time:    now,
		})
	case models.LifecycleReleased:
		e.notifier.Notify(notify.Event{
			Kind:    notify.KindTransition,
			Level:   notify.LevelInfo,
			Symbol:  st.Symbol,
			Title:   "VI released",
			Message: "Decision window open",
			Fields:  map[string]string{"price": st.ReleasePrice.String()},
			Time:    now,
		})
	}
}

func (e *Engine) recordDecision(st models.SymbolState, verdict strategy.Verdict, intentID string, now time.Time) {
	if e.decisions == nil {
		return
	}
	last := st.LastPrice
	if n := len(st.Window); n > 0 {
		last = st.Window[n-1].Price
	}
	e.decisions.RecordDecision(journal.Decision{
		Symbol:       st.Symbol,
		Verdict:      string(verdict),
		IntentID:     intentID,
		ReleasePrice: st.ReleasePrice,
		LastPrice:    last,
		Ticks:        len(st.Window),
		At:           now,
	})
}

// submit hands intent to the execution manager.
func (e *Engine) submit(intent models.OrderIntent) {
	logging.LogIntent(e.logger, intent)
	if e.onIntent != nil {
		e.onIntent(intent)
	}
	ctx := e.context()
	if e.cfg.Synchronous {
		e.execute(ctx, intent)
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.execute(ctx, intent)
	}()
}

func (e *Engine) execute(ctx context.Context, intent models.OrderIntent) {
	logger := logging.WithIntentID(logging.WithSymbol(e.logger, intent.Symbol), intent.ID)
	orderID, err := e.exec.Submit(ctx, intent)
	if err != nil {
		if errors.Is(err, apperrors.ErrRiskLimitExceeded) {
			e.entryRejected(intent, err)
			return
		}
		logger.Error().Err(err).Str("reason", string(intent.Reason)).Msg("Order submission failed")
		return
	}
	logger.Info().Str("order_id", orderID).Msg("Order accepted")

	if intent.Reason == models.ReasonStrategyEntry {
		e.notifier.Notify(notify.Event{
			Kind:    notify.KindEntry,
			Level:   notify.LevelInfo,
			Symbol:  intent.Symbol,
			Title:   "Entry signal",
			Message: intent.Note,
			Fields: map[string]string{
				"quantity":   fmt.Sprint(intent.Quantity),
				"price_kind": string(intent.Price.Kind),
				"order_id":   orderID,
			},
			Time: intent.CreatedAt,
		})
	}
}

// entryRejected blocks the symbol's cycle after the position cap refused
// an entry.
func (e *Engine) entryRejected(intent models.OrderIntent, err error) {
	now := e.now()
	e.store.MarkRiskBlocked(intent.Symbol, now)
	e.notifier.Notify(notify.Event{
		Kind:    notify.KindRisk,
		Level:   notify.LevelWarning,
		Symbol:  intent.Symbol,
		Title:   "Entry rejected",
		Message: err.Error(),
		Fields:  map[string]string{"quantity": fmt.Sprint(intent.Quantity), "intent_id": intent.ID},
		Time:    now,
	})
}

// sweep drives time-based transitions, strategy exits and stale entry
// cancellation.
func (e *Engine) sweep(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := e.now()
			for _, symbol := range e.store.Symbols() {
				symbol := symbol
				if err := e.dispatcher.Dispatch(ctx, symbol, func() { e.advance(symbol, now) }); err != nil {
					return nil
				}
			}
			for _, pos := range e.positions.Positions() {
				symbol := pos.Symbol
				if err := e.dispatcher.Dispatch(ctx, symbol, func() { e.checkExit(symbol, now) }); err != nil {
					return nil
				}
			}
			e.exec.CancelStaleEntries(ctx, now)
			e.metrics.SetOpenPositions(e.positions.OpenCount())
		}
	}
}

// scheduleFlatten flattens once per trading day at the configured time.
func (e *Engine) scheduleFlatten(ctx context.Context) error {
	for {
		next := e.calendar.NextFlatten(e.now())
		if next.IsZero() {
			e.logger.Warn().Msg("No upcoming trading day, flatten scheduler stopped")
			<-ctx.Done()
			return nil
		}
		e.logger.Info().Time("at", next).Msg("Next session flatten scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		e.flattenOnce(next)
	}
}

func (e *Engine) flattenOnce(at time.Time) {
	day := at.In(e.calendar.Location()).Format("2006-01-02")
	e.flattenMu.Lock()
	if e.lastFlatten == day {
		e.flattenMu.Unlock()
		return
	}
	e.lastFlatten = day
	e.flattenMu.Unlock()

	e.Flatten(e.now())
}

// Flatten submits a RiskStop for every open position and returns how many
// were sent.
func (e *Engine) Flatten(now time.Time) int {
	intents := e.positions.FlattenAll(now)
	e.logger.Info().Int("positions", len(intents)).Msg("Flattening positions")
	e.notifier.Notify(notify.Event{
		Kind:    notify.KindSession,
		Level:   notify.LevelWarning,
		Title:   "Session flatten",
		Message: fmt.Sprintf("Closing %d position(s)", len(intents)),
		Time:    now,
	})
	for _, intent := range intents {
		e.store.MarkRiskBlocked(intent.Symbol, now)
		e.submit(intent)
	}
	return len(intents)
}

// ClosePosition submits a ManualClose for symbol and waits for the
// gateway's answer.
func (e *Engine) ClosePosition(ctx context.Context, symbol string) (models.OrderIntent, string, error) {
	pos, err := e.positions.MarkClosing(symbol)
	if err != nil {
		return models.OrderIntent{}, "", err
	}
	now := e.now()
	intent := models.OrderIntent{
		ID:        models.IntentID(symbol, string(models.ReasonManualClose), pos.OpenedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)),
		Symbol:    symbol,
		Side:      models.SideSell,
		Quantity:  pos.Quantity,
		Price:     models.MarketPrice(),
		Reason:    models.ReasonManualClose,
		CreatedAt: now,
		Note:      "manual",
	}
	logging.LogIntent(e.logger, intent)
	if e.onIntent != nil {
		e.onIntent(intent)
	}
	orderID, err := e.exec.Submit(ctx, intent)
	e.drainReports()
	return intent, orderID, err
}

// Reconcile replaces tracked positions with the broker's holdings.
func (e *Engine) Reconcile(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	defer cancel()

	holdings, err := e.gateway.Positions(ctx)
	if err != nil {
		return err
	}
	e.positions.Reconcile(holdings, e.now())
	e.metrics.SetOpenPositions(e.positions.OpenCount())
	return nil
}

// Reauthenticate renews the broker session and lifts a submission halt.
func (e *Engine) Reauthenticate(ctx context.Context) error {
	if err := e.exec.Reauthenticate(ctx); err != nil {
		return err
	}
	for _, intent := range e.exec.TakeHeld() {
		e.logger.Info().Str("symbol", intent.Symbol).Str("intent_id", intent.ID).Msg("Resubmitting held exit")
		e.submit(intent)
	}
	e.drainReports()
	return nil
}

// SymbolView is a read-only view of one symbol for the ops API.
type SymbolView struct {
	Symbol       string           `json:"symbol"`
	Lifecycle    models.Lifecycle `json:"lifecycle"`
	Direction    string           `json:"direction,omitempty"`
	TriggerPrice decimal.Decimal  `json:"trigger_price"`
	ReleasePrice decimal.Decimal  `json:"release_price"`
	LastPrice    decimal.Decimal  `json:"last_price"`
	WindowTicks  int              `json:"window_ticks"`
	Consumed     bool             `json:"consumed"`
	HoldUntil    *time.Time       `json:"hold_until,omitempty"`
	LastSequence uint64           `json:"last_sequence"`
}

// Symbols returns the lifecycle view of every known symbol.
func (e *Engine) Symbols() []SymbolView {
	states := e.store.Snapshots()
	out := make([]SymbolView, 0, len(states))
	for _, st := range states {
		v := SymbolView{
			Symbol:       st.Symbol,
			Lifecycle:    st.Lifecycle,
			Direction:    string(st.Direction),
			TriggerPrice: st.TriggerPrice,
			ReleasePrice: st.ReleasePrice,
			LastPrice:    st.LastPrice,
			WindowTicks:  len(st.Window),
			Consumed:     st.Consumed,
			LastSequence: st.LastEventSequence,
		}
		if !st.HoldUntil.IsZero() {
			hold := st.HoldUntil
			v.HoldUntil = &hold
		}
		out = append(out, v)
	}
	return out
}

// Positions returns every non-flat position.
func (e *Engine) Positions() []models.Position {
	return e.positions.Positions()
}

// Orders returns working and recently finished orders.
func (e *Engine) Orders() (working, recent []models.OrderRecord) {
	return e.exec.Orders(), e.exec.Recent()
}

// Halted reports whether order submission is halted on an auth failure.
func (e *Engine) Halted() bool {
	return e.exec.Halted()
}
