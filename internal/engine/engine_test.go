package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/broker"
	"vi-trader/internal/config"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/models"
	"vi-trader/internal/notify"
)

const sym = "005930"

var t0 = time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) count(title string) int {
	n := 0
	for _, got := range r.titles() {
		if got == title {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Title)
	}
	return out
}

// holdGateway accepts every order and never fills it.
type holdGateway struct {
	*broker.PaperGateway
	mu sync.Mutex
	n  int
}

func (h *holdGateway) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
	return broker.OrderAck{OrderID: fmt.Sprintf("HOLD-%d", h.n), ClientOrderID: req.ClientOrderID, Status: broker.AckAccepted}, nil
}

// authGateway fails submissions with an expired session while expired is
// set.
type authGateway struct {
	*broker.PaperGateway
	mu      sync.Mutex
	expired bool
	refused int
}

func (a *authGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	a.mu.Lock()
	if a.expired {
		a.refused++
		a.mu.Unlock()
		return broker.OrderAck{}, apperrors.NewGatewayError("submit", "EGW00123", "token expired", apperrors.ErrAuth)
	}
	a.mu.Unlock()
	return a.PaperGateway.SubmitOrder(ctx, req)
}

func (a *authGateway) setExpired(v bool) {
	a.mu.Lock()
	a.expired = v
	a.mu.Unlock()
}

type fixture struct {
	paper    *broker.PaperGateway
	eng      *Engine
	notifier *recordingNotifier

	mu      sync.Mutex
	intents []models.OrderIntent
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Strategy.DecisionWindow = 5 * time.Second
	cfg.Strategy.MinPostReleaseTicks = 3
	cfg.Strategy.MinMomentumPct = 1.0
	cfg.Strategy.MaxChasePct = 0
	cfg.Strategy.OrderQuantity = 0
	cfg.Strategy.OrderNotional = 1_000_000
	cfg.Risk.StopLossPct = 5
	cfg.Risk.MaxConcurrentPositions = 3
	cfg.Risk.Cooldown = 10 * time.Minute
	return cfg
}

func newFixture(t *testing.T, hold bool) *fixture {
	t.Helper()
	return newFixtureWith(t, func(paper *broker.PaperGateway) broker.Gateway {
		if hold {
			return &holdGateway{PaperGateway: paper}
		}
		return paper
	})
}

func newFixtureWith(t *testing.T, wrap func(*broker.PaperGateway) broker.Gateway) *fixture {
	t.Helper()
	f := &fixture{notifier: &recordingNotifier{}}
	f.paper = broker.NewPaperGateway(broker.PaperGatewayConfig{InitialCash: 10_000_000, Now: func() time.Time { return t0 }})
	gw := wrap(f.paper)

	f.eng = NewFromConfig(testConfig(), Options{
		Gateway:  gw,
		Notifier: f.notifier,
		OnIntent: func(intent models.OrderIntent) {
			f.mu.Lock()
			f.intents = append(f.intents, intent)
			f.mu.Unlock()
		},
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return t0 },
		Synchronous: true,
	})
	return f
}

func (f *fixture) byReason(reason models.IntentReason) []models.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderIntent
	for _, in := range f.intents {
		if in.Reason == reason {
			out = append(out, in)
		}
	}
	return out
}

// feed keeps the paper price in step with the tape, then ingests.
func (f *fixture) feed(raw broker.RawEvent) {
	if raw.Type == models.EventTick {
		f.paper.UpdatePrice(raw.Symbol, raw.Price)
	}
	f.eng.Ingest(raw)
}

func trigger(at time.Time, price int64) broker.RawEvent {
	return broker.RawEvent{Symbol: sym, Type: models.EventViTrigger, Price: decimal.NewFromInt(price), Direction: models.ViUp, ReceivedAt: at}
}

func release(at time.Time, price int64) broker.RawEvent {
	return broker.RawEvent{Symbol: sym, Type: models.EventViRelease, Price: decimal.NewFromInt(price), ReceivedAt: at}
}

func tick(at time.Time, price decimal.Decimal) broker.RawEvent {
	return broker.RawEvent{Symbol: sym, Type: models.EventTick, Price: price, Volume: 10, ReceivedAt: at}
}

func (f *fixture) releaseAt(p int64) time.Time {
	f.feed(trigger(t0, p))
	rel := t0.Add(2 * time.Second)
	f.feed(release(rel, p))
	return rel
}

// seedPosition gives both the paper account and the tracker qty shares
// at price.
func (f *fixture) seedPosition(t *testing.T, qty int64, price int64) {
	t.Helper()
	f.paper.UpdatePrice(sym, decimal.NewFromInt(price))
	ack, err := f.paper.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "seed", Symbol: sym, Side: models.SideBuy, Quantity: qty, Price: models.MarketPrice(),
	})
	require.NoError(t, err)
	require.Equal(t, broker.AckAccepted, ack.Status)
	<-f.paper.Reports() // the seed fill belongs to no intent
	require.NoError(t, f.eng.Reconcile(context.Background()))
}

func TestScenario_ThreeRisingTicksProduceOneEntry(t *testing.T) {
	f := newFixture(t, false)
	p := decimal.NewFromInt(1000)
	rel := f.releaseAt(1000)

	f.feed(tick(rel.Add(500*time.Millisecond), p))
	f.feed(tick(rel.Add(1*time.Second), p.Mul(decimal.RequireFromString("1.01"))))
	assert.Empty(t, f.byReason(models.ReasonStrategyEntry))

	f.feed(tick(rel.Add(1500*time.Millisecond), p.Mul(decimal.RequireFromString("1.02"))))

	entries := f.byReason(models.ReasonStrategyEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SideBuy, entries[0].Side)
	assert.Equal(t, int64(980), entries[0].Quantity) // 1,000,000 / 1020

	pos := f.eng.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, models.PositionOpen, pos[0].Status)
	assert.Equal(t, int64(980), pos[0].Quantity)

	views := f.eng.Symbols()
	require.Len(t, views, 1)
	assert.True(t, views[0].Consumed)
	assert.Contains(t, f.notifier.titles(), "Entry signal")
}

func TestScenario_EntryAtPositionCapBlocksCycle(t *testing.T) {
	f := newFixture(t, false)
	f.eng.positions.Reconcile([]models.Holding{
		{Symbol: "000660", Quantity: 10, AveragePrice: decimal.NewFromInt(50000)},
		{Symbol: "035420", Quantity: 10, AveragePrice: decimal.NewFromInt(20000)},
		{Symbol: "051910", Quantity: 10, AveragePrice: decimal.NewFromInt(40000)},
	}, t0)

	rel := f.releaseAt(1000)
	f.feed(tick(rel.Add(500*time.Millisecond), decimal.NewFromInt(1000)))
	f.feed(tick(rel.Add(1*time.Second), decimal.NewFromInt(1010)))
	f.feed(tick(rel.Add(1500*time.Millisecond), decimal.NewFromInt(1020)))

	require.Len(t, f.byReason(models.ReasonStrategyEntry), 1)
	assert.Len(t, f.eng.Positions(), 3)
	assert.Equal(t, 1, f.notifier.count("Entry rejected"))
	assert.Zero(t, f.notifier.count("Entry signal"))

	f.eng.Step(rel.Add(6 * time.Second))
	views := f.eng.Symbols()
	var state SymbolView
	for _, v := range views {
		if v.Symbol == sym {
			state = v
		}
	}
	assert.Equal(t, models.LifecycleBlocked, state.Lifecycle)
	require.NotNil(t, state.HoldUntil)
	assert.Equal(t, rel.Add(6*time.Second).Add(10*time.Minute), *state.HoldUntil)
}

func TestScenario_StopDuringAuthHaltIsHeldUntilReauth(t *testing.T) {
	var gw *authGateway
	f := newFixtureWith(t, func(paper *broker.PaperGateway) broker.Gateway {
		gw = &authGateway{PaperGateway: paper}
		return gw
	})
	f.seedPosition(t, 100, 1000)
	gw.setExpired(true)

	f.feed(tick(t0.Add(time.Second), decimal.NewFromInt(940)))
	f.feed(tick(t0.Add(2*time.Second), decimal.NewFromInt(930)))
	f.feed(tick(t0.Add(3*time.Second), decimal.NewFromInt(920)))

	assert.True(t, f.eng.Halted())
	assert.Len(t, f.byReason(models.ReasonRiskStop), 1)
	assert.Equal(t, 1, f.notifier.count("Stop loss triggered"))
	assert.Equal(t, models.PositionClosing, f.eng.positions.Snapshot(sym).Status)

	gw.setExpired(false)
	require.NoError(t, f.eng.Reauthenticate(context.Background()))

	assert.False(t, f.eng.Halted())
	assert.Empty(t, f.eng.Positions())
	assert.Equal(t, 1, gw.refused)
	assert.Contains(t, f.notifier.titles(), "Position closed")
}

func TestScenario_TwoTicksThenWindowExpires(t *testing.T) {
	f := newFixture(t, false)
	rel := f.releaseAt(1000)

	f.feed(tick(rel.Add(time.Second), decimal.NewFromInt(1010)))
	f.feed(tick(rel.Add(2*time.Second), decimal.NewFromInt(1020)))
	f.eng.Step(rel.Add(5 * time.Second))

	assert.Empty(t, f.byReason(models.ReasonStrategyEntry))
	views := f.eng.Symbols()
	require.Len(t, views, 1)
	assert.Equal(t, models.LifecycleIdle, views[0].Lifecycle)
	assert.Empty(t, f.eng.Positions())
}

func TestScenario_StopLossFiresOnceWhileClosing(t *testing.T) {
	f := newFixture(t, true)
	f.eng.positions.Reconcile([]models.Holding{{Symbol: sym, Quantity: 100, AveragePrice: decimal.NewFromInt(1000)}}, t0)

	f.feed(tick(t0.Add(time.Second), decimal.NewFromInt(960)))
	assert.Empty(t, f.byReason(models.ReasonRiskStop))

	f.feed(tick(t0.Add(2*time.Second), decimal.NewFromInt(940)))
	f.feed(tick(t0.Add(3*time.Second), decimal.NewFromInt(930)))
	f.feed(tick(t0.Add(4*time.Second), decimal.NewFromInt(900)))

	stops := f.byReason(models.ReasonRiskStop)
	require.Len(t, stops, 1)
	assert.Equal(t, models.SideSell, stops[0].Side)
	assert.Equal(t, int64(100), stops[0].Quantity)
	assert.Equal(t, models.PositionClosing, f.eng.positions.Snapshot(sym).Status)
	assert.Contains(t, f.notifier.titles(), "Stop loss triggered")
}

func TestScenario_StopLossClosesPositionThroughPaperFills(t *testing.T) {
	f := newFixture(t, false)
	f.seedPosition(t, 100, 1000)

	f.feed(tick(t0.Add(time.Second), decimal.NewFromInt(940)))

	require.Len(t, f.byReason(models.ReasonRiskStop), 1)
	assert.Empty(t, f.eng.Positions())
	_, recent := f.eng.Orders()
	require.Len(t, recent, 1)
	assert.Equal(t, models.OrderFilled, recent[0].Status)
	assert.Contains(t, f.notifier.titles(), "Position closed")
}

func TestScenario_UnknownFillIsRejected(t *testing.T) {
	f := newFixture(t, false)
	f.eng.positions.Reconcile([]models.Holding{{Symbol: sym, Quantity: 100, AveragePrice: decimal.NewFromInt(1000)}}, t0)
	before := f.eng.positions.Snapshot(sym)

	err := f.eng.exec.HandleReport(broker.Report{Fill: &models.Fill{
		OrderID: "GHOST-1", Symbol: sym, Side: models.SideSell, Quantity: 100, Price: decimal.NewFromInt(1000), FilledAt: t0,
	}})

	assert.ErrorIs(t, err, apperrors.ErrInconsistentFill)
	assert.ErrorIs(t, err, apperrors.ErrUnknownOrder)
	assert.Equal(t, before, f.eng.positions.Snapshot(sym))
}

func TestStrategyExitOnTakeProfit(t *testing.T) {
	f := newFixture(t, false)
	f.seedPosition(t, 100, 1000)

	f.feed(tick(t0.Add(time.Second), decimal.NewFromInt(1040)))

	exits := f.byReason(models.ReasonStrategyExit)
	require.Len(t, exits, 1)
	assert.Equal(t, "take_profit", exits[0].Note)
	assert.Empty(t, f.eng.Positions())
}

func TestRiskStopTakesPrecedenceOverStrategyExit(t *testing.T) {
	f := newFixture(t, true)
	f.eng.positions.Reconcile([]models.Holding{{Symbol: sym, Quantity: 100, AveragePrice: decimal.NewFromInt(1000)}}, t0)

	// Held past max hold and below the stop: only the stop goes out.
	f.feed(tick(t0.Add(time.Hour), decimal.NewFromInt(900)))

	assert.Len(t, f.byReason(models.ReasonRiskStop), 1)
	assert.Empty(t, f.byReason(models.ReasonStrategyExit))
}

func TestRiskStopBlocksReentryForTheCycle(t *testing.T) {
	f := newFixture(t, true)
	rel := f.releaseAt(1000)
	f.eng.positions.Reconcile([]models.Holding{{Symbol: sym, Quantity: 100, AveragePrice: decimal.NewFromInt(1100)}}, t0)

	f.feed(tick(rel.Add(time.Second), decimal.NewFromInt(1000)))
	require.Len(t, f.byReason(models.ReasonRiskStop), 1)

	f.eng.Step(rel.Add(6 * time.Second))
	views := f.eng.Symbols()
	require.Len(t, views, 1)
	assert.Equal(t, models.LifecycleBlocked, views[0].Lifecycle)
	require.NotNil(t, views[0].HoldUntil)
}

func TestDuplicateRawEventIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	ev := trigger(t0, 1000)
	ev.ExchangeSeq = "A1"
	f.feed(ev)
	before := f.eng.Symbols()

	f.feed(ev)
	assert.Equal(t, before, f.eng.Symbols())
}

func TestManualCloseAndFlatten(t *testing.T) {
	f := newFixture(t, false)
	f.seedPosition(t, 50, 1000)
	f.paper.UpdatePrice(sym, decimal.NewFromInt(1010))

	intent, orderID, err := f.eng.ClosePosition(context.Background(), sym)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	assert.Equal(t, models.ReasonManualClose, intent.Reason)
	assert.Empty(t, f.eng.Positions())

	_, _, err = f.eng.ClosePosition(context.Background(), sym)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestFlattenSubmitsOneStopPerOpenPosition(t *testing.T) {
	f := newFixture(t, true)
	f.eng.positions.Reconcile([]models.Holding{
		{Symbol: "005930", Quantity: 10, AveragePrice: decimal.NewFromInt(70000)},
		{Symbol: "000660", Quantity: 5, AveragePrice: decimal.NewFromInt(150000)},
	}, t0)

	assert.Equal(t, 2, f.eng.Flatten(t0))
	assert.Equal(t, 0, f.eng.Flatten(t0.Add(time.Second)))
	assert.Len(t, f.byReason(models.ReasonRiskStop), 2)
	for _, p := range f.eng.Positions() {
		assert.Equal(t, models.PositionClosing, p.Status)
	}
}

func TestDisabledSymbolIsFiltered(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols.Disabled = []string{sym}
	paper := broker.NewPaperGateway(broker.PaperGatewayConfig{})
	eng := NewFromConfig(cfg, Options{Gateway: paper, Logger: zerolog.Nop(), Synchronous: true})

	eng.Ingest(trigger(t0, 1000))
	assert.Empty(t, eng.Symbols())
}

func TestRun_StreamLostWithoutPositionsReturnsError(t *testing.T) {
	paper := broker.NewPaperGateway(broker.PaperGatewayConfig{})
	notifier := &recordingNotifier{}
	eng := NewFromConfig(testConfig(), Options{Gateway: paper, Notifier: notifier, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	paper.CloseFeed()
	err := eng.Run(ctx)
	assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)
	assert.Contains(t, notifier.titles(), "Market data stream lost")
}

func TestRun_ProcessesStreamAsynchronously(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.SweepInterval = time.Hour
	paper := broker.NewPaperGateway(broker.PaperGatewayConfig{InitialCash: 10_000_000})
	eng := NewFromConfig(cfg, Options{Gateway: paper, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	now := time.Now()
	paper.Publish(trigger(now, 1000))
	paper.Publish(release(now.Add(time.Millisecond), 1000))
	for i, px := range []int64{1000, 1010, 1020} {
		paper.Publish(tick(now.Add(time.Duration(i+2)*time.Millisecond), decimal.NewFromInt(px)))
	}

	require.Eventually(t, func() bool {
		pos := eng.Positions()
		return len(pos) == 1 && pos[0].Quantity == 980
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestProperty_AtMostOneEntryPerWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one entry however many rising ticks arrive", prop.ForAll(
		func(n int, step int64) bool {
			f := newFixture(t, true)
			rel := f.releaseAt(1000)
			for i := 0; i < n; i++ {
				px := decimal.NewFromInt(1000 + int64(i)*step)
				f.feed(tick(rel.Add(time.Duration(i+1)*100*time.Millisecond), px))
			}
			entries := f.byReason(models.ReasonStrategyEntry)
			if n < 3 {
				return len(entries) == 0
			}
			return len(entries) == 1
		},
		gen.IntRange(0, 30),
		gen.Int64Range(20, 100),
	))

	properties.TestingRun(t)
}

func TestProperty_RiskStopWheneverLossCrossesThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one stop iff some price is at least 5% below entry", prop.ForAll(
		func(prices []int64) bool {
			f := newFixture(t, true)
			f.eng.positions.Reconcile([]models.Holding{{Symbol: sym, Quantity: 100, AveragePrice: decimal.NewFromInt(1000)}}, t0)

			crossed := false
			for i, px := range prices {
				if px <= 950 {
					crossed = true
				}
				f.feed(tick(t0.Add(time.Duration(i+1)*time.Second), decimal.NewFromInt(px)))
			}
			stops := len(f.byReason(models.ReasonRiskStop))
			if crossed {
				return stops == 1
			}
			return stops == 0
		},
		gen.SliceOf(gen.Int64Range(900, 1025)),
	))

	properties.TestingRun(t)
}
