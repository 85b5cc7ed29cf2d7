// Package execution turns order intents into gateway orders and reconciles
// the fills and acks that come back.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/logging"
	"vi-trader/internal/metrics"
	"vi-trader/internal/models"
	"vi-trader/internal/notify"
	"vi-trader/internal/resilience"
)

// Positions is the part of the position tracker the manager drives.
type Positions interface {
	Reserve(symbol string) error
	ReleaseReservation(symbol string)
	ApplyFill(fill models.Fill) (models.Position, error)
	RevertClosing(symbol string)
}

// OrderArchiver receives orders that reached a terminal status.
type OrderArchiver interface {
	ArchiveOrder(rec models.OrderRecord)
}

// Config holds the manager's timeouts and retry settings.
type Config struct {
	GatewayTimeout time.Duration
	EntryTTL       time.Duration
	Retry          resilience.RetryPolicy
	Breaker        resilience.CircuitBreakerConfig
	RecentLimit    int
}

// Deps are the manager's collaborators. Notifier, Metrics and Archiver
// may be nil.
type Deps struct {
	Gateway   broker.Gateway
	Positions Positions
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Archiver  OrderArchiver
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager owns every OrderRecord. Entries get exactly one gateway attempt;
// exits are retried under the configured policy.
type Manager struct {
	cfg       Config
	gateway   broker.Gateway
	positions Positions
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	archiver  OrderArchiver
	logger    zerolog.Logger
	now       func() time.Time
	breaker   *resilience.CircuitBreaker

	mu        sync.Mutex
	orders    map[string]*models.OrderRecord // by intent ID
	byOrderID map[string]string              // gateway order ID -> intent ID
	consumed  map[string]struct{}
	held      map[string]models.OrderIntent // exits refused while halted, by symbol
	recent    []models.OrderRecord

	halted atomic.Bool
}

// NewManager creates an execution manager.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 3 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 200
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = apperrors.IsRetryable
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoOp{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = func(err error) bool {
		return errors.Is(err, apperrors.ErrGatewayUnavailable)
	}
	if breakerCfg.Now == nil {
		breakerCfg.Now = deps.Now
	}

	m := &Manager{
		cfg:       cfg,
		gateway:   deps.Gateway,
		positions: deps.Positions,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		archiver:  deps.Archiver,
		logger:    logging.WithComponent(deps.Logger, "execution"),
		now:       deps.Now,
		breaker:   resilience.NewCircuitBreaker("gateway", breakerCfg),
		orders:    make(map[string]*models.OrderRecord),
		byOrderID: make(map[string]string),
		consumed:  make(map[string]struct{}),
		held:      make(map[string]models.OrderIntent),
	}
	m.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		m.logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
	})
	return m
}

// Submit sends intent to the gateway and returns the gateway order ID.
func (m *Manager) Submit(ctx context.Context, intent models.OrderIntent) (string, error) {
	logger := logging.WithIntentID(logging.WithSymbol(m.logger, intent.Symbol), intent.ID)

	if intent.Quantity <= 0 {
		return "", apperrors.NewOrderError(intent.ID, "", intent.Symbol, string(intent.Reason),
			fmt.Errorf("%w: quantity %d", apperrors.ErrRejectedByGateway, intent.Quantity))
	}
	if m.halted.Load() {
		if intent.Reason.IsExit() {
			m.hold(intent, logger)
		} else {
			logger.Warn().Str("reason", string(intent.Reason)).Msg("Submission refused while halted")
		}
		return "", apperrors.NewOrderError(intent.ID, "", intent.Symbol, string(intent.Reason), apperrors.ErrSubmissionsHalted)
	}

	m.mu.Lock()
	if _, dup := m.consumed[intent.ID]; dup {
		m.mu.Unlock()
		return "", apperrors.NewOrderError(intent.ID, "", intent.Symbol, string(intent.Reason), apperrors.ErrDuplicateIntent)
	}
	m.consumed[intent.ID] = struct{}{}
	m.mu.Unlock()

	if !intent.Reason.IsExit() {
		if err := m.positions.Reserve(intent.Symbol); err != nil {
			var re *apperrors.RiskError
			if errors.As(err, &re) {
				m.metrics.RiskRejected(re.Rule)
			} else {
				m.metrics.RiskRejected("position_exists")
			}
			logging.LogRisk(logger, intent.Symbol, "reserve", err)
			return "", err
		}
	}

	now := m.now()
	rec := &models.OrderRecord{
		IntentID:     intent.ID,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Reason:       intent.Reason,
		Price:        intent.Price,
		RequestedQty: intent.Quantity,
		Status:       models.OrderPending,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	m.mu.Lock()
	m.orders[intent.ID] = rec
	m.mu.Unlock()

	m.metrics.Intent(string(intent.Reason))
	logging.LogIntent(logger, intent)

	policy := m.cfg.Retry
	if !intent.Reason.IsExit() {
		policy = resilience.NoRetry()
	}

	req := broker.NewOrderRequest(intent)
	start := time.Now()
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			m.metrics.Retry()
			logger.Warn().Int("attempt", attempt+1).Msg("Retrying exit submission")
		}
		if m.halted.Load() {
			return apperrors.ErrSubmissionsHalted
		}
		ack, err := m.submitOnce(ctx, req)
		if err != nil {
			return err
		}
		m.accept(intent.ID, ack, attempt+1)
		return nil
	})
	m.metrics.ObserveSubmit(string(intent.Reason), time.Since(start))

	if err == nil {
		m.mu.Lock()
		orderID := rec.OrderID
		m.mu.Unlock()
		return orderID, nil
	}

	m.failSubmission(intent, attempts, err, logger)
	return "", apperrors.NewOrderError(intent.ID, "", intent.Symbol, string(intent.Reason), err)
}

// submitOnce makes one breaker-guarded, time-bounded gateway call.
func (m *Manager) submitOnce(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	return m.guarded(ctx, "submit", func(ctx context.Context) (broker.OrderAck, error) {
		return m.gateway.SubmitOrder(ctx, req)
	})
}

// guarded runs a gateway call through the circuit breaker. An open
// circuit reads as GatewayUnavailable.
func (m *Manager) guarded(ctx context.Context, op string, fn func(ctx context.Context) (broker.OrderAck, error)) (broker.OrderAck, error) {
	ack, err := resilience.ExecuteWithResult(m.breaker, ctx, func(ctx context.Context) (broker.OrderAck, error) {
		return m.callGateway(ctx, op, fn)
	})
	if errors.Is(err, apperrors.ErrCircuitOpen) {
		return ack, fmt.Errorf("%w: %w", apperrors.ErrGatewayUnavailable, err)
	}
	return ack, err
}

// callGateway bounds fn by the gateway timeout and maps a timeout or an
// explicit rejection onto the error taxonomy.
func (m *Manager) callGateway(ctx context.Context, op string, fn func(ctx context.Context) (broker.OrderAck, error)) (broker.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.GatewayTimeout)
	defer cancel()

	ack, err := fn(callCtx)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ack, fmt.Errorf("%w: %w: %s after %s", apperrors.ErrGatewayUnavailable, apperrors.ErrTimeout, op, m.cfg.GatewayTimeout)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ack, fmt.Errorf("%w: %w", apperrors.ErrGatewayUnavailable, err)
		}
		return ack, err
	}
	if ack.Status == broker.AckRejected {
		return ack, apperrors.NewGatewayError(op, "", ack.Message, apperrors.ErrRejectedByGateway)
	}
	return ack, nil
}

func (m *Manager) accept(intentID string, ack broker.OrderAck, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.orders[intentID]
	if !ok {
		return
	}
	rec.Attempts = attempts
	if ack.OrderID != "" {
		rec.OrderID = ack.OrderID
		m.byOrderID[ack.OrderID] = intentID
	}
	if !ack.At.IsZero() && rec.Status == models.OrderPending {
		rec.UpdatedAt = ack.At
	}
	logging.LogOrder(m.logger, *rec)
}

func (m *Manager) failSubmission(intent models.OrderIntent, attempts int, err error, logger zerolog.Logger) {
	m.mu.Lock()
	rec, ok := m.orders[intent.ID]
	var final models.OrderRecord
	if ok && !rec.Status.IsTerminal() {
		rec.Attempts = attempts
		rec.Message = err.Error()
		m.finishLocked(rec, models.OrderRejected)
		final = *rec
	}
	m.mu.Unlock()
	if ok {
		m.archive(final)
	}

	if errors.Is(err, apperrors.ErrAuth) {
		m.halt(err)
	}
	if intent.Reason.IsExit() && m.halted.Load() {
		m.hold(intent, logger)
		return
	}

	if !intent.Reason.IsExit() {
		m.positions.ReleaseReservation(intent.Symbol)
		logger.Warn().Err(err).Msg("Entry submission failed")
		return
	}

	m.positions.RevertClosing(intent.Symbol)
	logging.LogAlert(logger, "exit failed", err)
	ev := notify.Critical(intent.Symbol, "Exit order failed", err)
	ev.Kind = notify.KindExit
	ev.Fields = map[string]string{
		"reason":   string(intent.Reason),
		"quantity": fmt.Sprint(intent.Quantity),
		"attempts": fmt.Sprint(attempts),
	}
	m.notifier.Notify(ev)
}

func (m *Manager) halt(err error) {
	if m.halted.Swap(true) {
		return
	}
	m.metrics.SetHalted(true)
	logging.LogAlert(m.logger, "submissions halted", err)
	m.notifier.Notify(notify.Event{
		Kind:    notify.KindAlert,
		Level:   notify.LevelCritical,
		Title:   "Submissions halted: broker authentication failed",
		Message: err.Error(),
	})
}

// Halted reports whether new submissions are refused.
func (m *Manager) Halted() bool {
	return m.halted.Load()
}

// Reauthenticate renews the gateway session and lifts the halt.
func (m *Manager) Reauthenticate(ctx context.Context) error {
	if _, err := m.gateway.Authenticate(ctx); err != nil {
		return apperrors.Wrap(err, "reauthenticating")
	}
	if m.halted.Swap(false) {
		m.metrics.SetHalted(false)
		m.logger.Info().Msg("Submissions resumed after re-authentication")
		m.notifier.Notify(notify.Event{Kind: notify.KindAlert, Level: notify.LevelWarning, Title: "Submissions resumed"})
	}
	m.breaker.Reset()
	return nil
}

// hold parks an exit refused by a halt. Its position stays Closing, so no
// further stop fires for it until TakeHeld hands the exit back.
func (m *Manager) hold(intent models.OrderIntent, logger zerolog.Logger) {
	m.mu.Lock()
	m.held[intent.Symbol] = intent
	delete(m.consumed, intent.ID)
	m.mu.Unlock()
	logger.Warn().Str("reason", string(intent.Reason)).Msg("Exit held until re-authentication")
}

// TakeHeld returns and forgets the exits refused during a halt, sorted by
// symbol.
func (m *Manager) TakeHeld() []models.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OrderIntent, 0, len(m.held))
	for _, intent := range m.held {
		out = append(out, intent)
	}
	m.held = make(map[string]models.OrderIntent)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// HandleFill reconciles a fill against its order and applies it to the
// position. Fills for unknown or finished orders, and overfills, are
// rejected and leave the position unchanged.
func (m *Manager) HandleFill(fill models.Fill) error {
	m.mu.Lock()

	rec := m.lookupLocked(fill.OrderID, fill.ClientOrderID)
	var reason string
	switch {
	case rec == nil:
		reason = "unknown order"
	case rec.Status.IsTerminal():
		reason = "order already " + string(rec.Status)
	case fill.Quantity > rec.Remaining():
		reason = fmt.Sprintf("overfill: %d remaining, filled %d", rec.Remaining(), fill.Quantity)
	case fill.Side != rec.Side || fill.Symbol != rec.Symbol:
		reason = "fill does not match order"
	}
	if reason != "" {
		m.mu.Unlock()
		cause := apperrors.ErrInconsistentFill
		if rec == nil {
			cause = apperrors.ErrUnknownOrder
		}
		return m.rejectFill(fill, reason, cause)
	}

	if _, err := m.positions.ApplyFill(fill); err != nil {
		m.mu.Unlock()
		return m.rejectFill(fill, err.Error(), err)
	}

	filled := decimal.NewFromInt(rec.FilledQty)
	qty := decimal.NewFromInt(fill.Quantity)
	rec.FilledQty += fill.Quantity
	rec.AvgFillPrice = rec.AvgFillPrice.Mul(filled).Add(fill.Price.Mul(qty)).Div(decimal.NewFromInt(rec.FilledQty))
	if rec.OrderID == "" && fill.OrderID != "" {
		rec.OrderID = fill.OrderID
		m.byOrderID[fill.OrderID] = rec.IntentID
	}
	rec.UpdatedAt = fill.FilledAt

	var final *models.OrderRecord
	if rec.Remaining() == 0 {
		m.finishLocked(rec, models.OrderFilled)
		r := *rec
		final = &r
	} else {
		rec.Status = models.OrderPartiallyFilled
	}
	snapshot := *rec
	m.mu.Unlock()

	logging.LogFill(m.logger, fill)
	logging.LogOrder(m.logger, snapshot)
	if final != nil {
		m.archive(*final)
		m.notifier.Notify(notify.Event{
			Kind:   notify.KindFill,
			Level:  notify.LevelInfo,
			Symbol: fill.Symbol,
			Title:  fmt.Sprintf("%s %s filled", final.Side, final.Symbol),
			Fields: map[string]string{
				"reason":   string(final.Reason),
				"quantity": fmt.Sprint(final.FilledQty),
				"price":    final.AvgFillPrice.StringFixed(0),
			},
			Time: fill.FilledAt,
		})
	}
	return nil
}

func (m *Manager) rejectFill(fill models.Fill, reason string, cause error) error {
	m.metrics.InconsistentFill()
	err := apperrors.NewFillError(fill.OrderID, fill.Symbol, reason, cause)
	m.logger.Error().Err(err).
		Str("event", "fill_rejected").
		Str("order_id", fill.OrderID).
		Str("client_order_id", fill.ClientOrderID).
		Int64("quantity", fill.Quantity).
		Msg("Fill rejected")
	m.notifier.Notify(notify.Event{
		Kind:    notify.KindAlert,
		Level:   notify.LevelWarning,
		Symbol:  fill.Symbol,
		Title:   "Inconsistent fill",
		Message: err.Error(),
	})
	return err
}

// HandleAck applies an asynchronous status change from the gateway.
func (m *Manager) HandleAck(ack broker.OrderAck) error {
	m.mu.Lock()
	rec := m.lookupLocked(ack.OrderID, ack.ClientOrderID)
	if rec == nil {
		m.mu.Unlock()
		m.logger.Debug().Str("order_id", ack.OrderID).Msg("Ack for unknown order")
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownOrder, ack.OrderID)
	}
	if rec.OrderID == "" && ack.OrderID != "" {
		rec.OrderID = ack.OrderID
		m.byOrderID[ack.OrderID] = rec.IntentID
	}
	if rec.Status.IsTerminal() || ack.Status == broker.AckAccepted {
		m.mu.Unlock()
		return nil
	}

	status := models.OrderRejected
	if ack.Status == broker.AckCancelled {
		status = models.OrderCancelled
	}
	rec.Message = ack.Message
	m.finishLocked(rec, status)
	final := *rec
	m.mu.Unlock()

	m.archive(final)
	m.afterTerminal(final)
	return nil
}

// afterTerminal undoes position bookkeeping for an order that ended
// without filling completely.
func (m *Manager) afterTerminal(rec models.OrderRecord) {
	if rec.Status == models.OrderFilled {
		return
	}
	if !rec.Reason.IsExit() {
		if rec.FilledQty == 0 {
			m.positions.ReleaseReservation(rec.Symbol)
		}
		return
	}
	m.positions.RevertClosing(rec.Symbol)
	m.notifier.Notify(notify.Event{
		Kind:    notify.KindExit,
		Level:   notify.LevelCritical,
		Symbol:  rec.Symbol,
		Title:   "Exit order " + string(rec.Status),
		Message: rec.Message,
		Fields: map[string]string{
			"reason":    string(rec.Reason),
			"remaining": fmt.Sprint(rec.Remaining()),
		},
	})
}

// Cancel asks the gateway to cancel a working order.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	rec := m.lookupLocked(orderID, "")
	if rec == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownOrder, orderID)
	}
	if rec.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ack, err := m.guarded(ctx, "cancel", func(ctx context.Context) (broker.OrderAck, error) {
		return m.gateway.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return apperrors.NewOrderError("", orderID, "", "cancel", err)
	}
	if ack.Status != broker.AckCancelled {
		return nil
	}
	if ack.OrderID == "" {
		ack.OrderID = orderID
	}
	return m.HandleAck(ack)
}

// CancelStaleEntries cancels entry orders that have been working longer
// than the entry TTL without filling. It returns how many it cancelled.
func (m *Manager) CancelStaleEntries(ctx context.Context, now time.Time) int {
	if m.cfg.EntryTTL <= 0 {
		return 0
	}

	m.mu.Lock()
	var stale []string
	for _, rec := range m.orders {
		if rec.Reason.IsExit() || rec.Status != models.OrderPending || rec.OrderID == "" {
			continue
		}
		if now.Sub(rec.SubmittedAt) >= m.cfg.EntryTTL {
			stale = append(stale, rec.OrderID)
		}
	}
	m.mu.Unlock()

	cancelled := 0
	for _, id := range stale {
		if err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("order_id", id).Msg("Stale entry cancel failed")
			continue
		}
		cancelled++
	}
	return cancelled
}

// ProcessReports consumes gateway execution reports until ctx is done or
// the channel closes.
func (m *Manager) ProcessReports(ctx context.Context, reports <-chan broker.Report) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-reports:
			if !ok {
				return nil
			}
			_ = m.HandleReport(r)
		}
	}
}

// HandleReport routes one execution report.
func (m *Manager) HandleReport(r broker.Report) error {
	switch {
	case r.Fill != nil:
		return m.HandleFill(*r.Fill)
	case r.Ack != nil:
		return m.HandleAck(*r.Ack)
	}
	return nil
}

func (m *Manager) lookupLocked(orderID, clientOrderID string) *models.OrderRecord {
	if orderID != "" {
		if intentID, ok := m.byOrderID[orderID]; ok {
			if rec, ok := m.orders[intentID]; ok {
				return rec
			}
		}
	}
	if clientOrderID != "" {
		if rec, ok := m.orders[clientOrderID]; ok {
			return rec
		}
	}
	for i := len(m.recent) - 1; i >= 0; i-- {
		r := &m.recent[i]
		if (orderID != "" && r.OrderID == orderID) || (clientOrderID != "" && r.IntentID == clientOrderID) {
			return r
		}
	}
	return nil
}

// finishLocked marks rec terminal and moves it to the recent list.
func (m *Manager) finishLocked(rec *models.OrderRecord, status models.OrderStatus) {
	rec.Status = status
	rec.UpdatedAt = m.now()
	delete(m.orders, rec.IntentID)
	if rec.OrderID != "" {
		delete(m.byOrderID, rec.OrderID)
	}
	m.recent = append(m.recent, *rec)
	if over := len(m.recent) - m.cfg.RecentLimit; over > 0 {
		m.recent = append([]models.OrderRecord(nil), m.recent[over:]...)
	}
	m.metrics.OrderFinal(string(status))
}

func (m *Manager) archive(rec models.OrderRecord) {
	if m.archiver != nil {
		m.archiver.ArchiveOrder(rec)
	}
}

// Orders returns the working orders, oldest first.
func (m *Manager) Orders() []models.OrderRecord {
	m.mu.Lock()
	out := make([]models.OrderRecord, 0, len(m.orders))
	for _, rec := range m.orders {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].IntentID < out[j].IntentID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Recent returns the most recent terminal orders, oldest first.
func (m *Manager) Recent() []models.OrderRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderRecord(nil), m.recent...)
}

// Record returns the order for an intent, working or recently finished.
func (m *Manager) Record(intentID string) (models.OrderRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.lookupLocked("", intentID); rec != nil {
		return *rec, true
	}
	return models.OrderRecord{}, false
}

// BreakerStats exposes the gateway circuit breaker counters.
func (m *Manager) BreakerStats() resilience.CircuitBreakerStats {
	return m.breaker.Stats()
}
