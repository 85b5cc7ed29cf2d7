package kis

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vi-trader/internal/broker"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/logging"
	"vi-trader/internal/models"
	"vi-trader/internal/security"
)

// workingOrder is an accepted order the execution poll still watches.
type workingOrder struct {
	placed        PlacedOrder
	clientOrderID string
	symbol        string
	side          models.Side
	quantity      int64
	filled        int64
	notional      decimal.Decimal
}

// Gateway is the live KIS implementation of broker.Gateway. Fills are
// recovered by polling daily executions and reported as deltas.
type Gateway struct {
	cfg    Config
	client *Client
	stream *Stream
	log    zerolog.Logger
	now    func() time.Time

	reports chan broker.Report

	mu      sync.Mutex
	working map[string]*workingOrder
	held    map[string]int64 // shares per symbol, from balance and fills
	started bool
}

// NewGateway creates a KIS gateway. httpClient may be nil.
func NewGateway(cfg Config, httpClient *http.Client, logger zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	client := NewClient(cfg, httpClient)
	return &Gateway{
		cfg:     cfg,
		client:  client,
		stream:  NewStream(cfg, client.ApprovalKey, logger),
		log:     logging.WithComponent(logger, "kis"),
		now:     time.Now,
		reports: make(chan broker.Report, 256),
		working: make(map[string]*workingOrder),
		held:    make(map[string]int64),
	}
}

// Authenticate issues the REST token and websocket approval key.
func (g *Gateway) Authenticate(ctx context.Context) (broker.Session, error) {
	sess, err := g.client.Authenticate(ctx)
	if err != nil {
		return broker.Session{}, err
	}
	g.log.Info().
		Bool("live", sess.Live).
		Str("token", security.MaskCredential(sess.AccessToken)).
		Time("expires_at", sess.ExpiresAt).
		Msg("KIS session issued")
	return sess, nil
}

// StreamMarketEvents starts the websocket and the execution poller. The
// returned channel closes when reconnection gives up or ctx ends.
func (g *Gateway) StreamMarketEvents(ctx context.Context, symbols []string) (<-chan broker.RawEvent, error) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil, fmt.Errorf("market data stream already started")
	}
	g.started = true
	g.mu.Unlock()

	if g.client.ApprovalKey() == "" {
		return nil, fmt.Errorf("%w: no websocket approval key", apperrors.ErrAuth)
	}

	go func() {
		if err := g.stream.Run(ctx, symbols); err != nil {
			g.log.Error().Err(err).Msg("Market data stream stopped")
		}
	}()
	go g.pollExecutions(ctx)
	return g.stream.Events(), nil
}

// SubmitOrder places a cash order and starts watching it for fills.
func (g *Gateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	ack, placed, err := g.client.PlaceOrder(ctx, req)
	if err != nil || ack.Status != broker.AckAccepted {
		return ack, err
	}

	g.mu.Lock()
	g.working[placed.OrderNo] = &workingOrder{
		placed:        placed,
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		quantity:      req.Quantity,
		notional:      decimal.Zero,
	}
	g.mu.Unlock()
	g.stream.Track(req.Symbol)
	return ack, nil
}

// CancelOrder requests cancellation of a working order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (broker.OrderAck, error) {
	g.mu.Lock()
	wo, ok := g.working[orderID]
	var placed PlacedOrder
	var clientID string
	if ok {
		placed, clientID = wo.placed, wo.clientOrderID
	}
	g.mu.Unlock()
	if !ok {
		return broker.OrderAck{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownOrder, orderID)
	}
	ack, err := g.client.CancelOrder(ctx, placed)
	if err != nil {
		return ack, err
	}
	ack.ClientOrderID = clientID
	return ack, nil
}

// Positions returns broker holdings and keeps trade data flowing for them.
func (g *Gateway) Positions(ctx context.Context) ([]models.Holding, error) {
	holdings, err := g.client.Balance(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	for _, h := range holdings {
		g.held[h.Symbol] = h.Quantity
	}
	g.mu.Unlock()
	for _, h := range holdings {
		g.stream.Track(h.Symbol)
	}
	return holdings, nil
}

// Reports delivers fills and final order states found by the poller.
func (g *Gateway) Reports() <-chan broker.Report {
	return g.reports
}

func (g *Gateway) pollExecutions(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.FillPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.poll(ctx); err != nil && ctx.Err() == nil {
				g.log.Warn().Err(err).Msg("Execution poll failed")
			}
		}
	}
}

// poll compares cumulative executions with what was already reported.
// Fills are sent before the terminal ack of the same order.
func (g *Gateway) poll(ctx context.Context) error {
	g.mu.Lock()
	idle := len(g.working) == 0
	g.mu.Unlock()
	if idle {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	execs, err := g.client.DailyExecutions(pctx, g.now())
	if err != nil {
		return err
	}

	for _, rep := range g.reconcileExecutions(execs) {
		select {
		case g.reports <- rep:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// reconcileExecutions turns execution rows into reports and forgets
// orders that reached a final state. Symbols left flat with nothing
// working lose their trade subscription.
func (g *Gateway) reconcileExecutions(execs []Execution) []broker.Report {
	out, flat := g.settle(execs)
	for _, sym := range flat {
		g.log.Debug().Str("symbol", sym).Msg("Position flat, releasing trade feed")
		g.stream.Untrack(sym)
	}
	return out
}

func (g *Gateway) settle(execs []Execution) ([]broker.Report, []string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []broker.Report
	touched := make(map[string]bool)
	for _, ex := range execs {
		wo, ok := g.working[ex.OrderNo]
		if !ok {
			continue
		}

		if ex.FilledQty > wo.filled {
			delta := ex.FilledQty - wo.filled
			total := ex.AvgPrice.Mul(decimal.NewFromInt(ex.FilledQty))
			price := total.Sub(wo.notional).Div(decimal.NewFromInt(delta)).Round(0)
			if !price.IsPositive() {
				price = ex.AvgPrice
			}
			wo.filled = ex.FilledQty
			wo.notional = total
			touched[wo.symbol] = true
			if wo.side == models.SideBuy {
				g.held[wo.symbol] += delta
			} else {
				g.held[wo.symbol] -= delta
			}
			out = append(out, broker.Report{Fill: &models.Fill{
				OrderID:       ex.OrderNo,
				ClientOrderID: wo.clientOrderID,
				Symbol:        wo.symbol,
				Side:          wo.side,
				Quantity:      delta,
				Price:         price,
				FilledAt:      now,
			}})
		}

		switch {
		case wo.filled >= wo.quantity:
			delete(g.working, ex.OrderNo)
			touched[wo.symbol] = true
		case ex.Cancelled:
			out = append(out, g.finalAck(wo, broker.AckCancelled, "cancelled", now))
			delete(g.working, ex.OrderNo)
			touched[wo.symbol] = true
		case ex.Rejected > 0 && ex.Remaining == 0:
			out = append(out, g.finalAck(wo, broker.AckRejected, "rejected by exchange", now))
			delete(g.working, ex.OrderNo)
			touched[wo.symbol] = true
		}
	}

	var flat []string
	for sym := range touched {
		if g.held[sym] > 0 || g.workingFor(sym) {
			continue
		}
		delete(g.held, sym)
		flat = append(flat, sym)
	}
	sort.Strings(flat)
	return out, flat
}

func (g *Gateway) workingFor(symbol string) bool {
	for _, wo := range g.working {
		if wo.symbol == symbol {
			return true
		}
	}
	return false
}

func (g *Gateway) finalAck(wo *workingOrder, status broker.AckStatus, msg string, at time.Time) broker.Report {
	return broker.Report{Ack: &broker.OrderAck{
		OrderID:       wo.placed.OrderNo,
		ClientOrderID: wo.clientOrderID,
		Status:        status,
		Message:       msg,
		At:            at,
	}}
}

var _ broker.Gateway = (*Gateway)(nil)
