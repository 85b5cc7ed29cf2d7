package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vi-trader/internal/models"
)

// PaperGateway implements Gateway with an in-memory simulated account.
// Market data is whatever is published into it.
type PaperGateway struct {
	cash       decimal.Decimal
	positions  map[string]*models.Holding
	orders     map[string]*paperOrder
	priceCache map[string]decimal.Decimal

	maxFillQty int64
	now        func() time.Time

	failures []error

	feed    chan RawEvent
	reports chan Report

	mu sync.Mutex
}

type paperOrder struct {
	req    OrderRequest
	id     string
	filled int64
	status AckStatus
}

// PaperGatewayConfig holds configuration for the paper gateway.
type PaperGatewayConfig struct {
	InitialCash float64
	// MaxFillQty splits fills into chunks of at most this size. 0 fills in one.
	MaxFillQty int64
	Now        func() time.Time
}

// NewPaperGateway creates a new paper trading gateway.
func NewPaperGateway(cfg PaperGatewayConfig) *PaperGateway {
	cash := cfg.InitialCash
	if cash == 0 {
		cash = 10_000_000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &PaperGateway{
		cash:       decimal.NewFromFloat(cash),
		positions:  make(map[string]*models.Holding),
		orders:     make(map[string]*paperOrder),
		priceCache: make(map[string]decimal.Decimal),
		maxFillQty: cfg.MaxFillQty,
		now:        now,
		feed:       make(chan RawEvent, 4096),
		reports:    make(chan Report, 4096),
	}
}

// Authenticate always succeeds for paper trading.
func (p *PaperGateway) Authenticate(ctx context.Context) (Session, error) {
	return Session{AccessToken: "paper"}, nil
}

// StreamMarketEvents relays published events until ctx is done or the
// feed is closed with CloseFeed.
func (p *PaperGateway) StreamMarketEvents(ctx context.Context, symbols []string) (<-chan RawEvent, error) {
	out := make(chan RawEvent, 1024)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-p.feed:
				if !ok {
					return
				}
				if ev.Type == models.EventTick {
					p.UpdatePrice(ev.Symbol, ev.Price)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish pushes a raw event into the simulated feed.
func (p *PaperGateway) Publish(ev RawEvent) {
	p.feed <- ev
}

// CloseFeed ends the simulated stream.
func (p *PaperGateway) CloseFeed() {
	close(p.feed)
}

// FailNext makes the next len(errs) submissions fail with the given errors.
func (p *PaperGateway) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// SubmitOrder simulates order placement.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.mu.Unlock()
		return OrderAck{}, err
	}

	ack := OrderAck{
		OrderID:       "PAPER-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        AckAccepted,
		At:            p.now(),
	}

	if reason := p.validate(req); reason != "" {
		p.mu.Unlock()
		ack.Status = AckRejected
		ack.Message = reason
		return ack, nil
	}

	order := &paperOrder{req: req, id: ack.OrderID, status: AckAccepted}
	p.orders[order.id] = order

	var fills []models.Fill
	if price, ok := p.executable(req); ok {
		fills = p.fill(order, price)
	}
	p.mu.Unlock()

	p.emitFills(fills)
	return ack, nil
}

func (p *PaperGateway) validate(req OrderRequest) string {
	if req.Quantity <= 0 {
		return "quantity must be positive"
	}
	price, ok := p.priceCache[req.Symbol]
	if !ok && req.Price.Kind == models.PriceMarket {
		return fmt.Sprintf("no price for %s", req.Symbol)
	}
	if req.Price.Kind == models.PriceLimit {
		price = req.Price.Limit
	}
	qty := decimal.NewFromInt(req.Quantity)
	switch req.Side {
	case models.SideBuy:
		if p.cash.LessThan(price.Mul(qty)) {
			return fmt.Sprintf("insufficient funds: need %s, have %s", price.Mul(qty).StringFixed(0), p.cash.StringFixed(0))
		}
	case models.SideSell:
		h, ok := p.positions[req.Symbol]
		if !ok || h.Quantity < req.Quantity {
			return "insufficient holdings"
		}
	}
	return ""
}

// executable returns the fill price if the order can trade now.
func (p *PaperGateway) executable(req OrderRequest) (decimal.Decimal, bool) {
	last, ok := p.priceCache[req.Symbol]
	if !ok {
		return decimal.Zero, false
	}
	if req.Price.Kind == models.PriceMarket {
		return last, true
	}
	switch req.Side {
	case models.SideBuy:
		if last.LessThanOrEqual(req.Price.Limit) {
			return last, true
		}
	case models.SideSell:
		if last.GreaterThanOrEqual(req.Price.Limit) {
			return last, true
		}
	}
	return decimal.Zero, false
}

// fill executes the rest of order at price. Callers hold p.mu.
func (p *PaperGateway) fill(order *paperOrder, price decimal.Decimal) []models.Fill {
	var fills []models.Fill
	for order.filled < order.req.Quantity {
		qty := order.req.Quantity - order.filled
		if p.maxFillQty > 0 && qty > p.maxFillQty {
			qty = p.maxFillQty
		}
		order.filled += qty
		p.updatePosition(order.req.Symbol, order.req.Side, qty, price)
		fills = append(fills, models.Fill{
			OrderID:       order.id,
			ClientOrderID: order.req.ClientOrderID,
			Symbol:        order.req.Symbol,
			Side:          order.req.Side,
			Quantity:      qty,
			Price:         price,
			FilledAt:      p.now(),
		})
	}
	return fills
}

func (p *PaperGateway) updatePosition(symbol string, side models.Side, qty int64, price decimal.Decimal) {
	h, ok := p.positions[symbol]
	if !ok {
		h = &models.Holding{Symbol: symbol}
		p.positions[symbol] = h
	}
	value := price.Mul(decimal.NewFromInt(qty))

	if side == models.SideBuy {
		total := h.AveragePrice.Mul(decimal.NewFromInt(h.Quantity)).Add(value)
		h.Quantity += qty
		h.AveragePrice = total.Div(decimal.NewFromInt(h.Quantity))
		p.cash = p.cash.Sub(value)
		return
	}

	h.Quantity -= qty
	p.cash = p.cash.Add(value)
	if h.Quantity <= 0 {
		delete(p.positions, symbol)
	}
}

func (p *PaperGateway) emitFills(fills []models.Fill) {
	for i := range fills {
		f := fills[i]
		p.reports <- Report{Fill: &f}
	}
}

// CancelOrder simulates order cancellation.
func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ack := OrderAck{OrderID: orderID, At: p.now()}
	order, ok := p.orders[orderID]
	if !ok {
		ack.Status = AckRejected
		ack.Message = "order not found"
		return ack, nil
	}
	ack.ClientOrderID = order.req.ClientOrderID
	if order.status != AckAccepted || order.filled >= order.req.Quantity {
		ack.Status = AckRejected
		ack.Message = "order is not open"
		return ack, nil
	}

	order.status = AckCancelled
	ack.Status = AckCancelled
	return ack, nil
}

// Positions returns the simulated holdings.
func (p *PaperGateway) Positions(ctx context.Context) ([]models.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Holding, 0, len(p.positions))
	for _, h := range p.positions {
		out = append(out, *h)
	}
	return out, nil
}

// Reports returns the execution report channel.
func (p *PaperGateway) Reports() <-chan Report {
	return p.reports
}

// UpdatePrice records a price and fills resting orders it crosses.
func (p *PaperGateway) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.priceCache[symbol] = price

	var fills []models.Fill
	for _, order := range p.orders {
		if order.req.Symbol != symbol || order.status != AckAccepted || order.filled >= order.req.Quantity {
			continue
		}
		if px, ok := p.executable(order.req); ok {
			fills = append(fills, p.fill(order, px)...)
		}
	}
	p.mu.Unlock()

	p.emitFills(fills)
}

// Cash returns the simulated available cash.
func (p *PaperGateway) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// SimulatedGateway takes market data from a real gateway and executes
// orders on a paper account priced by that data.
type SimulatedGateway struct {
	market Gateway
	*PaperGateway
}

// NewSimulatedGateway wraps market with paper execution.
func NewSimulatedGateway(market Gateway, cfg PaperGatewayConfig) *SimulatedGateway {
	return &SimulatedGateway{market: market, PaperGateway: NewPaperGateway(cfg)}
}

// Authenticate authenticates the market data side.
func (s *SimulatedGateway) Authenticate(ctx context.Context) (Session, error) {
	return s.market.Authenticate(ctx)
}

// StreamMarketEvents relays the real stream and marks paper prices on ticks.
func (s *SimulatedGateway) StreamMarketEvents(ctx context.Context, symbols []string) (<-chan RawEvent, error) {
	in, err := s.market.StreamMarketEvents(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(chan RawEvent, 1024)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == models.EventTick {
				s.UpdatePrice(ev.Symbol, ev.Price)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var (
	_ Gateway = (*PaperGateway)(nil)
	_ Gateway = (*SimulatedGateway)(nil)
)
