// Package broker provides the broker gateway interface and implementations.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vi-trader/internal/models"
)

// Gateway defines the boundary to the brokerage. Reconnecting a dropped
// market data stream is the gateway's job; callers only see a sequence of
// raw events.
type Gateway interface {
	// Authentication
	Authenticate(ctx context.Context) (Session, error)

	// Market Data
	StreamMarketEvents(ctx context.Context, symbols []string) (<-chan RawEvent, error)

	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (OrderAck, error)

	// Positions
	Positions(ctx context.Context) ([]models.Holding, error)

	// Reports delivers fills and asynchronous order status changes.
	Reports() <-chan Report
}

// Session is an authenticated broker session.
type Session struct {
	AccessToken string
	ApprovalKey string
	ExpiresAt   time.Time
	Live        bool
}

// Valid reports whether the session can still be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && (s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt))
}

// RawEvent is a market data message as decoded by a gateway adapter,
// before normalization.
type RawEvent struct {
	Symbol           string             `json:"symbol"`
	Type             models.EventType   `json:"type"`
	Price            decimal.Decimal    `json:"price"`
	Volume           int64              `json:"volume,omitempty"`
	CumulativeVolume int64              `json:"cum_volume,omitempty"`
	Bid              decimal.Decimal    `json:"bid,omitempty"`
	Ask              decimal.Decimal    `json:"ask,omitempty"`
	Direction        models.ViDirection `json:"direction,omitempty"`
	ExchangeSeq      string             `json:"exchange_seq,omitempty"`
	ExchangeTime     time.Time          `json:"exchange_time"`
	ReceivedAt       time.Time          `json:"received_at"`
}

// OrderRequest is what the gateway needs to place an order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Quantity      int64
	Price         models.PriceConstraint
}

// NewOrderRequest builds a request from an intent. The intent ID doubles
// as the client order ID for fill correlation.
func NewOrderRequest(intent models.OrderIntent) OrderRequest {
	return OrderRequest{
		ClientOrderID: intent.ID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
	}
}

// AckStatus is the gateway's answer to an order action.
type AckStatus string

const (
	AckAccepted  AckStatus = "ACCEPTED"
	AckRejected  AckStatus = "REJECTED"
	AckCancelled AckStatus = "CANCELLED"
)

// OrderAck acknowledges an order action.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        AckStatus
	Message       string
	At            time.Time
}

// Report is one asynchronous execution report. Exactly one of Fill or Ack
// is set.
type Report struct {
	Fill *models.Fill
	Ack  *OrderAck
}
