// Package errors provides the error taxonomy shared by the trading core.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrStaleEvent         = errors.New("stale event")
	ErrMalformedEvent     = errors.New("malformed market event")
	ErrRiskLimitExceeded  = errors.New("risk limit exceeded")
	ErrRejectedByGateway  = errors.New("rejected by gateway")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrAuth               = errors.New("authentication failed")
	ErrSubmissionsHalted  = errors.New("submissions halted")
	ErrInconsistentFill   = errors.New("inconsistent fill")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrDuplicateIntent    = errors.New("duplicate intent")
	ErrPositionExists     = errors.New("position already open")
	ErrPositionNotFound   = errors.New("position not found")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrTimeout            = errors.New("operation timed out")
	ErrConfigInvalid      = errors.New("invalid configuration")
)

// GatewayError represents an error returned by the broker gateway.
type GatewayError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s [%s]: %s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a new GatewayError. err should be one of
// ErrRejectedByGateway, ErrGatewayUnavailable or ErrAuth.
func NewGatewayError(op, code, message string, err error) *GatewayError {
	return &GatewayError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to submitting an order intent.
type OrderError struct {
	IntentID string
	OrderID  string
	Symbol   string
	Reason   string
	Err      error
}

func (e *OrderError) Error() string {
	id := e.IntentID
	if e.OrderID != "" {
		id = e.OrderID
	}
	return fmt.Sprintf("order error [%s] %s %s: %v", id, e.Reason, e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(intentID, orderID, symbol, reason string, err error) *OrderError {
	return &OrderError{
		IntentID: intentID,
		OrderID:  orderID,
		Symbol:   symbol,
		Reason:   reason,
		Err:      err,
	}
}

// RiskError represents a risk rule violation.
type RiskError struct {
	Rule    string
	Symbol  string
	Current float64
	Limit   float64
	Err     error
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk rule %s violated for %s (current: %.2f, limit: %.2f): %v", e.Rule, e.Symbol, e.Current, e.Limit, e.Err)
}

func (e *RiskError) Unwrap() error {
	return e.Err
}

// NewRiskError creates a new RiskError wrapping ErrRiskLimitExceeded.
func NewRiskError(rule, symbol string, current, limit float64) *RiskError {
	return &RiskError{
		Rule:    rule,
		Symbol:  symbol,
		Current: current,
		Limit:   limit,
		Err:     ErrRiskLimitExceeded,
	}
}

// FillError represents a fill that could not be reconciled.
type FillError struct {
	OrderID string
	Symbol  string
	Reason  string
	Err     error
}

func (e *FillError) Error() string {
	return fmt.Sprintf("fill for order %s (%s) rejected: %s: %v", e.OrderID, e.Symbol, e.Reason, e.Err)
}

func (e *FillError) Unwrap() error {
	return e.Err
}

// Is lets a FillError match ErrInconsistentFill regardless of its cause.
func (e *FillError) Is(target error) bool {
	return target == ErrInconsistentFill
}

// NewFillError creates a new FillError.
func NewFillError(orderID, symbol, reason string, err error) *FillError {
	if err == nil {
		err = ErrInconsistentFill
	}
	return &FillError{
		OrderID: orderID,
		Symbol:  symbol,
		Reason:  reason,
		Err:     err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsRetryable reports whether an exit submission may be retried after err.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuth) || errors.Is(err, ErrSubmissionsHalted) {
		return false
	}
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrRejectedByGateway) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err must halt submissions and page a human.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrRetriesExhausted)
}
