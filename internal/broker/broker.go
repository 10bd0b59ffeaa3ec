// Package broker defines the venue capability interface consumed by the
// execution engines, and provides implementations for the supported venue
// kinds: the margin-trading gateway, the Alpaca exchange, and the simulated
// paper venue.
package broker

import (
	"context"
	"errors"
	"fmt"

	"tradewind/internal/domain"
)

// Order is a venue-neutral execution request for one leg.
type Order struct {
	Symbol    string
	Direction domain.Direction
	Quantity  float64
	UserID    string
}

// CloseRequest identifies the venue-side position to flatten. Quantity 0
// closes the full position.
type CloseRequest struct {
	BrokerOrderID string
	Symbol        string
	Direction     domain.Direction
	Quantity      float64
}

// Adapter is the uniform venue contract. Implementations that need a
// persistent session must acquire it through the ConnectionBudget and hold it
// no longer than the single call requires.
type Adapter interface {
	// Name returns the venue identifier for logging.
	Name() string

	// Kind returns the closed venue kind.
	Kind() domain.BrokerKind

	// Execute submits the order and reports the actual fill.
	Execute(ctx context.Context, order Order) (domain.FillResult, error)

	// GetPrice returns the venue's current quote for symbol, or nil when
	// the venue has no price.
	GetPrice(ctx context.Context, symbol string) (*domain.PriceTick, error)

	// Close flattens an open venue position and reports the close price.
	Close(ctx context.Context, req CloseRequest) (domain.CloseResult, error)

	// HealthCheck reports whether the venue is reachable.
	HealthCheck(ctx context.Context) bool
}

// ErrNoCredentials is returned when no active credential can serve a leg.
var ErrNoCredentials = errors.New("no valid broker credentials")

// ErrNoPrice is returned when a fill price cannot be resolved.
var ErrNoPrice = errors.New("no price available")

// Error classifies a failed adapter call so the coordinator can isolate the
// leg and the budget can react to quota exhaustion.
type Error struct {
	Kind        domain.BrokerKind
	Op          string // execute, close, price, session
	RateLimited bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a venue rate-limit signal.
func IsRateLimited(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.RateLimited
}
