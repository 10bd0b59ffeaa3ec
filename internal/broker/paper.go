package broker

import (
	"context"
	"time"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*PaperBroker)(nil)

// PriceSource supplies the latest cached tick for a symbol. The price feed
// implements it.
type PriceSource interface {
	LatestPrice(symbol string) (domain.PriceTick, bool)
}

// PaperBroker simulates a venue by filling orders at the feed's current
// price. It never makes network calls and never fabricates a price: when the
// feed has no tick for the symbol, the call fails with ErrNoPrice.
type PaperBroker struct {
	prices PriceSource
}

// NewPaperBroker creates a simulated venue backed by the given price source.
func NewPaperBroker(prices PriceSource) *PaperBroker {
	return &PaperBroker{prices: prices}
}

// Name returns "paper".
func (b *PaperBroker) Name() string { return "paper" }

// Kind returns the simulated venue kind.
func (b *PaperBroker) Kind() domain.BrokerKind { return domain.BrokerPaper }

// Execute fills the full quantity at the feed's side price for the order
// direction.
func (b *PaperBroker) Execute(_ context.Context, order Order) (domain.FillResult, error) {
	tick, ok := b.prices.LatestPrice(order.Symbol)
	if !ok {
		return domain.FillResult{}, &Error{Kind: domain.BrokerPaper, Op: "execute", Err: ErrNoPrice}
	}
	return domain.FillResult{
		FilledQty:     order.Quantity,
		FillPrice:     tick.SidePrice(order.Direction),
		BrokerOrderID: "paper-" + order.Symbol + "-" + time.Now().UTC().Format("20060102150405.000"),
		Status:        domain.StatusCompleted,
	}, nil
}

// GetPrice returns the feed's cached tick, or nil when the symbol is
// unknown.
func (b *PaperBroker) GetPrice(_ context.Context, symbol string) (*domain.PriceTick, error) {
	tick, ok := b.prices.LatestPrice(symbol)
	if !ok {
		return nil, nil
	}
	return &tick, nil
}

// Close flattens at the opposite side of the current tick: a BUY position
// closes at the bid, a SELL at the ask.
func (b *PaperBroker) Close(_ context.Context, req CloseRequest) (domain.CloseResult, error) {
	tick, ok := b.prices.LatestPrice(req.Symbol)
	if !ok {
		return domain.CloseResult{}, &Error{Kind: domain.BrokerPaper, Op: "close", Err: ErrNoPrice}
	}
	return domain.CloseResult{ClosePrice: tick.SidePrice(req.Direction.Opposite())}, nil
}

// HealthCheck always succeeds for the simulated venue.
func (b *PaperBroker) HealthCheck(_ context.Context) bool { return true }
