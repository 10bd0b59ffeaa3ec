package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradewind/internal/broker"
	"tradewind/internal/domain"
	"tradewind/internal/store"
)

// VenuePosition is one per-venue sub-position in a drill-down, valued with
// that venue's own last price.
type VenuePosition struct {
	TradeID      string    `json:"trade_id"`
	Broker       string    `json:"broker"`
	BrokerRef    string    `json:"broker_ref,omitempty"`
	Direction    string    `json:"direction"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	UnrealizedPL float64   `json:"unrealized_pl"`
	PriceAsOf    time.Time `json:"price_as_of,omitempty"`
}

// BlendedPosition is the strategy/symbol-level rollup across all of a user's
// open legs. Totals are computed from the same per-leg numbers the drill-down
// reports, so the blended view always equals the sum of its parts.
type BlendedPosition struct {
	Symbol        string          `json:"symbol"`
	TotalQuantity float64         `json:"total_quantity"`
	AvgEntryPrice float64         `json:"avg_entry_price"`
	UnrealizedPL  float64         `json:"unrealized_pl"`
	BrokerCount   int             `json:"broker_count"`
	Legs          []VenuePosition `json:"legs"`
}

// Aggregator produces blended and per-venue views over a user's open legs.
type Aggregator struct {
	ledger store.LedgerStore
	prices broker.PriceSource
	log    *slog.Logger
}

// NewAggregator creates an Aggregator over the given ledger.
func NewAggregator(ledger store.LedgerStore, prices broker.PriceSource, log *slog.Logger) *Aggregator {
	return &Aggregator{
		ledger: ledger,
		prices: prices,
		log:    log.With("component", "aggregator"),
	}
}

// Rollup builds the blended position for one user+symbol. Each leg's P&L uses
// that leg's own venue price (the reconciler-maintained broker mark for live
// legs, the feed for paper legs); the blended total is their sum.
func (a *Aggregator) Rollup(ctx context.Context, userID, symbol string) (*BlendedPosition, error) {
	legs, err := a.ledger.ListOpenChildTradesForUser(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("listing open legs for %s/%s: %w", userID, symbol, err)
	}

	blended := &BlendedPosition{Symbol: symbol}
	brokers := make(map[string]bool)
	var weighted float64

	for i := range legs {
		vp := a.legPosition(&legs[i])
		blended.Legs = append(blended.Legs, vp)

		blended.TotalQuantity += vp.Quantity
		weighted += vp.Quantity * vp.EntryPrice
		blended.UnrealizedPL += vp.UnrealizedPL
		brokers[vp.Broker+":"+vp.BrokerRef] = true
	}

	if blended.TotalQuantity > 0 {
		blended.AvgEntryPrice = weighted / blended.TotalQuantity
	}
	blended.BrokerCount = len(brokers)
	return blended, nil
}

// legPosition values one leg with its venue-specific price.
func (a *Aggregator) legPosition(leg *domain.ChildTrade) VenuePosition {
	price := leg.LastBrokerPrice
	asOf := leg.LastPriceUpdateAt

	if leg.BrokerKind == domain.BrokerPaper || price == 0 {
		if tick, ok := a.prices.LatestPrice(leg.Symbol); ok {
			price = tick.SidePrice(leg.Direction.Opposite())
			asOf = tick.Timestamp
		}
	}

	vp := VenuePosition{
		TradeID:    leg.ID,
		Broker:     string(leg.BrokerKind),
		BrokerRef:  leg.BrokerRef,
		Direction:  string(leg.Direction),
		Quantity:   leg.FilledQty,
		EntryPrice: leg.FillPrice,
		PriceAsOf:  asOf,
	}
	if price > 0 {
		vp.CurrentPrice = price
		class := domain.ClassifySymbol(leg.Symbol)
		vp.UnrealizedPL = domain.Profit(class, leg.Direction, leg.FilledQty, leg.FillPrice, price)
	}
	return vp
}
