package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradewind/internal/broker"
	"tradewind/internal/domain"
	"tradewind/internal/store"
)

// ErrInvalidSignal is returned when the raw signal is neither a BUY/SELL
// token nor a number.
var ErrInvalidSignal = errors.New("invalid signal")

// ParseSignal maps a raw signal string to a direction: explicit BUY/SELL
// tokens, or numeric sign (positive = buy, negative = sell, zero = close).
func ParseSignal(raw string) (domain.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return domain.DirectionBuy, nil
	case "SELL":
		return domain.DirectionSell, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSignal, raw)
	}
	switch {
	case v > 0:
		return domain.DirectionBuy, nil
	case v < 0:
		return domain.DirectionSell, nil
	default:
		return domain.DirectionClose, nil
	}
}

// SegmentForSymbol maps an instrument to the credential segment used for
// default-broker fallback.
func SegmentForSymbol(symbol string) domain.MarketSegment {
	switch domain.ClassifySymbol(symbol) {
	case domain.ClassCrypto:
		return domain.SegmentCrypto
	case domain.ClassCurrencyPair, domain.ClassGold, domain.ClassSilver:
		return domain.SegmentForex
	default:
		return domain.SegmentEquity
	}
}

// LegOutcome reports one subscriber leg of a fan-out.
type LegOutcome struct {
	UserID     string  `json:"user_id"`
	TradeID    string  `json:"trade_id,omitempty"`
	Broker     string  `json:"broker"`
	Quantity   float64 `json:"quantity"`
	FillPrice  float64 `json:"fill_price"`
	Status     string  `json:"status"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// Report summarizes one signal execution across all subscribers.
type Report struct {
	ParentID   string       `json:"parent_id,omitempty"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Trades     []LegOutcome `json:"trades"`
	Errors     []string     `json:"errors"`
}

// Coordinator fans one validated signal out to every active subscriber of a
// strategy. Legs execute independently; one subscriber's venue outage never
// aborts the others.
type Coordinator struct {
	ledger     store.LedgerStore
	strategies store.StrategyStore
	venues     VenueSource
	prices     broker.PriceSource
	closer     *LegCloser
	publisher  Publisher
	rearm      func()
	log        *slog.Logger
}

// NewCoordinator wires a Coordinator with its collaborators. rearm, when
// non-nil, is invoked after live legs open so the reconciliation loop can wake
// from idle.
func NewCoordinator(
	ledger store.LedgerStore,
	strategies store.StrategyStore,
	venues VenueSource,
	prices broker.PriceSource,
	closer *LegCloser,
	pub Publisher,
	rearm func(),
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		ledger:     ledger,
		strategies: strategies,
		venues:     venues,
		prices:     prices,
		closer:     closer,
		publisher:  pub,
		rearm:      rearm,
		log:        log.With("component", "coordinator"),
	}
}

// Execute runs one signal for the given strategy. A close direction flattens
// every open leg for the strategy+symbol; buy and sell open new legs per
// subscriber.
func (c *Coordinator) Execute(ctx context.Context, strategy *domain.Strategy, direction domain.Direction, symbol string) (*Report, error) {
	if symbol == "" {
		symbol = strategy.Symbol
	}
	if symbol == "" {
		return nil, errors.New("no symbol in signal or strategy")
	}

	if direction == domain.DirectionClose {
		return c.closeAll(ctx, strategy, symbol)
	}

	subscribers, err := c.strategies.ListSubscribers(ctx, strategy.ID)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers of %s: %w", strategy.ID, err)
	}

	now := time.Now()
	parent := &domain.ParentTrade{
		ID:         uuid.NewString(),
		StrategyID: strategy.ID,
		Symbol:     symbol,
		Direction:  direction,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.ledger.CreateParentTrade(ctx, parent); err != nil {
		return nil, fmt.Errorf("creating parent trade: %w", err)
	}

	report := &Report{ParentID: parent.ID, Total: len(subscribers)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, sub := range subscribers {
		wg.Add(1)
		go func(sub domain.Subscriber) {
			defer wg.Done()

			outcomes, err := c.executeLeg(ctx, strategy, parent, sub, direction, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sub.UserID, err))
				c.log.Warn("leg failed", "user", sub.UserID, "symbol", symbol, "error", err)
				return
			}
			report.Successful++
			report.Trades = append(report.Trades, outcomes...)
		}(sub)
	}
	wg.Wait()

	if err := c.recomputeParent(ctx, parent); err != nil {
		c.log.Error("parent aggregate recompute failed", "parent", parent.ID, "error", err)
	}
	c.publishEvent("", "parent_update", parent.ID, string(parent.Status), symbol)

	if report.Successful > 0 && c.rearm != nil {
		c.rearm()
	}
	return report, nil
}

// executeLeg runs one subscriber's portion of the fan-out.
func (c *Coordinator) executeLeg(ctx context.Context, strategy *domain.Strategy, parent *domain.ParentTrade, sub domain.Subscriber, direction domain.Direction, symbol string) ([]LegOutcome, error) {
	quantity := sub.BaseQuantity * sub.Multiplier
	if quantity <= 0 {
		return nil, fmt.Errorf("subscriber %s has no quantity configured", sub.UserID)
	}

	if sub.Paper {
		out, err := c.executePaperLeg(ctx, strategy, parent, sub, direction, symbol, quantity)
		if err != nil {
			return nil, err
		}
		return []LegOutcome{out}, nil
	}
	return c.executeLiveLeg(ctx, strategy, parent, sub, direction, symbol, quantity)
}

// executePaperLeg fills a simulated leg from the feed: ask for buys, bid for
// sells, falling back to the strategy's reference price when the feed is
// stale. No price at all fails the leg explicitly.
func (c *Coordinator) executePaperLeg(ctx context.Context, strategy *domain.Strategy, parent *domain.ParentTrade, sub domain.Subscriber, direction domain.Direction, symbol string, quantity float64) (LegOutcome, error) {
	var fillPrice float64
	if tick, ok := c.prices.LatestPrice(symbol); ok {
		fillPrice = tick.SidePrice(direction)
	}
	if fillPrice == 0 {
		fillPrice = strategy.ReferencePrice
	}
	if fillPrice == 0 {
		return LegOutcome{}, fmt.Errorf("no price for %s: %w", symbol, broker.ErrNoPrice)
	}

	class := domain.ClassifySymbol(symbol)
	stopLoss, takeProfit := domain.ComputeStops(class, direction, symbol, fillPrice, strategy.StopLoss, strategy.TakeProfit)

	now := time.Now()
	child := &domain.ChildTrade{
		ID:           uuid.NewString(),
		ParentID:     parent.ID,
		UserID:       sub.UserID,
		BrokerKind:   domain.BrokerPaper,
		Symbol:       symbol,
		Direction:    direction,
		RequestedQty: quantity,
		FilledQty:    quantity,
		FillPrice:    fillPrice,
		Status:       domain.StatusOpen,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.ledger.CreateChildTrade(ctx, child); err != nil {
		return LegOutcome{}, fmt.Errorf("persisting paper child: %w", err)
	}

	pos := &domain.PaperPosition{
		ID:         uuid.NewString(),
		ChildID:    child.ID,
		UserID:     sub.UserID,
		StrategyID: strategy.ID,
		Symbol:     symbol,
		Direction:  direction,
		Quantity:   quantity,
		EntryPrice: fillPrice,
		Status:     domain.StatusOpen,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		LastPrice:  fillPrice,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.ledger.CreatePaperPosition(ctx, pos); err != nil {
		return LegOutcome{}, fmt.Errorf("persisting paper position: %w", err)
	}

	c.publishEvent(sub.UserID, "child_update", child.ID, string(child.Status), symbol)
	return LegOutcome{
		UserID:     sub.UserID,
		TradeID:    child.ID,
		Broker:     "paper",
		Quantity:   quantity,
		FillPrice:  fillPrice,
		Status:     string(child.Status),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}, nil
}

// executeLiveLeg resolves the subscriber's venues and executes on each. Any
// existing opposite-direction open leg for the same user+symbol+venue kind is
// closed first (position reversal); same-direction legs coexist. Stop levels
// derive from the venue's actual fill price.
func (c *Coordinator) executeLiveLeg(ctx context.Context, strategy *domain.Strategy, parent *domain.ParentTrade, sub domain.Subscriber, direction domain.Direction, symbol string, quantity float64) ([]LegOutcome, error) {
	resolved, err := c.venues.ResolveForUser(ctx, sub.UserID, SegmentForSymbol(symbol), sub.BrokerRefs)
	if err != nil {
		return nil, err
	}

	var outcomes []LegOutcome
	var errs []error
	for _, r := range resolved {
		// Opening on top of an unflattened opposite leg would hedge the
		// user against themselves at this venue.
		if err := c.closeOppositeLegs(ctx, sub.UserID, symbol, direction, r.Adapter.Kind()); err != nil {
			c.log.Warn("reversal close failed, skipping open",
				"user", sub.UserID, "symbol", symbol, "venue", r.Adapter.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: reversal close: %w", r.Adapter.Name(), err))
			continue
		}

		out, err := c.executeOnVenue(ctx, strategy, parent, sub, r, direction, symbol, quantity)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Adapter.Name(), err))
			continue
		}
		outcomes = append(outcomes, out)
	}

	if len(outcomes) == 0 {
		return nil, errors.Join(errs...)
	}
	return outcomes, nil
}

func (c *Coordinator) executeOnVenue(ctx context.Context, strategy *domain.Strategy, parent *domain.ParentTrade, sub domain.Subscriber, r broker.Resolved, direction domain.Direction, symbol string, quantity float64) (LegOutcome, error) {
	fill, err := r.Adapter.Execute(ctx, broker.Order{
		Symbol:    symbol,
		Direction: direction,
		Quantity:  quantity,
		UserID:    sub.UserID,
	})
	if err != nil {
		return LegOutcome{}, err
	}

	filledQty := fill.FilledQty
	if filledQty > quantity {
		c.log.Warn("venue overfilled order, clamping to requested quantity",
			"venue", r.Adapter.Name(), "symbol", symbol, "requested", quantity, "reported", filledQty)
		filledQty = quantity
	}

	// Stops from the actual fill, not the pre-trade quote.
	class := domain.ClassifySymbol(symbol)
	stopLoss, takeProfit := domain.ComputeStops(class, direction, symbol, fill.FillPrice, strategy.StopLoss, strategy.TakeProfit)

	now := time.Now()
	child := &domain.ChildTrade{
		ID:            uuid.NewString(),
		ParentID:      parent.ID,
		UserID:        sub.UserID,
		BrokerRef:     r.Credential.ID,
		BrokerKind:    r.Adapter.Kind(),
		Symbol:        symbol,
		Direction:     direction,
		RequestedQty:  quantity,
		FilledQty:     filledQty,
		FillPrice:     fill.FillPrice,
		Status:        domain.StatusForFill(quantity, filledQty),
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		BrokerOrderID: fill.BrokerOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.ledger.CreateChildTrade(ctx, child); err != nil {
		return LegOutcome{}, fmt.Errorf("persisting child: %w", err)
	}

	c.publishEvent(sub.UserID, "child_update", child.ID, string(child.Status), symbol)
	return LegOutcome{
		UserID:     sub.UserID,
		TradeID:    child.ID,
		Broker:     r.Adapter.Name(),
		Quantity:   filledQty,
		FillPrice:  fill.FillPrice,
		Status:     string(child.Status),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}, nil
}

// closeOppositeLegs flattens any open leg in the opposite direction for the
// same user, symbol, and venue kind before a new position opens.
func (c *Coordinator) closeOppositeLegs(ctx context.Context, userID, symbol string, direction domain.Direction, kind domain.BrokerKind) error {
	open, err := c.ledger.ListOpenChildTradesForUser(ctx, userID, symbol)
	if err != nil {
		return fmt.Errorf("listing open legs: %w", err)
	}
	var errs []error
	for _, leg := range open {
		if leg.BrokerKind != kind || leg.Direction != direction.Opposite() {
			continue
		}
		if _, err := c.closer.CloseChildTrade(ctx, leg.ID, domain.CloseReversal); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeAll handles a close-direction signal: every open leg for the
// strategy+symbol is flattened and no new position opens.
func (c *Coordinator) closeAll(ctx context.Context, strategy *domain.Strategy, symbol string) (*Report, error) {
	report := &Report{}

	children, err := c.ledger.ListOpenChildTradesByStrategy(ctx, strategy.ID, symbol)
	if err != nil {
		return nil, fmt.Errorf("listing open legs of %s: %w", strategy.ID, err)
	}
	for _, leg := range children {
		if leg.BrokerKind == domain.BrokerPaper {
			// Paper legs close through their position record below.
			continue
		}
		report.Total++
		if _, err := c.closer.CloseChildTrade(ctx, leg.ID, domain.CloseReversal); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", leg.ID, err))
			continue
		}
		report.Successful++
		report.Trades = append(report.Trades, LegOutcome{
			UserID: leg.UserID, TradeID: leg.ID, Broker: string(leg.BrokerKind),
			Quantity: leg.FilledQty, Status: string(domain.StatusClosed),
		})
	}

	positions, err := c.ledger.ListOpenPaperPositionsByStrategy(ctx, strategy.ID, symbol)
	if err != nil {
		return nil, fmt.Errorf("listing open paper positions of %s: %w", strategy.ID, err)
	}
	for _, pos := range positions {
		report.Total++
		price := pos.LastPrice
		if tick, ok := c.prices.LatestPrice(symbol); ok {
			price = tick.SidePrice(pos.Direction.Opposite())
		}
		if _, err := c.closer.ClosePaperPosition(ctx, pos.ID, price, domain.CloseReversal); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pos.ID, err))
			continue
		}
		report.Successful++
		report.Trades = append(report.Trades, LegOutcome{
			UserID: pos.UserID, TradeID: pos.ID, Broker: "paper",
			Quantity: pos.Quantity, FillPrice: price, Status: string(domain.StatusClosed),
		})
	}

	return report, nil
}

// recomputeParent rebuilds the parent aggregate from its children: summed
// filled quantity and quantity-weighted average price. Open if at least one
// leg succeeded, Failed otherwise.
func (c *Coordinator) recomputeParent(ctx context.Context, parent *domain.ParentTrade) error {
	children, err := c.ledger.ListChildTrades(ctx, parent.ID)
	if err != nil {
		return err
	}

	var totalQty, weighted float64
	succeeded := 0
	for _, ch := range children {
		if ch.Status == domain.StatusFailed || ch.FilledQty == 0 {
			continue
		}
		succeeded++
		totalQty += ch.FilledQty
		weighted += ch.FilledQty * ch.FillPrice
	}

	parent.TotalQuantity = totalQty
	if totalQty > 0 {
		parent.AvgFillPrice = weighted / totalQty
	}
	if succeeded > 0 {
		parent.Status = domain.StatusOpen
	} else {
		parent.Status = domain.StatusFailed
	}
	parent.UpdatedAt = time.Now()
	return c.ledger.UpdateParentTrade(ctx, parent)
}

func (c *Coordinator) publishEvent(userID, typ, tradeID, status, symbol string) {
	if c.publisher == nil {
		return
	}
	channel := "ledger:all"
	if userID != "" {
		channel = "ledger:" + userID
	}
	c.publisher.Publish(channel, domain.LedgerEvent{
		Type:    typ,
		UserID:  userID,
		TradeID: tradeID,
		Status:  status,
		Symbol:  symbol,
		At:      time.Now().UTC(),
	})
}
