package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradewind/internal/domain"
)

// ErrNotOpen is returned when an operation requires an open leg.
var ErrNotOpen = errors.New("position is not open")

// ErrNotFound is returned when a referenced leg does not exist.
var ErrNotFound = errors.New("not found")

// ClosePaperPosition flattens one simulated leg at the current feed price.
// Used by the manual-close surface; runs through the same single-flight gate
// as the trigger engine.
func (c *Coordinator) ClosePaperPosition(ctx context.Context, id string) (*domain.PaperPosition, error) {
	pos, err := c.ledger.GetPaperPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("paper position %s: %w", id, ErrNotFound)
	}
	if pos.Status.Terminal() {
		return nil, ErrNotOpen
	}

	price := pos.LastPrice
	if tick, ok := c.prices.LatestPrice(pos.Symbol); ok {
		price = tick.SidePrice(pos.Direction.Opposite())
	}
	if price == 0 {
		price = pos.EntryPrice
	}

	if _, err := c.closer.ClosePaperPosition(ctx, id, price, domain.CloseManual); err != nil {
		return nil, err
	}
	return c.ledger.GetPaperPosition(ctx, id)
}

// CloseChildTrade flattens one live leg through its venue. Used by the
// manual-close surface.
func (c *Coordinator) CloseChildTrade(ctx context.Context, id string) (*domain.ChildTrade, error) {
	if _, err := c.closer.CloseChildTrade(ctx, id, domain.CloseManual); err != nil {
		return nil, err
	}
	return c.ledger.GetChildTrade(ctx, id)
}

// ModifyPaperStops recomputes a paper position's absolute stop prices from
// newly supplied config. Only permitted while the position is open; the
// status is never altered. A nil config clears that stop.
func (c *Coordinator) ModifyPaperStops(ctx context.Context, id string, sl, tp *domain.StopConfig) (*domain.PaperPosition, error) {
	pos, err := c.ledger.GetPaperPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("paper position %s: %w", id, ErrNotFound)
	}
	if pos.Status != domain.StatusOpen {
		return nil, ErrNotOpen
	}

	class := domain.ClassifySymbol(pos.Symbol)
	pos.StopLoss, pos.TakeProfit = domain.ComputeStops(class, pos.Direction, pos.Symbol, pos.EntryPrice, sl, tp)
	pos.UpdatedAt = time.Now()

	if err := c.ledger.UpdatePaperPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("saving stop change for %s: %w", id, err)
	}

	// Keep the paired child trade in step for aggregation and triggers.
	if pos.ChildID != "" {
		if child, err := c.ledger.GetChildTrade(ctx, pos.ChildID); err == nil && child != nil {
			child.StopLoss, child.TakeProfit = pos.StopLoss, pos.TakeProfit
			if err := c.ledger.UpdateChildTrade(ctx, child); err != nil {
				c.log.Error("stop change: child mirror update failed", "child", child.ID, "error", err)
			}
		}
	}

	c.publishEvent(pos.UserID, "paper_update", pos.ID, string(pos.Status), pos.Symbol)
	return pos, nil
}

// ModifyChildStops recomputes a live leg's stop prices from its actual fill
// price. Only permitted while the leg is broker-open.
func (c *Coordinator) ModifyChildStops(ctx context.Context, id string, sl, tp *domain.StopConfig) (*domain.ChildTrade, error) {
	child, err := c.ledger.GetChildTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("child trade %s: %w", id, ErrNotFound)
	}
	if child.Status.Terminal() && child.Status != domain.StatusCompleted {
		return nil, ErrNotOpen
	}

	class := domain.ClassifySymbol(child.Symbol)
	child.StopLoss, child.TakeProfit = domain.ComputeStops(class, child.Direction, child.Symbol, child.FillPrice, sl, tp)
	child.UpdatedAt = time.Now()

	if err := c.ledger.UpdateChildTrade(ctx, child); err != nil {
		return nil, fmt.Errorf("saving stop change for %s: %w", id, err)
	}

	c.publishEvent(child.UserID, "child_update", child.ID, string(child.Status), child.Symbol)
	return child, nil
}
