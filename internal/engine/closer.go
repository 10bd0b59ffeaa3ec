// Package engine coordinates signal execution, mark-to-market valuation, and
// stop-trigger handling across the paper and live venues.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradewind/internal/broker"
	"tradewind/internal/domain"
	"tradewind/internal/store"
)

// VenueSource resolves credentials to venue adapters. *broker.Registry
// implements it.
type VenueSource interface {
	Paper() broker.Adapter
	AdapterFor(cred domain.BrokerCredential) (broker.Adapter, error)
	ResolveForUser(ctx context.Context, userID string, segment domain.MarketSegment, selected []string) ([]broker.Resolved, error)
}

// Publisher delivers ledger deltas to the pub/sub collaborator, best-effort.
type Publisher interface {
	Publish(channel string, payload any)
}

// LegCloser is the single gate through which any leg leaves the open state.
// Concurrent close attempts on the same leg (tick-driven trigger vs manual
// request) are serialized per leg id; the first to transition wins and the
// rest observe the new state and no-op.
type LegCloser struct {
	ledger    store.LedgerStore
	creds     store.CredentialStore
	venues    VenueSource
	publisher Publisher
	log       *slog.Logger

	locks sync.Map // leg id -> *sync.Mutex
}

// NewLegCloser creates a LegCloser over the given ledger and venue source.
func NewLegCloser(ledger store.LedgerStore, creds store.CredentialStore, venues VenueSource, pub Publisher, log *slog.Logger) *LegCloser {
	return &LegCloser{
		ledger:    ledger,
		creds:     creds,
		venues:    venues,
		publisher: pub,
		log:       log.With("component", "leg-closer"),
	}
}

func (lc *LegCloser) lock(id string) func() {
	mu, _ := lc.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func statusForReason(reason domain.CloseReason) domain.TradeStatus {
	switch reason {
	case domain.CloseStopLoss:
		return domain.StatusSLHit
	case domain.CloseTakeProf:
		return domain.StatusTPHit
	default:
		return domain.StatusClosed
	}
}

// ClosePaperPosition closes a simulated leg at the given price. Trigger-driven
// calls pass the tick price; manual calls pass the latest feed price. Returns
// true when this call performed the transition.
func (lc *LegCloser) ClosePaperPosition(ctx context.Context, id string, price float64, reason domain.CloseReason) (bool, error) {
	unlock := lc.lock("paper:" + id)
	defer unlock()

	pos, err := lc.ledger.GetPaperPosition(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading paper position %s: %w", id, err)
	}
	if pos == nil {
		return false, fmt.Errorf("paper position %s: %w", id, ErrNotFound)
	}
	if pos.Status.Terminal() {
		return false, nil
	}
	if reason == domain.CloseStopLoss && pos.SLTriggered {
		return false, nil
	}
	if reason == domain.CloseTakeProf && pos.TPTriggered {
		return false, nil
	}

	class := domain.ClassifySymbol(pos.Symbol)
	switch reason {
	case domain.CloseStopLoss:
		pos.SLTriggered = true
	case domain.CloseTakeProf:
		pos.TPTriggered = true
	}
	pos.Status = statusForReason(reason)
	pos.ClosePrice = price
	pos.CloseReason = reason
	pos.RealizedPL = domain.Profit(class, pos.Direction, pos.Quantity, pos.EntryPrice, price)
	pos.LastPrice = price
	pos.LastPriceUpdateAt = time.Now()

	if err := lc.ledger.UpdatePaperPosition(ctx, pos); err != nil {
		return false, fmt.Errorf("closing paper position %s: %w", id, err)
	}

	// Mirror the transition onto the paired child trade for aggregation.
	if pos.ChildID != "" {
		if child, err := lc.ledger.GetChildTrade(ctx, pos.ChildID); err == nil && child != nil && !child.Status.Terminal() {
			child.Status = pos.Status
			child.SLTriggered = pos.SLTriggered
			child.TPTriggered = pos.TPTriggered
			child.ClosePrice = price
			child.CloseReason = reason
			child.RealizedPL = pos.RealizedPL
			if err := lc.ledger.UpdateChildTrade(ctx, child); err != nil {
				lc.log.Error("paper close: child mirror update failed", "child", child.ID, "error", err)
			}
		}
	}

	lc.publishEvent(pos.UserID, "paper_update", pos.ID, string(pos.Status), pos.Symbol)
	lc.log.Info("paper position closed",
		"position", pos.ID, "reason", reason, "price", price, "realized_pl", pos.RealizedPL)
	return true, nil
}

// CloseChildTrade closes a live leg through its venue adapter. The trigger
// flag for the reason is set before the venue call, so a failed close is not
// retried by later ticks; the leg stays open, flagged, with the failure
// recorded for the operator.
func (lc *LegCloser) CloseChildTrade(ctx context.Context, id string, reason domain.CloseReason) (bool, error) {
	unlock := lc.lock("child:" + id)
	defer unlock()

	child, err := lc.ledger.GetChildTrade(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading child trade %s: %w", id, err)
	}
	if child == nil {
		return false, fmt.Errorf("child trade %s: %w", id, ErrNotFound)
	}
	// Completed means fully filled and still open at the venue; every other
	// terminal status means the leg is already flat.
	if child.Status.Terminal() && child.Status != domain.StatusCompleted {
		return false, nil
	}
	if reason == domain.CloseStopLoss && child.SLTriggered {
		return false, nil
	}
	if reason == domain.CloseTakeProf && child.TPTriggered {
		return false, nil
	}

	// Flag first: a failed venue call must not produce a retry storm.
	switch reason {
	case domain.CloseStopLoss:
		child.SLTriggered = true
	case domain.CloseTakeProf:
		child.TPTriggered = true
	}

	adapter, err := lc.adapterForChild(ctx, child)
	if err != nil {
		child.LastError = err.Error()
		if uerr := lc.ledger.UpdateChildTrade(ctx, child); uerr != nil {
			return false, fmt.Errorf("recording close failure for %s: %w", id, uerr)
		}
		lc.log.Error("close attempted, adapter unavailable", "child", id, "reason", reason, "error", err)
		return false, err
	}

	result, err := adapter.Close(ctx, broker.CloseRequest{
		BrokerOrderID: child.BrokerOrderID,
		Symbol:        child.Symbol,
		Direction:     child.Direction,
		Quantity:      child.FilledQty,
	})
	if err != nil {
		child.LastError = err.Error()
		if uerr := lc.ledger.UpdateChildTrade(ctx, child); uerr != nil {
			return false, fmt.Errorf("recording close failure for %s: %w", id, uerr)
		}
		lc.publishEvent(child.UserID, "trigger_failed", child.ID, string(child.Status), child.Symbol)
		lc.log.Error("close attempted, execution failed", "child", id, "reason", reason, "error", err)
		return false, err
	}

	// Realized P&L from the venue's reported close price, not the
	// triggering tick.
	class := domain.ClassifySymbol(child.Symbol)
	child.Status = statusForReason(reason)
	child.ClosePrice = result.ClosePrice
	child.CloseReason = reason
	child.RealizedPL = domain.Profit(class, child.Direction, child.FilledQty, child.FillPrice, result.ClosePrice)
	child.LastError = ""
	child.LastBrokerPrice = result.ClosePrice
	child.LastPriceUpdateAt = time.Now()

	if err := lc.ledger.UpdateChildTrade(ctx, child); err != nil {
		return false, fmt.Errorf("persisting close of %s: %w", id, err)
	}

	lc.publishEvent(child.UserID, "child_update", child.ID, string(child.Status), child.Symbol)
	lc.log.Info("child trade closed",
		"child", child.ID, "reason", reason, "price", result.ClosePrice, "realized_pl", child.RealizedPL)
	return true, nil
}

// adapterForChild resolves the venue adapter a live leg was executed through.
func (lc *LegCloser) adapterForChild(ctx context.Context, child *domain.ChildTrade) (broker.Adapter, error) {
	if child.BrokerKind == domain.BrokerPaper {
		return lc.venues.Paper(), nil
	}
	creds, err := lc.creds.ListCredentials(ctx, child.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for %s: %w", child.UserID, err)
	}
	for _, c := range creds {
		if c.ID == child.BrokerRef {
			return lc.venues.AdapterFor(c)
		}
	}
	return nil, fmt.Errorf("credential %s for child %s: %w", child.BrokerRef, child.ID, broker.ErrNoCredentials)
}

func (lc *LegCloser) publishEvent(userID, typ, tradeID, status, symbol string) {
	if lc.publisher == nil {
		return
	}
	lc.publisher.Publish("ledger:"+userID, domain.LedgerEvent{
		Type:    typ,
		UserID:  userID,
		TradeID: tradeID,
		Status:  status,
		Symbol:  symbol,
		At:      time.Now().UTC(),
	})
}
