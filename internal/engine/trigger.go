package engine

import (
	"context"
	"log/slog"
	"time"

	"tradewind/internal/domain"
	"tradewind/internal/store"
)

// TickSource is the local price stream the trigger engine consumes.
// *feed.PriceFeed implements it.
type TickSource interface {
	Subscribe(bufSize int) (id int, ch <-chan domain.PriceTick)
	Unsubscribe(id int)
}

// TriggerEngine marks every open leg to market on each incoming tick and
// fires the stop-loss/take-profit close path on the first crossing. The
// one-way trigger flags plus the LegCloser's per-leg serialization give
// exactly-once close semantics.
type TriggerEngine struct {
	ledger store.LedgerStore
	ticks  TickSource
	closer *LegCloser
	log    *slog.Logger
}

// NewTriggerEngine creates a TriggerEngine over the given tick source.
func NewTriggerEngine(ledger store.LedgerStore, ticks TickSource, closer *LegCloser, log *slog.Logger) *TriggerEngine {
	return &TriggerEngine{
		ledger: ledger,
		ticks:  ticks,
		closer: closer,
		log:    log.With("component", "trigger"),
	}
}

// Run consumes ticks until ctx is cancelled. It blocks and is meant to run in
// its own goroutine.
func (t *TriggerEngine) Run(ctx context.Context) {
	id, ch := t.ticks.Subscribe(256)
	defer t.ticks.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			t.OnTick(ctx, tick)
		}
	}
}

// OnTick revalues and trigger-checks every open leg for the tick's symbol.
// Exported so the manual-close and test paths can drive it directly.
func (t *TriggerEngine) OnTick(ctx context.Context, tick domain.PriceTick) {
	t.checkPaperPositions(ctx, tick)
	t.checkLiveLegs(ctx, tick)
}

func (t *TriggerEngine) checkPaperPositions(ctx context.Context, tick domain.PriceTick) {
	positions, err := t.ledger.ListOpenPaperPositions(ctx, tick.Symbol)
	if err != nil {
		t.log.Error("listing open paper positions", "symbol", tick.Symbol, "error", err)
		return
	}

	for i := range positions {
		pos := &positions[i]
		// Exit price for a long is the bid, for a short the ask.
		price := tick.SidePrice(pos.Direction.Opposite())
		if price == 0 {
			continue
		}

		switch {
		case !pos.SLTriggered && pos.StopLoss > 0 && domain.StopHit(pos.Direction, price, pos.StopLoss):
			if _, err := t.closer.ClosePaperPosition(ctx, pos.ID, price, domain.CloseStopLoss); err != nil {
				t.log.Error("stop-loss close failed", "position", pos.ID, "error", err)
			}
		case !pos.TPTriggered && pos.TakeProfit > 0 && domain.TakeProfitHit(pos.Direction, price, pos.TakeProfit):
			if _, err := t.closer.ClosePaperPosition(ctx, pos.ID, price, domain.CloseTakeProf); err != nil {
				t.log.Error("take-profit close failed", "position", pos.ID, "error", err)
			}
		default:
			// No trigger: refresh the mark.
			pos.LastPrice = price
			pos.LastPriceUpdateAt = time.Now()
			if err := t.ledger.UpdatePaperPosition(ctx, pos); err != nil {
				t.log.Error("paper mark update failed", "position", pos.ID, "error", err)
			}
		}
	}
}

func (t *TriggerEngine) checkLiveLegs(ctx context.Context, tick domain.PriceTick) {
	legs, err := t.ledger.ListOpenChildTrades(ctx, tick.Symbol)
	if err != nil {
		t.log.Error("listing open legs", "symbol", tick.Symbol, "error", err)
		return
	}

	for i := range legs {
		leg := &legs[i]
		if leg.BrokerKind == domain.BrokerPaper {
			// Paper legs are handled through their position record.
			continue
		}
		price := tick.SidePrice(leg.Direction.Opposite())
		if price == 0 {
			continue
		}

		switch {
		case !leg.SLTriggered && leg.StopLoss > 0 && domain.StopHit(leg.Direction, price, leg.StopLoss):
			if _, err := t.closer.CloseChildTrade(ctx, leg.ID, domain.CloseStopLoss); err != nil {
				t.log.Error("stop-loss close failed", "child", leg.ID, "error", err)
			}
		case !leg.TPTriggered && leg.TakeProfit > 0 && domain.TakeProfitHit(leg.Direction, price, leg.TakeProfit):
			if _, err := t.closer.CloseChildTrade(ctx, leg.ID, domain.CloseTakeProf); err != nil {
				t.log.Error("take-profit close failed", "child", leg.ID, "error", err)
			}
		}
	}
}
