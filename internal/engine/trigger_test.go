package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tradewind/internal/domain"
)

func newTrigger(rig *testRig) *TriggerEngine {
	return &TriggerEngine{
		ledger: rig.ledger,
		closer: rig.closer,
		log:    testLogger(),
	}
}

func openPaper(rig *testRig, id string, d domain.Direction, entry, sl, tp float64) {
	now := time.Now()
	rig.ledger.CreatePaperPosition(context.Background(), &domain.PaperPosition{
		ID: id, UserID: "u1", StrategyID: "strat1", Symbol: "EURUSD",
		Direction: d, Quantity: 1000, EntryPrice: entry,
		Status: domain.StatusOpen, StopLoss: sl, TakeProfit: tp,
		CreatedAt: now, UpdatedAt: now,
	})
}

func TestStopLossTriggerClosesPaperPosition(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	openPaper(rig, "pp1", domain.DirectionBuy, 1.1000, 1.0950, 1.1100)

	// Above the stop: no trigger, just a fresh mark.
	trig.OnTick(ctx, domain.PriceTick{Symbol: "EURUSD", Bid: 1.0960, Ask: 1.0962, Mid: 1.0961})
	pos, _ := rig.ledger.GetPaperPosition(ctx, "pp1")
	if pos.Status != domain.StatusOpen || pos.LastPrice != 1.0960 {
		t.Fatalf("pre-trigger state = %v at %v", pos.Status, pos.LastPrice)
	}

	// At the stop (inclusive threshold).
	trig.OnTick(ctx, domain.PriceTick{Symbol: "EURUSD", Bid: 1.0950, Ask: 1.0952, Mid: 1.0951})
	pos, _ = rig.ledger.GetPaperPosition(ctx, "pp1")
	if pos.Status != domain.StatusSLHit || !pos.SLTriggered {
		t.Fatalf("post-trigger state = %v triggered=%v", pos.Status, pos.SLTriggered)
	}
	if pos.ClosePrice != 1.0950 || pos.CloseReason != domain.CloseStopLoss {
		t.Errorf("close = %v via %v, want 1.0950 via stop_loss", pos.ClosePrice, pos.CloseReason)
	}
	// 1000 × -0.0050 × 100,000.
	if math.Abs(pos.RealizedPL-(-500000)) > 1e-6 {
		t.Errorf("realized = %v, want -500000", pos.RealizedPL)
	}
}

func TestTakeProfitTriggerSellSide(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	// Short from 1.1000 with TP at 1.0900: profits when price falls.
	openPaper(rig, "pp1", domain.DirectionSell, 1.1000, 1.1050, 1.0900)

	// A short exits at the ask.
	trig.OnTick(ctx, domain.PriceTick{Symbol: "EURUSD", Bid: 1.0898, Ask: 1.0900, Mid: 1.0899})
	pos, _ := rig.ledger.GetPaperPosition(ctx, "pp1")
	if pos.Status != domain.StatusTPHit || !pos.TPTriggered {
		t.Fatalf("state = %v triggered=%v, want tp_hit", pos.Status, pos.TPTriggered)
	}
	if pos.RealizedPL <= 0 {
		t.Errorf("short take-profit realized = %v, want positive", pos.RealizedPL)
	}
}

func TestTriggerFiresExactlyOnce(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	openPaper(rig, "pp1", domain.DirectionBuy, 1.1000, 1.0950, 0)

	tick := domain.PriceTick{Symbol: "EURUSD", Bid: 1.0940, Ask: 1.0942, Mid: 1.0941}
	trig.OnTick(ctx, tick)
	pos, _ := rig.ledger.GetPaperPosition(ctx, "pp1")
	first := pos.ClosePrice

	// A later, deeper tick must not re-close at a different price.
	trig.OnTick(ctx, domain.PriceTick{Symbol: "EURUSD", Bid: 1.0900, Ask: 1.0902, Mid: 1.0901})
	pos, _ = rig.ledger.GetPaperPosition(ctx, "pp1")
	if pos.ClosePrice != first {
		t.Errorf("close price moved from %v to %v on a second tick", first, pos.ClosePrice)
	}
}

func TestLiveLegStopLossClosesThroughVenue(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	adapter := &fakeAdapter{name: "gateway", kind: domain.BrokerGateway, closePrice: 1.0948}
	cred := domain.BrokerCredential{ID: "cred1", OwnerID: "u1", Kind: domain.BrokerGateway, Active: true}
	rig.venues.adapters["cred1"] = adapter
	rig.ledger.SaveCredential(ctx, &cred)

	now := time.Now()
	rig.ledger.CreateChildTrade(ctx, &domain.ChildTrade{
		ID: "c1", UserID: "u1", BrokerRef: "cred1", BrokerKind: domain.BrokerGateway,
		Symbol: "EURUSD", Direction: domain.DirectionBuy,
		RequestedQty: 1000, FilledQty: 1000, FillPrice: 1.1000,
		Status: domain.StatusCompleted, StopLoss: 1.0950, BrokerOrderID: "ord-1",
		CreatedAt: now, UpdatedAt: now,
	})

	trig.OnTick(ctx, domain.PriceTick{Symbol: "EURUSD", Bid: 1.0949, Ask: 1.0951, Mid: 1.0950})

	child, _ := rig.ledger.GetChildTrade(ctx, "c1")
	if child.Status != domain.StatusSLHit {
		t.Fatalf("status = %v, want sl_hit", child.Status)
	}
	// Realized P&L uses the venue's reported close price, not the tick.
	if child.ClosePrice != 1.0948 {
		t.Errorf("close price = %v, want venue 1.0948", child.ClosePrice)
	}
	if math.Abs(child.RealizedPL-(1000*(1.0948-1.1000)*100000)) > 1e-4 {
		t.Errorf("realized = %v", child.RealizedPL)
	}
	if adapter.closes() != 1 {
		t.Errorf("venue closes = %d, want 1", adapter.closes())
	}
}

func TestFailedCloseMarksFlagNoRetry(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	adapter := &fakeAdapter{
		name: "gateway", kind: domain.BrokerGateway,
		closeErr: errors.New("venue timeout"),
	}
	cred := domain.BrokerCredential{ID: "cred1", OwnerID: "u1", Kind: domain.BrokerGateway, Active: true}
	rig.venues.adapters["cred1"] = adapter
	rig.ledger.SaveCredential(ctx, &cred)

	now := time.Now()
	rig.ledger.CreateChildTrade(ctx, &domain.ChildTrade{
		ID: "c1", UserID: "u1", BrokerRef: "cred1", BrokerKind: domain.BrokerGateway,
		Symbol: "EURUSD", Direction: domain.DirectionBuy,
		RequestedQty: 1000, FilledQty: 1000, FillPrice: 1.1000,
		Status: domain.StatusCompleted, StopLoss: 1.0950, BrokerOrderID: "ord-1",
		CreatedAt: now, UpdatedAt: now,
	})

	tick := domain.PriceTick{Symbol: "EURUSD", Bid: 1.0940, Ask: 1.0942, Mid: 1.0941}
	trig.OnTick(ctx, tick)

	child, _ := rig.ledger.GetChildTrade(ctx, "c1")
	// Leg stays open but flagged, with the failure recorded.
	if child.Status != domain.StatusCompleted || !child.SLTriggered {
		t.Fatalf("state = %v triggered=%v, want open+flagged", child.Status, child.SLTriggered)
	}
	if child.LastError == "" {
		t.Error("close failure not recorded")
	}

	// No retry storm: further ticks leave the venue alone.
	trig.OnTick(ctx, tick)
	trig.OnTick(ctx, tick)
	if adapter.closes() != 1 {
		t.Errorf("venue closes = %d, want exactly 1 despite repeated ticks", adapter.closes())
	}
}

func TestManualCloseAndTriggerSingleFlight(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	adapter := &fakeAdapter{name: "gateway", kind: domain.BrokerGateway, closePrice: 1.0948}
	cred := domain.BrokerCredential{ID: "cred1", OwnerID: "u1", Kind: domain.BrokerGateway, Active: true}
	rig.venues.adapters["cred1"] = adapter
	rig.ledger.SaveCredential(ctx, &cred)

	now := time.Now()
	rig.ledger.CreateChildTrade(ctx, &domain.ChildTrade{
		ID: "c1", UserID: "u1", BrokerRef: "cred1", BrokerKind: domain.BrokerGateway,
		Symbol: "EURUSD", Direction: domain.DirectionBuy,
		RequestedQty: 1000, FilledQty: 1000, FillPrice: 1.1000,
		Status: domain.StatusCompleted, StopLoss: 1.0950, BrokerOrderID: "ord-1",
		CreatedAt: now, UpdatedAt: now,
	})

	// First close wins.
	did, err := rig.closer.CloseChildTrade(ctx, "c1", domain.CloseStopLoss)
	if err != nil || !did {
		t.Fatalf("first close: did=%v err=%v", did, err)
	}
	// The loser observes the terminal state and no-ops.
	did, err = rig.closer.CloseChildTrade(ctx, "c1", domain.CloseManual)
	if err != nil {
		t.Fatalf("second close errored: %v", err)
	}
	if did {
		t.Error("second close performed a transition")
	}
	if adapter.closes() != 1 {
		t.Errorf("venue closes = %d, want 1", adapter.closes())
	}
}

func TestTriggerIgnoresOtherSymbols(t *testing.T) {
	rig := newTestRig()
	trig := newTrigger(rig)
	ctx := context.Background()

	openPaper(rig, "pp1", domain.DirectionBuy, 1.1000, 1.0950, 0)

	trig.OnTick(ctx, domain.PriceTick{Symbol: "GBPUSD", Bid: 1.0800, Ask: 1.0802, Mid: 1.0801})
	pos, _ := rig.ledger.GetPaperPosition(ctx, "pp1")
	if pos.Status != domain.StatusOpen {
		t.Errorf("unrelated symbol closed the position: %v", pos.Status)
	}
}
