package engine

import (
	"context"
	"log/slog"
	"time"

	"tradewind/internal/broker"
	"tradewind/internal/budget"
	"tradewind/internal/domain"
	"tradewind/internal/store"
	"tradewind/internal/util"
)

// Reconciler periodically refreshes each open live leg's venue-side mark
// (LastBrokerPrice) and each paper position's feed mark. When no open legs
// exist the loop goes idle and stops scheduling cycles until Rearm is called.
type Reconciler struct {
	ledger   store.LedgerStore
	creds    store.CredentialStore
	venues   VenueSource
	prices   broker.PriceSource
	budget   *budget.ConnectionBudget
	interval time.Duration
	log      *slog.Logger

	wake chan struct{}
}

// NewReconciler creates a Reconciler running one cycle per interval.
func NewReconciler(
	ledger store.LedgerStore,
	creds store.CredentialStore,
	venues VenueSource,
	prices broker.PriceSource,
	bgt *budget.ConnectionBudget,
	interval time.Duration,
	log *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		creds:    creds,
		venues:   venues,
		prices:   prices,
		budget:   bgt,
		interval: interval,
		log:      log.With("component", "reconciler"),
		wake:     make(chan struct{}, 1),
	}
}

// Rearm wakes an idle reconciler after new positions open. Safe to call from
// any goroutine; redundant calls coalesce.
func (r *Reconciler) Rearm() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives reconciliation cycles until ctx is cancelled. It blocks and is
// meant to run in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		active := r.Cycle(ctx)
		if !active {
			// Idle: no open positions, wait for a rearm instead of
			// burning cycles.
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Cycle runs one reconciliation pass and reports whether any open positions
// remain. Exported for tests and for an explicit admin-triggered pass.
func (r *Reconciler) Cycle(ctx context.Context) bool {
	liveActive := r.refreshLiveLegs(ctx)
	paperActive := r.refreshPaperPositions(ctx)
	return liveActive || paperActive
}

func (r *Reconciler) refreshLiveLegs(ctx context.Context) bool {
	legs, err := r.ledger.ListOpenChildTrades(ctx, "")
	if err != nil {
		r.log.Error("listing open legs", "error", err)
		return true // assume active on error, retry next cycle
	}

	active := false
	for i := range legs {
		leg := &legs[i]
		if leg.BrokerKind == domain.BrokerPaper {
			continue
		}
		active = true

		// Skip accounts in a backoff or cooldown window; the next cycle
		// re-attempts.
		if r.budget.ShouldSkipConnection(leg.BrokerRef) {
			continue
		}

		adapter, err := r.adapterForLeg(ctx, leg)
		if err != nil {
			r.log.Warn("reconcile: no adapter for leg", "child", leg.ID, "error", err)
			continue
		}
		// Quote reads are idempotent, so a transient failure gets one quick
		// retry before waiting for the next cycle.
		var tick *domain.PriceTick
		err = util.Retry(ctx, 2, 200*time.Millisecond, func() error {
			var perr error
			tick, perr = adapter.GetPrice(ctx, leg.Symbol)
			return perr
		})
		if err != nil {
			r.log.Warn("reconcile: price fetch failed", "child", leg.ID, "venue", adapter.Name(), "error", err)
			continue
		}
		if tick == nil {
			continue
		}

		price := tick.SidePrice(leg.Direction.Opposite())
		if price == 0 {
			continue
		}
		leg.LastBrokerPrice = price
		leg.LastPriceUpdateAt = time.Now()
		if err := r.ledger.UpdateChildTrade(ctx, leg); err != nil {
			r.log.Error("reconcile: mark update failed", "child", leg.ID, "error", err)
		}
	}
	return active
}

func (r *Reconciler) refreshPaperPositions(ctx context.Context) bool {
	positions, err := r.ledger.ListOpenPaperPositions(ctx, "")
	if err != nil {
		r.log.Error("listing open paper positions", "error", err)
		return true
	}

	for i := range positions {
		pos := &positions[i]
		tick, ok := r.prices.LatestPrice(pos.Symbol)
		if !ok {
			continue
		}
		price := tick.SidePrice(pos.Direction.Opposite())
		if price == 0 || price == pos.LastPrice {
			continue
		}
		pos.LastPrice = price
		pos.LastPriceUpdateAt = time.Now()
		if err := r.ledger.UpdatePaperPosition(ctx, pos); err != nil {
			r.log.Error("paper mark update failed", "position", pos.ID, "error", err)
		}
	}
	return len(positions) > 0
}

func (r *Reconciler) adapterForLeg(ctx context.Context, leg *domain.ChildTrade) (broker.Adapter, error) {
	creds, err := r.creds.ListCredentials(ctx, leg.UserID)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.ID == leg.BrokerRef {
			return r.venues.AdapterFor(c)
		}
	}
	return nil, broker.ErrNoCredentials
}
