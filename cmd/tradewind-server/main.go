package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradewind/internal/broker"
	"tradewind/internal/budget"
	"tradewind/internal/config"
	"tradewind/internal/engine"
	"tradewind/internal/feed"
	"tradewind/internal/httpapi"
	"tradewind/internal/pubsub"
	"tradewind/internal/store"
	"tradewind/internal/util"
)

func main() {
	cfgPath := "config/tradewind.yaml"
	if p := os.Getenv("TRADEWIND_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open ledger store: %v", err)
	}
	defer db.Close()

	ticks := store.NewTickStore(cfg.Storage.DataDir)

	provider, err := buildProvider(cfg, cfg.Feed.Provider)
	if err != nil {
		log.Fatalf("failed to build feed provider: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bgt := budget.New(cfg.Budget.MaxConcurrent)

	hub := pubsub.NewHub(logger)
	go hub.Run(ctx)

	priceFeed := feed.New(provider, cfg.Feed.Symbols, bgt,
		feed.WithPublisher(hub),
		feed.WithRecorder(ticks),
	)

	registry := broker.NewRegistry(db, priceFeed, bgt)
	closer := engine.NewLegCloser(db, db, registry, hub, logger)
	reconciler := engine.NewReconciler(db, db, registry, priceFeed, bgt,
		time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second, logger)
	coordinator := engine.NewCoordinator(db, db, registry, priceFeed, closer, hub, reconciler.Rearm, logger)
	trigger := engine.NewTriggerEngine(db, priceFeed, closer, logger)
	aggregator := engine.NewAggregator(db, priceFeed, logger)

	go func() {
		if err := priceFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("price feed stopped", "error", err)
		}
	}()
	go trigger.Run(ctx)
	go reconciler.Run(ctx)

	newProvider := func(name string) (feed.Provider, error) { return buildProvider(cfg, name) }
	api := httpapi.NewServer(coordinator, aggregator, priceFeed, newProvider, db, db, pubsub.ServeWS(hub), logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("tradewind-server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := ticks.Flush(); err != nil {
		logger.Error("tick history flush failed", "error", err)
	}
}

// buildProvider constructs the named feed provider from the config's
// credentials.
func buildProvider(cfg *config.Config, name string) (feed.Provider, error) {
	switch name {
	case "alpaca":
		return feed.NewAlpacaProvider(cfg.Feed.Alpaca.APIKey, cfg.Feed.Alpaca.APISecret, cfg.Feed.Alpaca.DataFeed), nil
	case "quotews":
		return feed.NewQuoteWSProvider(cfg.Feed.QuoteWS.URL, cfg.Feed.QuoteWS.Token), nil
	default:
		return nil, fmt.Errorf("unknown feed provider %q", name)
	}
}
