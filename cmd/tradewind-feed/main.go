package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradewind/internal/budget"
	"tradewind/internal/config"
	"tradewind/internal/feed"
	"tradewind/internal/store"
	"tradewind/internal/util"
)

// tradewind-feed runs the price feed standalone: it connects to the
// configured provider, records tick history, and prints ticks to stdout.
// Useful for validating provider credentials and symbol subscriptions
// without the full trading stack.
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

	var provider feed.Provider
	switch cfg.Feed.Provider {
	case "alpaca":
		provider = feed.NewAlpacaProvider(cfg.Feed.Alpaca.APIKey, cfg.Feed.Alpaca.APISecret, cfg.Feed.Alpaca.DataFeed)
	case "quotews":
		provider = feed.NewQuoteWSProvider(cfg.Feed.QuoteWS.URL, cfg.Feed.QuoteWS.Token)
	default:
		log.Fatalf("unknown feed provider %q", cfg.Feed.Provider)
	}

	ticks := store.NewTickStore(cfg.Storage.DataDir)

	priceFeed := feed.New(provider, cfg.Feed.Symbols, budget.New(cfg.Budget.MaxConcurrent),
		feed.WithRecorder(ticks),
		feed.WithPublisher(printPublisher{}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("streaming %d symbols from %s\n", len(cfg.Feed.Symbols), provider.Name())
	if err := priceFeed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("feed error: %v", err)
	}
	if err := ticks.Flush(); err != nil {
		log.Printf("tick history flush failed: %v", err)
	}
}

// printPublisher dumps each published tick to stdout.
type printPublisher struct{}

func (printPublisher) Publish(channel string, payload any) {
	fmt.Printf("%s %v\n", channel, payload)
}
