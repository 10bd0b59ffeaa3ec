package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider streams quotes from the managed trading-gateway feed over
// the Alpaca real-time WebSocket API.
type AlpacaProvider struct {
	apiKey    string
	apiSecret string
	dataFeed  string // "iex" or "sip"
	log       *slog.Logger
}

// NewAlpacaProvider creates the provider with the given credentials.
func NewAlpacaProvider(apiKey, apiSecret, dataFeed string) *AlpacaProvider {
	if dataFeed == "" {
		dataFeed = "iex"
	}
	return &AlpacaProvider{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		dataFeed:  dataFeed,
		log:       slog.Default().With("provider", "alpaca"),
	}
}

// Name returns "alpaca".
func (p *AlpacaProvider) Name() string { return "alpaca" }

// Stream connects, subscribes to quotes for the symbol set, and blocks until
// the stream terminates or ctx is cancelled.
func (p *AlpacaProvider) Stream(ctx context.Context, symbols []string, onTick func(domain.PriceTick)) error {
	handler := func(q stream.Quote) {
		onTick(domain.PriceTick{
			Symbol:    q.Symbol,
			Bid:       q.BidPrice,
			Ask:       q.AskPrice,
			Mid:       (q.BidPrice + q.AskPrice) / 2,
			Source:    "alpaca",
			Timestamp: q.Timestamp,
		})
	}

	client := stream.NewStocksClient(
		marketdata.Feed(p.dataFeed),
		stream.WithCredentials(p.apiKey, p.apiSecret),
		stream.WithQuotes(handler, symbols...),
	)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting alpaca stream: %w", err)
	}
	p.log.Info("connected", "symbols", len(symbols))

	select {
	case <-ctx.Done():
		return nil
	case err := <-client.Terminated():
		if err != nil {
			return fmt.Errorf("alpaca stream terminated: %w", err)
		}
		return nil
	}
}
