package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradewind/internal/budget"
	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Adapter = (*AlpacaBroker)(nil)

// AlpacaBroker executes on the Alpaca exchange through its REST API. All
// calls are metered through the ConnectionBudget under the credential id.
type AlpacaBroker struct {
	trading   *alpaca.Client
	data      *marketdata.Client
	budget    *budget.ConnectionBudget
	accountID string
	log       *slog.Logger
}

// NewAlpacaBroker creates an adapter bound to one credential.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL, accountID string, bgt *budget.ConnectionBudget) *AlpacaBroker {
	tradingOpts := alpaca.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if baseURL != "" {
		tradingOpts.BaseURL = baseURL
	}
	dataOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading:   alpaca.NewClient(tradingOpts),
		data:      marketdata.NewClient(dataOpts),
		budget:    bgt,
		accountID: accountID,
		log:       slog.Default().With("broker", "alpaca", "account", accountID),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Kind returns the exchange venue kind.
func (b *AlpacaBroker) Kind() domain.BrokerKind { return domain.BrokerAlpaca }

// Execute submits a market order and reports Alpaca's actual fill, which is
// the basis for downstream stop-level computation.
func (b *AlpacaBroker) Execute(ctx context.Context, order Order) (domain.FillResult, error) {
	release, err := b.budget.RequestSlot(ctx, b.accountID)
	if err != nil {
		return domain.FillResult{}, &Error{Kind: domain.BrokerAlpaca, Op: "execute", Err: err}
	}
	defer release()

	qty := decimal.NewFromFloat(order.Quantity)
	side := alpaca.Buy
	if order.Direction == domain.DirectionSell {
		side = alpaca.Sell
	}

	placed, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return domain.FillResult{}, b.classify("execute", err)
	}
	b.budget.RecordSuccess(b.accountID)

	filled, _ := placed.FilledQty.Float64()
	var fillPrice float64
	if placed.FilledAvgPrice != nil {
		fillPrice, _ = placed.FilledAvgPrice.Float64()
	}
	return domain.FillResult{
		FilledQty:     filled,
		FillPrice:     fillPrice,
		BrokerOrderID: placed.ID,
		Status:        domain.StatusForFill(order.Quantity, filled),
	}, nil
}

// GetPrice fetches the latest quote from the Alpaca market-data API.
func (b *AlpacaBroker) GetPrice(ctx context.Context, symbol string) (*domain.PriceTick, error) {
	if b.budget.ShouldSkipConnection(b.accountID) {
		return nil, nil
	}
	release, err := b.budget.RequestSlot(ctx, b.accountID)
	if err != nil {
		return nil, &Error{Kind: domain.BrokerAlpaca, Op: "price", Err: err}
	}
	defer release()

	quote, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, b.classify("price", err)
	}
	b.budget.RecordSuccess(b.accountID)

	return &domain.PriceTick{
		Symbol:    symbol,
		Bid:       quote.BidPrice,
		Ask:       quote.AskPrice,
		Mid:       (quote.BidPrice + quote.AskPrice) / 2,
		Source:    "alpaca",
		Timestamp: quote.Timestamp,
	}, nil
}

// Close flattens the venue position for the symbol and reports the close
// fill price.
func (b *AlpacaBroker) Close(ctx context.Context, req CloseRequest) (domain.CloseResult, error) {
	release, err := b.budget.RequestSlot(ctx, b.accountID)
	if err != nil {
		return domain.CloseResult{}, &Error{Kind: domain.BrokerAlpaca, Op: "close", Err: err}
	}
	defer release()

	closeReq := alpaca.ClosePositionRequest{}
	if req.Quantity > 0 {
		closeReq.Qty = decimal.NewFromFloat(req.Quantity)
	}
	closed, err := b.trading.ClosePosition(req.Symbol, closeReq)
	if err != nil {
		return domain.CloseResult{}, b.classify("close", err)
	}
	b.budget.RecordSuccess(b.accountID)

	var price float64
	if closed.FilledAvgPrice != nil {
		price, _ = closed.FilledAvgPrice.Float64()
	}
	return domain.CloseResult{ClosePrice: price}, nil
}

// HealthCheck verifies the trading API answers for this credential.
func (b *AlpacaBroker) HealthCheck(ctx context.Context) bool {
	if b.budget.ShouldSkipConnection(b.accountID) {
		return false
	}
	release, err := b.budget.RequestSlot(ctx, b.accountID)
	if err != nil {
		return false
	}
	defer release()

	_, err = b.trading.GetAccount()
	if err != nil {
		b.budget.RecordFailure(b.accountID)
		return false
	}
	b.budget.RecordSuccess(b.accountID)
	return true
}

// classify records the failure against the budget and wraps it with the
// rate-limit flag set for HTTP 429 responses.
func (b *AlpacaBroker) classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		b.budget.RecordRateLimitError(b.accountID)
		return &Error{Kind: domain.BrokerAlpaca, Op: op, RateLimited: true, Err: err}
	}
	b.budget.RecordFailure(b.accountID)
	return &Error{Kind: domain.BrokerAlpaca, Op: op, Err: err}
}
