package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tradewind/internal/budget"
	"tradewind/internal/domain"
	"tradewind/internal/util"
)

// Compile-time interface check.
var _ Adapter = (*GatewayBroker)(nil)

// GatewayBroker talks to a margin-trading gateway over its REST API. The
// gateway enforces hard venue-side session limits, so every call follows the
// connect → act → disconnect discipline: a session is opened for the single
// call and torn down immediately after, with the slot held through the
// ConnectionBudget for the whole window.
type GatewayBroker struct {
	baseURL   string
	authToken string
	accountID string
	budget    *budget.ConnectionBudget
	limiter   *util.RateLimiter
	client    *http.Client
	log       *slog.Logger
}

// gatewaySessionsPerMin paces session opens per account, below the venue's
// own limit so the 429 path stays exceptional. The burst absorbs a fan-out
// touching the same account several times in quick succession.
const (
	gatewaySessionsPerMin = 30
	gatewaySessionBurst   = 5
)

// NewGatewayBroker creates an adapter bound to one gateway account.
func NewGatewayBroker(baseURL, authToken, accountID string, bgt *budget.ConnectionBudget) *GatewayBroker {
	return &GatewayBroker{
		baseURL:   baseURL,
		authToken: authToken,
		accountID: accountID,
		budget:    bgt,
		limiter:   util.NewRateLimiter(gatewaySessionsPerMin, gatewaySessionBurst),
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       slog.Default().With("broker", "gateway", "account", accountID),
	}
}

// Name returns "gateway".
func (b *GatewayBroker) Name() string { return "gateway" }

// Kind returns the margin-gateway venue kind.
func (b *GatewayBroker) Kind() domain.BrokerKind { return domain.BrokerGateway }

type gatewaySession struct {
	Token string `json:"token"`
}

type gatewayFill struct {
	OrderID   string  `json:"order_id"`
	FilledQty float64 `json:"filled_qty"`
	FillPrice float64 `json:"fill_price"`
}

type gatewayQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"` // unix ms
}

type gatewayClose struct {
	ClosePrice float64 `json:"close_price"`
}

// Execute opens a session, places a market order, and disconnects.
func (b *GatewayBroker) Execute(ctx context.Context, order Order) (domain.FillResult, error) {
	var fill gatewayFill
	err := b.withSession(ctx, "execute", func(token string) error {
		payload := map[string]any{
			"symbol":   order.Symbol,
			"side":     string(order.Direction),
			"quantity": order.Quantity,
		}
		return b.call(ctx, token, http.MethodPost, "/v1/orders", payload, &fill)
	})
	if err != nil {
		return domain.FillResult{}, err
	}
	return domain.FillResult{
		FilledQty:     fill.FilledQty,
		FillPrice:     fill.FillPrice,
		BrokerOrderID: fill.OrderID,
		Status:        domain.StatusForFill(order.Quantity, fill.FilledQty),
	}, nil
}

// GetPrice fetches the gateway's current quote for the symbol.
func (b *GatewayBroker) GetPrice(ctx context.Context, symbol string) (*domain.PriceTick, error) {
	if b.budget.ShouldSkipConnection(b.accountID) {
		return nil, nil
	}
	var quote gatewayQuote
	err := b.withSession(ctx, "price", func(token string) error {
		return b.call(ctx, token, http.MethodGet, "/v1/quotes/"+symbol, nil, &quote)
	})
	if err != nil {
		return nil, err
	}
	if quote.Bid == 0 && quote.Ask == 0 {
		return nil, nil
	}
	return &domain.PriceTick{
		Symbol:    symbol,
		Bid:       quote.Bid,
		Ask:       quote.Ask,
		Mid:       (quote.Bid + quote.Ask) / 2,
		Source:    "gateway",
		Timestamp: time.UnixMilli(quote.Time),
	}, nil
}

// Close flattens the identified position and reports the gateway's close
// price.
func (b *GatewayBroker) Close(ctx context.Context, req CloseRequest) (domain.CloseResult, error) {
	var result gatewayClose
	err := b.withSession(ctx, "close", func(token string) error {
		payload := map[string]any{"quantity": req.Quantity}
		return b.call(ctx, token, http.MethodDelete, "/v1/positions/"+req.BrokerOrderID, payload, &result)
	})
	if err != nil {
		return domain.CloseResult{}, err
	}
	return domain.CloseResult{ClosePrice: result.ClosePrice}, nil
}

// HealthCheck opens and immediately tears down a session.
func (b *GatewayBroker) HealthCheck(ctx context.Context) bool {
	if b.budget.ShouldSkipConnection(b.accountID) {
		return false
	}
	err := b.withSession(ctx, "session", func(string) error { return nil })
	return err == nil
}

// withSession wraps fn in the connect → act → disconnect discipline under a
// budget slot.
func (b *GatewayBroker) withSession(ctx context.Context, op string, fn func(token string) error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &Error{Kind: domain.BrokerGateway, Op: op, Err: err}
	}
	release, err := b.budget.RequestSlot(ctx, b.accountID)
	if err != nil {
		return &Error{Kind: domain.BrokerGateway, Op: op, Err: err}
	}
	defer release()

	var session gatewaySession
	if err := b.call(ctx, "", http.MethodPost, "/v1/session", map[string]any{"auth": b.authToken}, &session); err != nil {
		return b.classify(op, err)
	}
	defer func() {
		// Best-effort teardown; venue sessions also expire server-side.
		if err := b.call(ctx, session.Token, http.MethodDelete, "/v1/session", nil, nil); err != nil {
			b.log.Warn("session teardown failed", "error", err)
		}
	}()

	if err := fn(session.Token); err != nil {
		return b.classify(op, err)
	}
	b.budget.RecordSuccess(b.accountID)
	return nil
}

// rateLimitError marks an HTTP 429 from the gateway.
type rateLimitError struct{ status int }

func (e *rateLimitError) Error() string { return fmt.Sprintf("gateway status %d", e.status) }

func (b *GatewayBroker) classify(op string, err error) error {
	var rle *rateLimitError
	if errors.As(err, &rle) {
		b.budget.RecordRateLimitError(b.accountID)
		return &Error{Kind: domain.BrokerGateway, Op: op, RateLimited: true, Err: err}
	}
	b.budget.RecordFailure(b.accountID)
	return &Error{Kind: domain.BrokerGateway, Op: op, Err: err}
}

// call performs one JSON request against the gateway.
func (b *GatewayBroker) call(ctx context.Context, token, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
