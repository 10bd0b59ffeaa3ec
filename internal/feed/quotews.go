package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*QuoteWSProvider)(nil)

const (
	quoteReadTimeout  = 60 * time.Second
	quoteWriteTimeout = 10 * time.Second
	quotePingInterval = 20 * time.Second
)

// QuoteWSProvider streams last-trade quotes from a free streaming quote feed
// over a plain WebSocket. The feed carries a single trade price per message,
// so bid, ask, and mid all take that value.
type QuoteWSProvider struct {
	url   string
	token string
	log   *slog.Logger
}

// NewQuoteWSProvider creates the provider for the given endpoint and API
// token.
func NewQuoteWSProvider(url, token string) *QuoteWSProvider {
	return &QuoteWSProvider{
		url:   url,
		token: token,
		log:   slog.Default().With("provider", "quotews"),
	}
}

// Name returns "quotews".
func (p *QuoteWSProvider) Name() string { return "quotews" }

type quoteSubscribe struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type quoteMessage struct {
	Type string `json:"type"`
	Data []struct {
		Symbol string  `json:"s"`
		Price  float64 `json:"p"`
		Time   int64   `json:"t"` // unix ms
	} `json:"data"`
}

// Stream dials the feed, subscribes to each symbol, and pumps messages until
// disconnect or cancellation.
func (p *QuoteWSProvider) Stream(ctx context.Context, symbols []string, onTick func(domain.PriceTick)) error {
	endpoint := p.url
	if p.token != "" {
		endpoint += "?token=" + p.token
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing quote feed: %w", err)
	}
	defer conn.Close()

	for _, s := range symbols {
		conn.SetWriteDeadline(time.Now().Add(quoteWriteTimeout))
		if err := conn.WriteJSON(quoteSubscribe{Type: "subscribe", Symbol: s}); err != nil {
			return fmt.Errorf("subscribing %s: %w", s, err)
		}
	}
	p.log.Info("connected", "symbols", len(symbols))

	conn.SetReadDeadline(time.Now().Add(quoteReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(quoteReadTimeout))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(quotePingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(quoteWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading quote feed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(quoteReadTimeout))

		var msg quoteMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.log.Debug("skipping unparseable message", "error", err)
			continue
		}
		if msg.Type != "trade" {
			continue
		}
		for _, d := range msg.Data {
			onTick(domain.PriceTick{
				Symbol:    d.Symbol,
				Bid:       d.Price,
				Ask:       d.Price,
				Mid:       d.Price,
				Source:    "quotews",
				Timestamp: time.UnixMilli(d.Time),
			})
		}
	}
}
