package feed

import (
	"context"

	"tradewind/internal/domain"
)

// Provider is one upstream price source. Stream connects, subscribes to the
// given symbols, and delivers normalized ticks through onTick until the
// context is cancelled or the connection drops. A nil return means clean
// shutdown; any error drives the feed's reconnect state machine.
type Provider interface {
	Name() string
	Stream(ctx context.Context, symbols []string, onTick func(domain.PriceTick)) error
}

// FeedState is the reconnect state machine position.
type FeedState string

const (
	StateDisconnected FeedState = "disconnected"
	StateConnecting   FeedState = "connecting"
	StateConnected    FeedState = "connected"
	StateBackoff      FeedState = "backoff"
)

// Status is the operator-visible view of the feed.
type Status struct {
	Provider      string    `json:"provider"`
	State         FeedState `json:"state"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Terminal      bool      `json:"terminal"` // attempt cap exceeded, operator action required
	LastTickAt    string    `json:"last_tick_at,omitempty"`
	CachedSymbols int       `json:"cached_symbols"`
}
