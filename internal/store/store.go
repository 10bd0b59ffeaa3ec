// Package store defines the persistence interfaces for the position ledger
// and implements them on SQLite, plus a parquet sink for tick history. The
// ledger is the single source of truth for money-moving state; no trading
// logic lives here.
package store

import (
	"context"

	"tradewind/internal/domain"
)

// LedgerStore persists parent trades, child trades, and paper positions.
type LedgerStore interface {
	// CreateParentTrade inserts a new parent record.
	CreateParentTrade(ctx context.Context, p *domain.ParentTrade) error

	// GetParentTrade retrieves a parent by id.
	GetParentTrade(ctx context.Context, id string) (*domain.ParentTrade, error)

	// UpdateParentTrade persists changes to an existing parent.
	UpdateParentTrade(ctx context.Context, p *domain.ParentTrade) error

	// CreateChildTrade inserts a new execution leg.
	CreateChildTrade(ctx context.Context, c *domain.ChildTrade) error

	// GetChildTrade retrieves a leg by id.
	GetChildTrade(ctx context.Context, id string) (*domain.ChildTrade, error)

	// UpdateChildTrade persists changes to an existing leg.
	UpdateChildTrade(ctx context.Context, c *domain.ChildTrade) error

	// ListChildTrades returns all legs of a parent.
	ListChildTrades(ctx context.Context, parentID string) ([]domain.ChildTrade, error)

	// ListOpenChildTrades returns every non-terminal live leg, optionally
	// filtered by symbol ("" = all).
	ListOpenChildTrades(ctx context.Context, symbol string) ([]domain.ChildTrade, error)

	// ListOpenChildTradesForUser returns a user's open legs for a symbol.
	ListOpenChildTradesForUser(ctx context.Context, userID, symbol string) ([]domain.ChildTrade, error)

	// ListOpenChildTradesByStrategy returns open legs for a strategy+symbol.
	ListOpenChildTradesByStrategy(ctx context.Context, strategyID, symbol string) ([]domain.ChildTrade, error)

	// CreatePaperPosition inserts a simulated leg.
	CreatePaperPosition(ctx context.Context, p *domain.PaperPosition) error

	// GetPaperPosition retrieves a simulated leg by id.
	GetPaperPosition(ctx context.Context, id string) (*domain.PaperPosition, error)

	// UpdatePaperPosition persists changes to a simulated leg.
	UpdatePaperPosition(ctx context.Context, p *domain.PaperPosition) error

	// ListOpenPaperPositions returns every open simulated leg, optionally
	// filtered by symbol ("" = all).
	ListOpenPaperPositions(ctx context.Context, symbol string) ([]domain.PaperPosition, error)

	// ListOpenPaperPositionsByStrategy returns open simulated legs for a
	// strategy+symbol.
	ListOpenPaperPositionsByStrategy(ctx context.Context, strategyID, symbol string) ([]domain.PaperPosition, error)
}

// StrategyStore resolves strategies and their subscriber lists.
type StrategyStore interface {
	// GetStrategy retrieves a strategy by id.
	GetStrategy(ctx context.Context, id string) (*domain.Strategy, error)

	// SaveStrategy inserts or updates a strategy.
	SaveStrategy(ctx context.Context, s *domain.Strategy) error

	// ListSubscribers returns the active subscribers of a strategy.
	ListSubscribers(ctx context.Context, strategyID string) ([]domain.Subscriber, error)

	// SaveSubscriber inserts or updates a subscription.
	SaveSubscriber(ctx context.Context, strategyID string, sub *domain.Subscriber) error
}

// CredentialStore lists stored venue credentials.
type CredentialStore interface {
	// ListCredentials returns all credentials owned by a user.
	ListCredentials(ctx context.Context, userID string) ([]domain.BrokerCredential, error)

	// SaveCredential inserts or updates a credential.
	SaveCredential(ctx context.Context, c *domain.BrokerCredential) error
}

// SignalLogStore persists the per-call ingress audit records.
type SignalLogStore interface {
	// SaveSignalLog writes one audit record.
	SaveSignalLog(ctx context.Context, l *domain.SignalLog) error

	// ListSignalLogs returns the most recent records for a strategy.
	ListSignalLogs(ctx context.Context, strategyID string, limit int) ([]domain.SignalLog, error)
}
