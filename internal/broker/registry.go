package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tradewind/internal/budget"
	"tradewind/internal/domain"
)

// CredentialSource lists a user's stored venue credentials. The ledger store
// implements it; the registry never inspects auth material beyond handing it
// to the adapter constructor.
type CredentialSource interface {
	ListCredentials(ctx context.Context, userID string) ([]domain.BrokerCredential, error)
}

// Registry resolves credentials to adapters. Adapters are cached per
// credential id so budget accounting stays stable across calls.
type Registry struct {
	creds  CredentialSource
	prices PriceSource
	budget *budget.ConnectionBudget
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]Adapter
}

// NewRegistry creates a Registry over the given credential source.
func NewRegistry(creds CredentialSource, prices PriceSource, bgt *budget.ConnectionBudget) *Registry {
	return &Registry{
		creds:  creds,
		prices: prices,
		budget: bgt,
		log:    slog.Default().With("component", "broker-registry"),
		cache:  make(map[string]Adapter),
	}
}

// Paper returns the simulated venue adapter.
func (r *Registry) Paper() Adapter {
	return NewPaperBroker(r.prices)
}

// AdapterFor builds (or returns the cached) adapter for one credential.
func (r *Registry) AdapterFor(cred domain.BrokerCredential) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[cred.ID]; ok {
		return a, nil
	}

	var a Adapter
	switch cred.Kind {
	case domain.BrokerPaper:
		a = NewPaperBroker(r.prices)
	case domain.BrokerAlpaca:
		a = NewAlpacaBroker(
			cred.AuthMaterial["api_key"],
			cred.AuthMaterial["api_secret"],
			cred.AuthMaterial["base_url"],
			cred.AuthMaterial["data_url"],
			cred.ID,
			r.budget,
		)
	case domain.BrokerGateway:
		a = NewGatewayBroker(
			cred.AuthMaterial["base_url"],
			cred.AuthMaterial["auth_token"],
			cred.ID,
			r.budget,
		)
	default:
		return nil, fmt.Errorf("unknown broker kind %q for credential %s", cred.Kind, cred.ID)
	}

	r.cache[cred.ID] = a
	return a, nil
}

// Resolved pairs a credential with its adapter for one execution leg.
type Resolved struct {
	Credential domain.BrokerCredential
	Adapter    Adapter
}

// ResolveForUser picks the credentials to execute a live leg with, in
// fallback order: explicitly selected credentials, then the user's default
// for the segment, then any active credential for the segment. An empty
// result is ErrNoCredentials.
func (r *Registry) ResolveForUser(ctx context.Context, userID string, segment domain.MarketSegment, selected []string) ([]Resolved, error) {
	creds, err := r.creds.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for %s: %w", userID, err)
	}

	active := make(map[string]domain.BrokerCredential)
	for _, c := range creds {
		if c.Active {
			active[c.ID] = c
		}
	}

	// 1. Explicit selection.
	var picked []domain.BrokerCredential
	for _, id := range selected {
		if c, ok := active[id]; ok {
			picked = append(picked, c)
		}
	}

	// 2. Default credential for the segment. Iterate the stored order so the
	// pick is deterministic.
	if len(picked) == 0 {
		for _, c := range creds {
			if c.Active && c.Default && c.Segment == segment {
				picked = append(picked, c)
				break
			}
		}
	}

	// 3. Any active credential for the segment.
	if len(picked) == 0 {
		for _, c := range creds {
			if c.Active && c.Segment == segment {
				picked = append(picked, c)
				break
			}
		}
	}

	if len(picked) == 0 {
		return nil, ErrNoCredentials
	}

	resolved := make([]Resolved, 0, len(picked))
	for _, c := range picked {
		a, err := r.AdapterFor(c)
		if err != nil {
			r.log.Warn("skipping credential", "credential", c.ID, "error", err)
			continue
		}
		resolved = append(resolved, Resolved{Credential: c, Adapter: a})
	}
	if len(resolved) == 0 {
		return nil, ErrNoCredentials
	}
	return resolved, nil
}
