// Package budget governs outbound broker connections process-wide: a global
// concurrency ceiling, per-account failure backoff, and a global rate-limit
// cooldown. One ConnectionBudget is constructed at startup and passed into
// every component that talks to a venue.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// backoffTable is the escalating per-account delay applied after consecutive
// failures. Failures beyond the table length stay at the cap.
var backoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const (
	// rateLimitCooldown is the global pause after a venue signals quota
	// exhaustion.
	rateLimitCooldown = 60 * time.Second

	// maxGlobalBackoff caps the doubling global backoff multiplier.
	maxGlobalBackoff = 120 * time.Second

	// pollInterval bounds the wait loop in RequestSlot.
	pollInterval = 50 * time.Millisecond
)

type accountState struct {
	activeCount         int
	consecutiveFailures int
	blockedUntil        time.Time
}

// ConnectionBudget tracks connection quota state for all accounts. All
// methods are safe for concurrent use.
type ConnectionBudget struct {
	mu       sync.Mutex
	accounts map[string]*accountState

	active         int // in-flight connections across all accounts
	maxConcurrent  int
	rateLimitedTil time.Time
	globalBackoff  time.Duration

	now func() time.Time // injected for tests
	log *slog.Logger
}

// New creates a ConnectionBudget with the given global concurrency ceiling.
func New(maxConcurrent int) *ConnectionBudget {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ConnectionBudget{
		accounts:      make(map[string]*accountState),
		maxConcurrent: maxConcurrent,
		globalBackoff: 1 * time.Second,
		now:           time.Now,
		log:           slog.Default().With("component", "budget"),
	}
}

// Release frees a slot acquired by RequestSlot. It must be called exactly
// once.
type Release func()

// RequestSlot blocks until a concurrency slot is free, the account is out of
// its backoff window, and any global rate-limit cooldown has elapsed. The
// wait is a bounded poll, cancelled by ctx.
func (b *ConnectionBudget) RequestSlot(ctx context.Context, accountID string) (Release, error) {
	for {
		if b.tryAcquire(accountID) {
			var once sync.Once
			return func() {
				once.Do(func() { b.release(accountID) })
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for connection slot for %s: %w", accountID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (b *ConnectionBudget) tryAcquire(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.rateLimitedTil) {
		return false
	}
	if b.active >= b.maxConcurrent {
		return false
	}
	st := b.account(accountID)
	if now.Before(st.blockedUntil) {
		return false
	}

	b.active++
	st.activeCount++
	return true
}

func (b *ConnectionBudget) release(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active > 0 {
		b.active--
	}
	if st, ok := b.accounts[accountID]; ok && st.activeCount > 0 {
		st.activeCount--
	}
}

// RecordFailure increments the account's failure counter and schedules its
// next backoff window from the escalating delay table.
func (b *ConnectionBudget) RecordFailure(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.account(accountID)
	st.consecutiveFailures++
	idx := st.consecutiveFailures - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	st.blockedUntil = b.now().Add(backoffTable[idx])

	b.log.Warn("connection failure recorded",
		"account", accountID,
		"consecutive", st.consecutiveFailures,
		"backoff", backoffTable[idx],
	)
}

// RecordRateLimitError marks the account failed and additionally starts the
// global cooldown, doubling the global backoff multiplier up to its cap.
func (b *ConnectionBudget) RecordRateLimitError(accountID string) {
	b.RecordFailure(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rateLimitedTil = b.now().Add(rateLimitCooldown)
	b.globalBackoff *= 2
	if b.globalBackoff > maxGlobalBackoff {
		b.globalBackoff = maxGlobalBackoff
	}

	b.log.Warn("global rate limit engaged",
		"account", accountID,
		"cooldown", rateLimitCooldown,
		"globalBackoff", b.globalBackoff,
	)
}

// RecordSuccess clears the account's failure state and decays the global
// backoff multiplier by half.
func (b *ConnectionBudget) RecordSuccess(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.account(accountID)
	st.consecutiveFailures = 0
	st.blockedUntil = time.Time{}

	b.globalBackoff /= 2
	if b.globalBackoff < time.Second {
		b.globalBackoff = time.Second
	}
}

// ShouldSkipConnection is the non-blocking check used by periodic jobs to
// skip a cycle entirely instead of waiting out a backoff or cooldown.
func (b *ConnectionBudget) ShouldSkipConnection(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.rateLimitedTil) {
		return true
	}
	if st, ok := b.accounts[accountID]; ok && now.Before(st.blockedUntil) {
		return true
	}
	return false
}

// IsRateLimited reports whether the global cooldown is in effect.
func (b *ConnectionBudget) IsRateLimited() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.rateLimitedTil)
}

// GlobalBackoff returns the current global backoff multiplier, used by the
// feed to pace reconnect attempts under quota pressure.
func (b *ConnectionBudget) GlobalBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.globalBackoff
}

// ActiveConnections returns the number of in-flight connections.
func (b *ConnectionBudget) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// account returns the state record for accountID, creating it on first use.
// Callers must hold b.mu.
func (b *ConnectionBudget) account(accountID string) *accountState {
	st, ok := b.accounts[accountID]
	if !ok {
		st = &accountState{}
		b.accounts[accountID] = st
	}
	return st
}
