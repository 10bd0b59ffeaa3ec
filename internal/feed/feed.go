// Package feed maintains the single authoritative price stream: one upstream
// provider, a latest-tick cache keyed by symbol, and fan-out to local
// subscribers and the pub/sub collaborator. Reconnection is an explicit state
// machine with a capped attempt counter; exhausting the cap leaves the feed
// disconnected and stale until an operator intervenes.
package feed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradewind/internal/budget"
	"tradewind/internal/domain"
)

// knownPrefixes are the provider-specific symbol prefixes tolerated by
// LatestPrice lookups.
var knownPrefixes = []string{"FX:", "OANDA:", "FRX.", "C:", "X:"}

const maxConnectAttempts = 5

// Publisher delivers ticks to the external pub/sub collaborator,
// best-effort.
type Publisher interface {
	Publish(channel string, payload any)
}

// Recorder persists tick history. Optional.
type Recorder interface {
	RecordTick(tick domain.PriceTick)
}

// PriceFeed is the centralized price distributor.
type PriceFeed struct {
	provider  Provider
	symbols   []string
	publisher Publisher
	recorder  Recorder
	budget    *budget.ConnectionBudget
	log       *slog.Logger

	mu         sync.RWMutex
	cache      map[string]domain.PriceTick
	state      FeedState
	attempts   int
	terminal   bool
	lastTickAt time.Time

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.PriceTick

	sessionCancel context.CancelFunc
	reload        chan struct{} // set alongside sessionCancel on provider switch
}

// Option configures optional collaborators.
type Option func(*PriceFeed)

// WithPublisher attaches the pub/sub collaborator.
func WithPublisher(p Publisher) Option {
	return func(f *PriceFeed) { f.publisher = p }
}

// WithRecorder attaches a tick-history sink.
func WithRecorder(r Recorder) Option {
	return func(f *PriceFeed) { f.recorder = r }
}

// New creates a PriceFeed for the given provider and tracked symbol set.
func New(provider Provider, symbols []string, bgt *budget.ConnectionBudget, opts ...Option) *PriceFeed {
	f := &PriceFeed{
		provider: provider,
		symbols:  symbols,
		budget:   bgt,
		log:      slog.Default().With("component", "feed", "provider", provider.Name()),
		cache:    make(map[string]domain.PriceTick),
		state:    StateDisconnected,
		subs:     make(map[int]chan domain.PriceTick),
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run drives the provider connection until ctx is cancelled. Exceeding the
// attempt cap parks the loop until a Reload arrives. It blocks and is meant
// to run in its own goroutine.
func (f *PriceFeed) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}

		f.mu.Lock()
		f.attempts++
		attempt := f.attempts
		if attempt > maxConnectAttempts {
			f.state = StateDisconnected
			f.terminal = true
			f.mu.Unlock()
			// Terminal: stale prices until an operator reloads the feed.
			f.log.Error("reconnect attempts exhausted, feed idle until reload",
				"attempts", attempt-1, "max", maxConnectAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.reload:
				f.mu.Lock()
				f.attempts = 0
				f.terminal = false
				f.mu.Unlock()
				continue
			}
		}
		f.state = StateConnecting
		provider := f.provider
		symbols := append([]string(nil), f.symbols...)
		sessionCtx, cancel := context.WithCancel(ctx)
		f.sessionCancel = cancel
		f.mu.Unlock()

		f.log.Info("connecting", "attempt", attempt, "symbols", len(symbols))
		sessionHadTick := false
		err := provider.Stream(sessionCtx, symbols, func(tick domain.PriceTick) {
			if !sessionHadTick {
				sessionHadTick = true
				f.mu.Lock()
				f.state = StateConnected
				f.attempts = 0
				f.mu.Unlock()
				f.budget.RecordSuccess("feed:" + provider.Name())
			}
			f.Apply(tick)
		})
		cancel()

		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}
		select {
		case <-f.reload:
			// Provider switch: the old stream has fully torn down by the
			// time Stream returns, so the next iteration dials the new one.
			f.mu.Lock()
			f.attempts = 0
			f.terminal = false
			f.mu.Unlock()
			continue
		default:
		}
		if err != nil {
			f.log.Warn("stream ended", "error", err, "attempt", attempt)
			f.budget.RecordFailure("feed:" + provider.Name())
		}

		f.setState(StateBackoff)
		delay := f.budget.GlobalBackoff()
		select {
		case <-ctx.Done():
			f.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Reload swaps the provider and symbol set. The running stream is asked to
// tear down first; the new provider is dialed on the next loop iteration.
// An empty symbol list keeps the currently tracked set. Used by the admin
// reload endpoint.
func (f *PriceFeed) Reload(provider Provider, symbols []string) {
	f.mu.Lock()
	f.provider = provider
	if len(symbols) > 0 {
		f.symbols = symbols
	}
	f.log = slog.Default().With("component", "feed", "provider", provider.Name())
	cancel := f.sessionCancel
	f.mu.Unlock()

	select {
	case f.reload <- struct{}{}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// Apply ingests one normalized tick: cache update (last-arrival-wins),
// subscriber fan-out, pub/sub publish, and optional recording. Exported so
// the trigger engine tests can drive the feed directly.
func (f *PriceFeed) Apply(tick domain.PriceTick) {
	if tick.Mid == 0 && tick.Bid > 0 && tick.Ask > 0 {
		tick.Mid = (tick.Bid + tick.Ask) / 2
	}

	f.mu.Lock()
	f.cache[tick.Symbol] = tick
	f.lastTickAt = time.Now()
	f.mu.Unlock()

	f.subsMu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- tick:
		default:
			// Slow subscriber, drop the tick.
		}
	}
	f.subsMu.Unlock()

	if f.publisher != nil {
		f.publisher.Publish("price:"+tick.Symbol, tick)
		f.publisher.Publish("price:all", tick)
	}
	if f.recorder != nil {
		f.recorder.RecordTick(tick)
	}
}

// LatestPrice returns the cached tick for symbol. It tolerates
// provider-specific prefixes on both the request and the cache key, and
// falls back to suffix-matching the cache before giving up.
func (f *PriceFeed) LatestPrice(symbol string) (domain.PriceTick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if tick, ok := f.cache[symbol]; ok {
		return tick, true
	}

	bare := stripPrefix(symbol)
	if tick, ok := f.cache[bare]; ok {
		return tick, true
	}
	for _, p := range knownPrefixes {
		if tick, ok := f.cache[p+bare]; ok {
			return tick, true
		}
	}

	// Last resort: suffix match against the cache (covers venue-sided
	// decorations not on the prefix list).
	for key, tick := range f.cache {
		if strings.HasSuffix(key, bare) {
			return tick, true
		}
	}
	return domain.PriceTick{}, false
}

func stripPrefix(symbol string) string {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(symbol, p) {
			return strings.TrimPrefix(symbol, p)
		}
	}
	return symbol
}

// Subscribe registers a local tick consumer.
func (f *PriceFeed) Subscribe(bufSize int) (id int, ch <-chan domain.PriceTick) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	id = f.nextSubID
	f.nextSubID++
	c := make(chan domain.PriceTick, bufSize)
	f.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (f *PriceFeed) Unsubscribe(id int) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

// Status reports the state machine position for the operator surface.
func (f *PriceFeed) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Status{
		Provider:      f.provider.Name(),
		State:         f.state,
		Attempts:      f.attempts,
		MaxAttempts:   maxConnectAttempts,
		Terminal:      f.terminal,
		CachedSymbols: len(f.cache),
	}
	if !f.lastTickAt.IsZero() {
		s.LastTickAt = f.lastTickAt.UTC().Format(time.RFC3339)
	}
	return s
}

func (f *PriceFeed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}
