package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradewind/internal/budget"
	"tradewind/internal/domain"
)

// scriptProvider replays a fixed tick script per session, then fails.
type scriptProvider struct {
	name     string
	sessions [][]domain.PriceTick
	err      error

	mu   sync.Mutex
	runs int
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Stream(ctx context.Context, _ []string, onTick func(domain.PriceTick)) error {
	p.mu.Lock()
	run := p.runs
	p.runs++
	p.mu.Unlock()

	if run < len(p.sessions) {
		for _, tick := range p.sessions[run] {
			if ctx.Err() != nil {
				return nil
			}
			onTick(tick)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return p.err
}

func (p *scriptProvider) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// capturePublisher records publishes per channel.
type capturePublisher struct {
	mu   sync.Mutex
	msgs map[string]int
}

func (c *capturePublisher) Publish(channel string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string]int)
	}
	c.msgs[channel]++
}

func (c *capturePublisher) count(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[channel]
}

func tick(symbol string, bid, ask float64) domain.PriceTick {
	return domain.PriceTick{Symbol: symbol, Bid: bid, Ask: ask, Mid: (bid + ask) / 2, Source: "test", Timestamp: time.Now()}
}

func newIdleFeed() *PriceFeed {
	return New(&scriptProvider{name: "test"}, nil, budget.New(4))
}

// Two ticks for the same symbol: the cache holds whichever was processed
// last, regardless of their embedded timestamps. Out-of-order delivery is
// accepted behavior, not a defect.
func TestCacheLastArrivalWins(t *testing.T) {
	f := newIdleFeed()

	later := domain.PriceTick{Symbol: "EURUSD", Bid: 1.2, Ask: 1.2, Mid: 1.2, Timestamp: time.Now()}
	earlier := domain.PriceTick{Symbol: "EURUSD", Bid: 1.1, Ask: 1.1, Mid: 1.1, Timestamp: time.Now().Add(-time.Hour)}

	f.Apply(later)
	f.Apply(earlier) // arrives after despite the older timestamp

	got, ok := f.LatestPrice("EURUSD")
	if !ok {
		t.Fatal("expected cached price")
	}
	if got.Mid != 1.1 {
		t.Errorf("cached mid = %v, want the last-processed tick 1.1", got.Mid)
	}
}

func TestLatestPricePrefixVariants(t *testing.T) {
	f := newIdleFeed()
	f.Apply(tick("OANDA:GBPUSD", 1.25, 1.2502))

	// Bare lookup finds the prefixed cache entry.
	if _, ok := f.LatestPrice("GBPUSD"); !ok {
		t.Error("bare symbol should find prefixed cache entry")
	}
	// Prefixed lookup finds itself.
	if _, ok := f.LatestPrice("OANDA:GBPUSD"); !ok {
		t.Error("exact prefixed lookup should hit")
	}
	// A different known prefix still resolves via the bare form.
	if _, ok := f.LatestPrice("FX:GBPUSD"); !ok {
		t.Error("alternate prefix should resolve to the same symbol")
	}
	// Unknown symbol returns false.
	if _, ok := f.LatestPrice("USDCHF"); ok {
		t.Error("unknown symbol should miss")
	}
}

func TestLatestPriceSuffixFallback(t *testing.T) {
	f := newIdleFeed()
	f.Apply(tick("m.XAUUSD", 2400, 2400.5))

	got, ok := f.LatestPrice("XAUUSD")
	if !ok {
		t.Fatal("suffix match should find decorated cache key")
	}
	if got.Symbol != "m.XAUUSD" {
		t.Errorf("resolved symbol = %q", got.Symbol)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	pub := &capturePublisher{}
	f := New(&scriptProvider{name: "test"}, nil, budget.New(4), WithPublisher(pub))

	id, ch := f.Subscribe(8)
	defer f.Unsubscribe(id)

	f.Apply(tick("BTCUSD", 50000, 50001))

	select {
	case got := <-ch:
		if got.Symbol != "BTCUSD" {
			t.Errorf("subscriber got %q", got.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the tick")
	}

	if pub.count("price:BTCUSD") != 1 || pub.count("price:all") != 1 {
		t.Errorf("publish counts = %v, want 1 on both channels", pub.msgs)
	}
}

// waitTerminal polls until the feed parks in the terminal state.
func waitTerminal(t *testing.T, f *PriceFeed) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if f.Status().Terminal {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("feed never reached the terminal state")
}

func TestRunParksAfterMaxAttempts(t *testing.T) {
	p := &scriptProvider{name: "flaky", err: errors.New("connection reset")}
	f := New(p, []string{"EURUSD"}, budget.New(4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitTerminal(t, f)
	st := f.Status()
	if st.State != StateDisconnected || !st.Terminal {
		t.Errorf("status = %+v, want terminal disconnected", st)
	}
	if got := p.runCount(); got != maxConnectAttempts {
		t.Errorf("provider dialed %d times, want %d", got, maxConnectAttempts)
	}

	// Parked, not exited: only cancellation ends the loop.
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}

func TestRunRecoversAttemptsOnTick(t *testing.T) {
	// First session delivers a tick (resets the counter), then errors out;
	// remaining sessions fail straight away.
	p := &scriptProvider{
		name:     "flaky",
		sessions: [][]domain.PriceTick{{tick("EURUSD", 1.1, 1.1002)}},
		err:      errors.New("dropped"),
	}
	f := New(p, []string{"EURUSD"}, budget.New(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitTerminal(t, f)

	// One successful session plus maxConnectAttempts failed ones.
	if got := p.runCount(); got != maxConnectAttempts+1 {
		t.Errorf("provider dialed %d times, want %d", got, maxConnectAttempts+1)
	}
	if _, ok := f.LatestPrice("EURUSD"); !ok {
		t.Error("tick from the successful session should be cached")
	}
}

func TestReloadRevivesParkedFeed(t *testing.T) {
	bad := &scriptProvider{name: "flaky", err: errors.New("connection reset")}
	f := New(bad, []string{"EURUSD"}, budget.New(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitTerminal(t, f)

	good := &scriptProvider{
		name:     "stable",
		sessions: [][]domain.PriceTick{{tick("EURUSD", 1.1, 1.1002)}},
	}
	f.Reload(good, []string{"EURUSD"})

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.LatestPrice("EURUSD"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := f.LatestPrice("EURUSD"); !ok {
		t.Fatal("reload did not revive the feed")
	}
	st := f.Status()
	if st.Terminal {
		t.Errorf("status = %+v, reload should clear the terminal flag", st)
	}
	if st.Provider != "stable" {
		t.Errorf("provider = %q, want the reloaded one", st.Provider)
	}
}

// holdProvider blocks in Stream until its session context is cancelled.
type holdProvider struct {
	name     string
	started  chan struct{}
	tornDown chan struct{}
}

func (p *holdProvider) Name() string { return p.name }

func (p *holdProvider) Stream(ctx context.Context, _ []string, _ func(domain.PriceTick)) error {
	close(p.started)
	<-ctx.Done()
	close(p.tornDown)
	return nil
}

func TestReloadTearsDownBeforeRedial(t *testing.T) {
	old := &holdProvider{name: "old", started: make(chan struct{}), tornDown: make(chan struct{})}
	next := &holdProvider{name: "next", started: make(chan struct{}), tornDown: make(chan struct{})}
	f := New(old, []string{"EURUSD"}, budget.New(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	select {
	case <-old.started:
	case <-time.After(5 * time.Second):
		t.Fatal("old provider never dialed")
	}

	f.Reload(next, []string{"EURUSD"})

	select {
	case <-next.started:
	case <-time.After(5 * time.Second):
		t.Fatal("new provider never dialed after reload")
	}
	select {
	case <-old.tornDown:
	default:
		t.Error("new provider dialed before the old stream tore down")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	p := &scriptProvider{name: "test", err: errors.New("down")}
	f := New(p, nil, budget.New(4))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
	if st := f.Status(); st.State != StateDisconnected {
		t.Errorf("state = %v, want disconnected", st.State)
	}
}
