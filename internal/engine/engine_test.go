package engine

import (
	"context"
	"log/slog"
	"sync"

	"tradewind/internal/broker"
	"tradewind/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ---------------------------------------------------------------------------
// In-memory ledger
// ---------------------------------------------------------------------------

type memLedger struct {
	mu       sync.Mutex
	parents  map[string]*domain.ParentTrade
	children map[string]*domain.ChildTrade
	papers   map[string]*domain.PaperPosition
	subs     map[string][]domain.Subscriber
	creds    map[string][]domain.BrokerCredential
}

func newMemLedger() *memLedger {
	return &memLedger{
		parents:  make(map[string]*domain.ParentTrade),
		children: make(map[string]*domain.ChildTrade),
		papers:   make(map[string]*domain.PaperPosition),
		subs:     make(map[string][]domain.Subscriber),
		creds:    make(map[string][]domain.BrokerCredential),
	}
}

func childOpen(c *domain.ChildTrade) bool {
	switch c.Status {
	case domain.StatusOpen, domain.StatusPartial, domain.StatusPending, domain.StatusCompleted:
		return true
	}
	return false
}

func (m *memLedger) CreateParentTrade(_ context.Context, p *domain.ParentTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.parents[p.ID] = &cp
	return nil
}

func (m *memLedger) GetParentTrade(_ context.Context, id string) (*domain.ParentTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parents[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	for _, c := range m.children {
		if c.ParentID == id {
			cp.ChildIDs = append(cp.ChildIDs, c.ID)
		}
	}
	return &cp, nil
}

func (m *memLedger) UpdateParentTrade(_ context.Context, p *domain.ParentTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.parents[p.ID] = &cp
	return nil
}

func (m *memLedger) CreateChildTrade(_ context.Context, c *domain.ChildTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.children[c.ID] = &cp
	return nil
}

func (m *memLedger) GetChildTrade(_ context.Context, id string) (*domain.ChildTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memLedger) UpdateChildTrade(_ context.Context, c *domain.ChildTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.children[c.ID] = &cp
	return nil
}

func (m *memLedger) ListChildTrades(_ context.Context, parentID string) ([]domain.ChildTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChildTrade
	for _, c := range m.children {
		if c.ParentID == parentID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memLedger) ListOpenChildTrades(_ context.Context, symbol string) ([]domain.ChildTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChildTrade
	for _, c := range m.children {
		if childOpen(c) && (symbol == "" || c.Symbol == symbol) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memLedger) ListOpenChildTradesForUser(_ context.Context, userID, symbol string) ([]domain.ChildTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChildTrade
	for _, c := range m.children {
		if childOpen(c) && c.UserID == userID && c.Symbol == symbol {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memLedger) ListOpenChildTradesByStrategy(_ context.Context, strategyID, symbol string) ([]domain.ChildTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChildTrade
	for _, c := range m.children {
		p, ok := m.parents[c.ParentID]
		if !ok || p.StrategyID != strategyID {
			continue
		}
		if childOpen(c) && (symbol == "" || c.Symbol == symbol) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memLedger) CreatePaperPosition(_ context.Context, p *domain.PaperPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.papers[p.ID] = &cp
	return nil
}

func (m *memLedger) GetPaperPosition(_ context.Context, id string) (*domain.PaperPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memLedger) UpdatePaperPosition(_ context.Context, p *domain.PaperPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.papers[p.ID] = &cp
	return nil
}

func (m *memLedger) ListOpenPaperPositions(_ context.Context, symbol string) ([]domain.PaperPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaperPosition
	for _, p := range m.papers {
		if p.Status == domain.StatusOpen && (symbol == "" || p.Symbol == symbol) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memLedger) ListOpenPaperPositionsByStrategy(_ context.Context, strategyID, symbol string) ([]domain.PaperPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaperPosition
	for _, p := range m.papers {
		if p.Status == domain.StatusOpen && p.StrategyID == strategyID && (symbol == "" || p.Symbol == symbol) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memLedger) GetStrategy(_ context.Context, _ string) (*domain.Strategy, error) {
	return nil, nil
}

func (m *memLedger) SaveStrategy(_ context.Context, _ *domain.Strategy) error { return nil }

func (m *memLedger) ListSubscribers(_ context.Context, strategyID string) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Subscriber(nil), m.subs[strategyID]...), nil
}

func (m *memLedger) SaveSubscriber(_ context.Context, strategyID string, sub *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[strategyID] = append(m.subs[strategyID], *sub)
	return nil
}

func (m *memLedger) ListCredentials(_ context.Context, userID string) ([]domain.BrokerCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BrokerCredential(nil), m.creds[userID]...), nil
}

func (m *memLedger) SaveCredential(_ context.Context, c *domain.BrokerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.OwnerID] = append(m.creds[c.OwnerID], *c)
	return nil
}

// ---------------------------------------------------------------------------
// Fake venues
// ---------------------------------------------------------------------------

type fakeAdapter struct {
	name string
	kind domain.BrokerKind

	fill       domain.FillResult
	execErr    error
	closePrice float64
	closeErr   error

	mu         sync.Mutex
	execCalls  []broker.Order
	closeCalls []broker.CloseRequest
}

func (a *fakeAdapter) Name() string            { return a.name }
func (a *fakeAdapter) Kind() domain.BrokerKind { return a.kind }

func (a *fakeAdapter) Execute(_ context.Context, order broker.Order) (domain.FillResult, error) {
	a.mu.Lock()
	a.execCalls = append(a.execCalls, order)
	a.mu.Unlock()
	if a.execErr != nil {
		return domain.FillResult{}, a.execErr
	}
	return a.fill, nil
}

func (a *fakeAdapter) GetPrice(_ context.Context, symbol string) (*domain.PriceTick, error) {
	if a.closePrice == 0 {
		return nil, nil
	}
	return &domain.PriceTick{Symbol: symbol, Bid: a.closePrice, Ask: a.closePrice, Mid: a.closePrice}, nil
}

func (a *fakeAdapter) Close(_ context.Context, req broker.CloseRequest) (domain.CloseResult, error) {
	a.mu.Lock()
	a.closeCalls = append(a.closeCalls, req)
	a.mu.Unlock()
	if a.closeErr != nil {
		return domain.CloseResult{}, a.closeErr
	}
	return domain.CloseResult{ClosePrice: a.closePrice}, nil
}

func (a *fakeAdapter) HealthCheck(_ context.Context) bool { return true }

func (a *fakeAdapter) executions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.execCalls)
}

func (a *fakeAdapter) closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.closeCalls)
}

type stubVenues struct {
	paper    broker.Adapter
	adapters map[string]broker.Adapter    // credential id → adapter
	resolved map[string][]broker.Resolved // user id → resolution result
}

func (v *stubVenues) Paper() broker.Adapter { return v.paper }

func (v *stubVenues) AdapterFor(cred domain.BrokerCredential) (broker.Adapter, error) {
	if a, ok := v.adapters[cred.ID]; ok {
		return a, nil
	}
	return nil, broker.ErrNoCredentials
}

func (v *stubVenues) ResolveForUser(_ context.Context, userID string, _ domain.MarketSegment, _ []string) ([]broker.Resolved, error) {
	r, ok := v.resolved[userID]
	if !ok || len(r) == 0 {
		return nil, broker.ErrNoCredentials
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Price and pub/sub stubs
// ---------------------------------------------------------------------------

type stubPrices struct {
	mu    sync.Mutex
	ticks map[string]domain.PriceTick
}

func (s *stubPrices) LatestPrice(symbol string) (domain.PriceTick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.ticks[symbol]
	return t, ok
}

func (s *stubPrices) set(tick domain.PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticks == nil {
		s.ticks = make(map[string]domain.PriceTick)
	}
	s.ticks[tick.Symbol] = tick
}

type capturePub struct {
	mu     sync.Mutex
	events []struct {
		Channel string
		Payload any
	}
}

func (p *capturePub) Publish(channel string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, struct {
		Channel string
		Payload any
	}{channel, payload})
}

// ---------------------------------------------------------------------------
// Wiring helper
// ---------------------------------------------------------------------------

type testRig struct {
	ledger *memLedger
	prices *stubPrices
	venues *stubVenues
	pub    *capturePub
	closer *LegCloser
	coord  *Coordinator
}

func newTestRig() *testRig {
	ledger := newMemLedger()
	prices := &stubPrices{}
	venues := &stubVenues{
		paper:    broker.NewPaperBroker(prices),
		adapters: make(map[string]broker.Adapter),
		resolved: make(map[string][]broker.Resolved),
	}
	pub := &capturePub{}
	closer := NewLegCloser(ledger, ledger, venues, pub, testLogger())
	coord := NewCoordinator(ledger, ledger, venues, prices, closer, pub, nil, testLogger())
	return &testRig{
		ledger: ledger,
		prices: prices,
		venues: venues,
		pub:    pub,
		closer: closer,
		coord:  coord,
	}
}
