// Package domain defines the core trading types shared across the platform:
// signals, parent/child trades, paper positions, price ticks, and the closed
// enums used to classify them.
package domain

import (
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Direction is the side of a signal or trade.
type Direction string

const (
	DirectionBuy   Direction = "buy"
	DirectionSell  Direction = "sell"
	DirectionClose Direction = "close"
)

// Opposite returns the reversed side. Close has no opposite and maps to
// itself.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return d
	}
}

// TradeStatus is the lifecycle state of a child trade or paper position.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusOpen      TradeStatus = "open"
	StatusPartial   TradeStatus = "partial"
	StatusCompleted TradeStatus = "completed"
	StatusFailed    TradeStatus = "failed"
	StatusClosed    TradeStatus = "closed"
	StatusSLHit     TradeStatus = "sl_hit"
	StatusTPHit     TradeStatus = "tp_hit"
)

// Terminal reports whether the status is final. Realized profit of a terminal
// leg is fixed and never recomputed.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusClosed, StatusSLHit, StatusTPHit:
		return true
	}
	return false
}

// BrokerKind identifies a venue implementation. It is a closed set resolved
// at configuration time, never re-derived from venue name strings.
type BrokerKind string

const (
	BrokerGateway BrokerKind = "gateway" // margin/FX-style RPC venue
	BrokerAlpaca  BrokerKind = "alpaca"  // spot/derivatives exchange
	BrokerPaper   BrokerKind = "paper"   // simulated venue
)

// MarketSegment groups credentials for default-broker fallback.
type MarketSegment string

const (
	SegmentForex  MarketSegment = "forex"
	SegmentCrypto MarketSegment = "crypto"
	SegmentEquity MarketSegment = "equity"
)

// StopType selects how a stop-loss/take-profit config value is interpreted.
type StopType string

const (
	StopPrice      StopType = "price"
	StopPoints     StopType = "points"
	StopPercentage StopType = "percentage"
)

// CloseReason records why a leg left the open state.
type CloseReason string

const (
	CloseManual   CloseReason = "manual"
	CloseStopLoss CloseReason = "stop_loss"
	CloseTakeProf CloseReason = "take_profit"
	CloseReversal CloseReason = "opposite signal reversal"
)

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is one inbound trading instruction. It is logged, never mutated.
type Signal struct {
	StrategyID string
	Symbol     string
	Direction  Direction
	ReceivedAt time.Time
	RawPayload string
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// ParentTrade is the signal-level record aggregating all execution legs.
// TotalQuantity and AvgFillPrice are recomputed from the children on every
// child change, never edited independently.
type ParentTrade struct {
	ID            string
	StrategyID    string
	Symbol        string
	Direction     Direction
	TotalQuantity float64
	AvgFillPrice  float64
	Status        TradeStatus
	ChildIDs      []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChildTrade is one broker execution leg. Legacy standalone legs have an
// empty ParentID and are treated as self-parented for aggregation.
type ChildTrade struct {
	ID            string
	ParentID      string
	UserID        string
	BrokerRef     string // credential id
	BrokerKind    BrokerKind
	Symbol        string
	Direction     Direction
	RequestedQty  float64
	FilledQty     float64
	FillPrice     float64
	Status        TradeStatus
	StopLoss      float64 // absolute price, 0 = unset
	TakeProfit    float64 // absolute price, 0 = unset
	SLTriggered   bool
	TPTriggered   bool
	BrokerOrderID string
	ClosePrice    float64
	CloseReason   CloseReason
	RealizedPL    float64
	LastError     string

	LastBrokerPrice   float64
	LastPriceUpdateAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AggregateParentID resolves the parent used for rollups: standalone legs
// aggregate under their own id.
func (c *ChildTrade) AggregateParentID() string {
	if c.ParentID == "" {
		return c.ID
	}
	return c.ParentID
}

// PaperPosition is a simulated execution leg, filled from the feed instead of
// a venue. Stop levels are stored as absolute prices after conversion.
type PaperPosition struct {
	ID          string
	ChildID     string
	UserID      string
	StrategyID  string
	Symbol      string
	Direction   Direction
	Quantity    float64
	EntryPrice  float64
	Status      TradeStatus
	StopLoss    float64
	TakeProfit  float64
	SLTriggered bool
	TPTriggered bool
	ClosePrice  float64
	CloseReason CloseReason
	RealizedPL  float64

	LastPrice         float64
	LastPriceUpdateAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StopConfig is the user-supplied stop-loss/take-profit specification before
// conversion to absolute prices.
type StopConfig struct {
	Type  StopType
	Value float64
}

// ---------------------------------------------------------------------------
// Prices and broker results
// ---------------------------------------------------------------------------

// PriceTick is one normalized price update for a symbol.
type PriceTick struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Mid       float64
	Source    string
	Timestamp time.Time
}

// SidePrice returns the tradeable price for the given direction: ask for
// buys, bid for sells. Falls back to mid when the side is missing.
func (t PriceTick) SidePrice(d Direction) float64 {
	switch d {
	case DirectionBuy:
		if t.Ask > 0 {
			return t.Ask
		}
	case DirectionSell:
		if t.Bid > 0 {
			return t.Bid
		}
	}
	return t.Mid
}

// FillResult is the broker's answer to an execute call.
type FillResult struct {
	FilledQty     float64
	FillPrice     float64
	BrokerOrderID string
	Status        TradeStatus
}

// CloseResult is the broker's answer to a close call.
type CloseResult struct {
	ClosePrice float64
}

// StatusForFill derives the child status from the fill ratio: Completed iff
// fully filled, Partial iff partially filled, Pending otherwise.
func StatusForFill(requested, filled float64) TradeStatus {
	switch {
	case filled >= requested && requested > 0:
		return StatusCompleted
	case filled > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

// ---------------------------------------------------------------------------
// External collaborators
// ---------------------------------------------------------------------------

// BrokerCredential is the stored venue credential. The core never reads
// AuthMaterial; it only hands the record to the adapter registry.
type BrokerCredential struct {
	ID           string
	OwnerID      string
	Kind         BrokerKind
	Segment      MarketSegment
	Name         string
	Active       bool
	Default      bool
	AuthMaterial map[string]string
}

// Strategy is the resolved owner + subscriber view the coordinator executes
// against.
type Strategy struct {
	ID             string
	OwnerID        string
	Name           string
	Symbol         string
	Secret         string
	Active         bool
	ReferencePrice float64 // last known price fallback for paper fills
	StopLoss       *StopConfig
	TakeProfit     *StopConfig
}

// Subscriber is one active follower of a strategy.
type Subscriber struct {
	UserID       string
	Multiplier   float64 // scales the strategy base quantity
	BaseQuantity float64
	Paper        bool
	BrokerRefs   []string // explicitly selected credential ids, may be empty
}

// SignalLog is the per-call audit record written for every ingress request.
type SignalLog struct {
	ID             string
	StrategyID     string
	Direction      Direction
	Symbol         string
	RawPayload     string
	UsersNotified  int
	TradesExecuted int
	Success        bool
	Error          string
	CreatedAt      time.Time
}

// LedgerEvent is a delta published to the pub/sub collaborator.
type LedgerEvent struct {
	Type    string    `json:"type"` // parent_update, child_update, paper_update, trigger_failed
	UserID  string    `json:"user_id,omitempty"`
	TradeID string    `json:"trade_id"`
	Status  string    `json:"status"`
	Symbol  string    `json:"symbol"`
	At      time.Time `json:"at"`
}
