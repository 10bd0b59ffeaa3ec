package httpapi

import (
	"encoding/json"
	"strconv"

	"tradewind/internal/domain"
	"tradewind/internal/engine"
)

// signalRequest is the inbound webhook payload. Signal accepts either a
// quoted token ("BUY", "SELL") or a bare number; the raw form is preserved
// for the audit record.
type signalRequest struct {
	Secret string          `json:"secret"`
	Signal json.RawMessage `json:"signal"`
	Symbol string          `json:"symbol,omitempty"`
}

// signalText normalizes the signal field to the token form the parser takes.
func (r *signalRequest) signalText() string {
	raw := string(r.Signal)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return unquoted
	}
	return raw
}

type executionSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// signalResponse is the webhook reply envelope. Errors always enumerates
// per-subscriber failures so a partial fan-out is visible to the caller.
type signalResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Execution executionSummary    `json:"execution"`
	Trades    []engine.LegOutcome `json:"trades"`
	Errors    []string            `json:"errors"`
}

// feedReloadRequest names the provider to switch the price feed to. An empty
// symbol list keeps the currently tracked set.
type feedReloadRequest struct {
	Provider string   `json:"provider"`
	Symbols  []string `json:"symbols,omitempty"`
}

// stopsRequest carries replacement stop levels. A nil entry clears that stop.
type stopsRequest struct {
	StopLoss   *stopSpec `json:"stop_loss"`
	TakeProfit *stopSpec `json:"take_profit"`
}

type stopSpec struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

func (s *stopSpec) config() *domain.StopConfig {
	if s == nil {
		return nil
	}
	return &domain.StopConfig{Type: domain.StopType(s.Type), Value: s.Value}
}
