// Package httpapi exposes the trading platform over HTTP: the webhook signal
// ingress, position rollup reads, manual close and stop-change operations,
// the feed status and reload endpoints, and the websocket attach point.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tradewind/internal/domain"
	"tradewind/internal/engine"
	"tradewind/internal/feed"
	"tradewind/internal/store"
)

// SignalExecutor runs validated signals and the manual lifecycle operations.
// *engine.Coordinator implements it.
type SignalExecutor interface {
	Execute(ctx context.Context, strategy *domain.Strategy, direction domain.Direction, symbol string) (*engine.Report, error)
	ClosePaperPosition(ctx context.Context, id string) (*domain.PaperPosition, error)
	CloseChildTrade(ctx context.Context, id string) (*domain.ChildTrade, error)
	ModifyPaperStops(ctx context.Context, id string, sl, tp *domain.StopConfig) (*domain.PaperPosition, error)
	ModifyChildStops(ctx context.Context, id string, sl, tp *domain.StopConfig) (*domain.ChildTrade, error)
}

// PositionReader serves blended position rollups. *engine.Aggregator
// implements it.
type PositionReader interface {
	Rollup(ctx context.Context, userID, symbol string) (*engine.BlendedPosition, error)
}

// FeedMonitor exposes the price feed's reconnect state and the provider
// switch behind the admin reload endpoint. *feed.PriceFeed implements it.
type FeedMonitor interface {
	Status() feed.Status
	Reload(provider feed.Provider, symbols []string)
}

// Server is the HTTP surface of the platform.
type Server struct {
	coordinator SignalExecutor
	positions   PositionReader
	feed        FeedMonitor
	newProvider func(name string) (feed.Provider, error)
	strategies  store.StrategyStore
	signalLogs  store.SignalLogStore
	ws          http.Handler
	log         *slog.Logger
}

// NewServer wires the HTTP surface over its collaborators. newProvider builds
// a feed provider by name for the reload endpoint; ws may be nil when no
// websocket hub is attached.
func NewServer(
	coordinator SignalExecutor,
	positions PositionReader,
	feedMon FeedMonitor,
	newProvider func(name string) (feed.Provider, error),
	strategies store.StrategyStore,
	signalLogs store.SignalLogStore,
	ws http.Handler,
	log *slog.Logger,
) *Server {
	return &Server{
		coordinator: coordinator,
		positions:   positions,
		feed:        feedMon,
		newProvider: newProvider,
		strategies:  strategies,
		signalLogs:  signalLogs,
		ws:          ws,
		log:         log.With("component", "httpapi"),
	}
}

// RegisterRoutes attaches all handlers to the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/signal/{strategyID}", s.handleSignal)
	mux.HandleFunc("GET /api/signals/{strategyID}", s.handleSignalLogs)
	mux.HandleFunc("GET /api/positions/{userID}", s.handleRollup)
	mux.HandleFunc("POST /api/paper/{id}/close", s.handleClosePaper)
	mux.HandleFunc("POST /api/trades/{id}/close", s.handleCloseTrade)
	mux.HandleFunc("PUT /api/paper/{id}/stops", s.handlePaperStops)
	mux.HandleFunc("PUT /api/trades/{id}/stops", s.handleTradeStops)
	mux.HandleFunc("GET /api/feed/status", s.handleFeedStatus)
	mux.HandleFunc("POST /api/feed/reload", s.handleFeedReload)
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}
}

// Handler returns the full HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ---------------------------------------------------------------------------
// Signal ingress
// ---------------------------------------------------------------------------

// handleSignal is the webhook entry point. Exactly one audit record is
// written per call, whatever the outcome.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	strategyID := r.PathValue("strategyID")
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	rec := &domain.SignalLog{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		RawPayload: string(body),
		CreatedAt:  time.Now().UTC(),
	}
	defer s.audit(r.Context(), rec)

	reject := func(status int, msg string) {
		rec.Error = msg
		writeError(w, status, msg)
	}

	var req signalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		reject(http.StatusBadRequest, "malformed request body")
		return
	}

	strategy, err := s.strategies.GetStrategy(r.Context(), strategyID)
	if err != nil {
		s.log.Error("signal: strategy lookup failed", "strategy", strategyID, "error", err)
		reject(http.StatusInternalServerError, "strategy lookup failed")
		return
	}
	if strategy == nil {
		reject(http.StatusBadRequest, "unknown strategy")
		return
	}
	if strategy.Secret == "" || req.Secret != strategy.Secret {
		reject(http.StatusUnauthorized, "invalid secret")
		return
	}
	if !strategy.Active {
		reject(http.StatusBadRequest, "strategy is not active")
		return
	}

	direction, err := engine.ParseSignal(req.signalText())
	if err != nil {
		reject(http.StatusBadRequest, fmt.Sprintf("malformed signal %q", req.signalText()))
		return
	}
	rec.Direction = direction

	symbol := req.Symbol
	if symbol == "" {
		symbol = strategy.Symbol
	}
	if symbol == "" {
		reject(http.StatusBadRequest, "no symbol in signal or strategy")
		return
	}
	rec.Symbol = symbol

	report, err := s.coordinator.Execute(r.Context(), strategy, direction, symbol)
	if err != nil {
		s.log.Error("signal: execution failed", "strategy", strategyID, "symbol", symbol, "error", err)
		reject(http.StatusInternalServerError, "signal execution failed")
		return
	}

	rec.UsersNotified = report.Total
	rec.TradesExecuted = report.Successful
	rec.Success = report.Failed == 0

	trades := report.Trades
	if trades == nil {
		trades = []engine.LegOutcome{}
	}
	errs := report.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, signalResponse{
		Success: rec.Success,
		Message: fmt.Sprintf("%s %s: %d/%d legs succeeded", direction, symbol, report.Successful, report.Total),
		Execution: executionSummary{
			Total:      report.Total,
			Successful: report.Successful,
			Failed:     report.Failed,
		},
		Trades: trades,
		Errors: errs,
	})
}

func (s *Server) audit(ctx context.Context, rec *domain.SignalLog) {
	if err := s.signalLogs.SaveSignalLog(ctx, rec); err != nil {
		s.log.Error("signal: audit write failed", "strategy", rec.StrategyID, "error", err)
	}
}

func (s *Server) handleSignalLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	logs, err := s.signalLogs.ListSignalLogs(r.Context(), r.PathValue("strategyID"), limit)
	if err != nil {
		s.log.Error("signal logs read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reading signal logs failed")
		return
	}
	writeJSON(w, logs)
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	rollup, err := s.positions.Rollup(r.Context(), r.PathValue("userID"), symbol)
	if err != nil {
		s.log.Error("rollup failed", "user", r.PathValue("userID"), "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "position rollup failed")
		return
	}
	writeJSON(w, rollup)
}

func (s *Server) handleClosePaper(w http.ResponseWriter, r *http.Request) {
	pos, err := s.coordinator.ClosePaperPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLegError(w, err, "closing paper position failed")
		return
	}
	writeJSON(w, pos)
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	child, err := s.coordinator.CloseChildTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLegError(w, err, "closing trade failed")
		return
	}
	writeJSON(w, child)
}

func (s *Server) handlePaperStops(w http.ResponseWriter, r *http.Request) {
	var req stopsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	pos, err := s.coordinator.ModifyPaperStops(r.Context(), r.PathValue("id"), req.StopLoss.config(), req.TakeProfit.config())
	if err != nil {
		s.writeLegError(w, err, "changing stops failed")
		return
	}
	writeJSON(w, pos)
}

func (s *Server) handleTradeStops(w http.ResponseWriter, r *http.Request) {
	var req stopsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	child, err := s.coordinator.ModifyChildStops(r.Context(), r.PathValue("id"), req.StopLoss.config(), req.TakeProfit.config())
	if err != nil {
		s.writeLegError(w, err, "changing stops failed")
		return
	}
	writeJSON(w, child)
}

// writeLegError maps lifecycle errors onto status codes: unknown legs are
// 404, already-closed legs are 409, everything else is internal.
func (s *Server) writeLegError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.feed.Status())
}

// handleFeedReload switches the feed to the named provider. The running
// stream tears down before the new one dials, and a feed parked after
// exhausting its reconnect attempts comes back through this path.
func (s *Server) handleFeedReload(w http.ResponseWriter, r *http.Request) {
	var req feedReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if s.newProvider == nil {
		writeError(w, http.StatusInternalServerError, "feed reload not configured")
		return
	}
	provider, err := s.newProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.feed.Reload(provider, req.Symbols)
	s.log.Info("feed reloaded", "provider", req.Provider, "symbols", len(req.Symbols))
	writeJSON(w, s.feed.Status())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
