// Package server exposes the operator HTTP API: health, Prometheus
// metrics, read-only state and a few manual controls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vi-trader/internal/engine"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/journal"
	"vi-trader/internal/logging"
	"vi-trader/internal/metrics"
	"vi-trader/internal/models"
	"vi-trader/internal/resilience"
)

// Controller is the engine surface the API reads and drives.
type Controller interface {
	Symbols() []engine.SymbolView
	Positions() []models.Position
	Orders() (working, recent []models.OrderRecord)
	Halted() bool
	ClosePosition(ctx context.Context, symbol string) (models.OrderIntent, string, error)
	Flatten(now time.Time) int
	Reauthenticate(ctx context.Context) error
}

// Journal is the archive query surface.
type Journal interface {
	Summarize(ctx context.Context, f journal.Filter) (journal.Summary, error)
	ClosedPositions(ctx context.Context, f journal.Filter) ([]models.ClosedPosition, error)
}

// Deps are the server's collaborators. Journal, Health and Metrics may be
// nil.
type Deps struct {
	Controller Controller
	Journal    Journal
	Health     *resilience.HealthMonitor
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Server is the operator API.
type Server struct {
	addr    string
	ctrl    Controller
	journal Journal
	health  *resilience.HealthMonitor
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	router  chi.Router
}

// New builds the router.
func New(addr string, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		addr:    addr,
		ctrl:    deps.Controller,
		journal: deps.Journal,
		health:  deps.Health,
		metrics: deps.Metrics,
		logger:  logging.WithComponent(deps.Logger, "server"),
		now:     deps.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.metrics.Middleware(routePattern))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/symbols", s.handleSymbols)
		r.Get("/positions", s.handlePositions)
		r.Post("/positions/{symbol}/close", s.handleClose)
		r.Post("/flatten", s.handleFlatten)
		r.Get("/orders", s.handleOrders)
		r.Post("/auth/renew", s.handleRenew)
		r.Get("/journal/summary", s.handleSummary)
		r.Get("/journal/positions", s.handleClosedPositions)
	})
	return r
}

// routePattern labels metrics by route template, not raw path.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Ops API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	health := s.health.Check(r.Context())
	status := http.StatusOK
	if health.Status == resilience.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type statusResponse struct {
	Halted        bool `json:"halted"`
	OpenPositions int  `json:"open_positions"`
	WorkingOrders int  `json:"working_orders"`
	Symbols       int  `json:"symbols"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	working, _ := s.ctrl.Orders()
	writeJSON(w, http.StatusOK, statusResponse{
		Halted:        s.ctrl.Halted(),
		OpenPositions: len(s.ctrl.Positions()),
		WorkingOrders: len(working),
		Symbols:       len(s.ctrl.Symbols()),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Symbols())
}

type positionView struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Status        string          `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.ctrl.Positions()
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			AveragePrice:  p.AverageEntryPrice,
			LastPrice:     p.LastPrice,
			UnrealizedPnL: p.UnrealizedPnL(),
			RealizedPnL:   p.RealizedPnL,
			Status:        string(p.Status),
			OpenedAt:      p.OpenedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type orderView struct {
	OrderID      string          `json:"order_id,omitempty"`
	IntentID     string          `json:"intent_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Reason       string          `json:"reason"`
	Requested    int64           `json:"requested_qty"`
	Filled       int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	Message      string          `json:"message,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func ordersView(recs []models.OrderRecord) []orderView {
	out := make([]orderView, 0, len(recs))
	for _, o := range recs {
		out = append(out, orderView{
			OrderID:      o.OrderID,
			IntentID:     o.IntentID,
			Symbol:       o.Symbol,
			Side:         string(o.Side),
			Reason:       string(o.Reason),
			Requested:    o.RequestedQty,
			Filled:       o.FilledQty,
			AvgFillPrice: o.AvgFillPrice,
			Status:       string(o.Status),
			Attempts:     o.Attempts,
			Message:      o.Message,
			SubmittedAt:  o.SubmittedAt,
			UpdatedAt:    o.UpdatedAt,
		})
	}
	return out
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	working, recent := s.ctrl.Orders()
	writeJSON(w, http.StatusOK, map[string][]orderView{
		"working": ordersView(working),
		"recent":  ordersView(recent),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(chi.URLParam(r, "symbol"))
	intent, orderID, err := s.ctrl.ClosePosition(r.Context(), symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Manual close failed")
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"intent_id": intent.ID,
		"order_id":  orderID,
		"symbol":    symbol,
	})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	n := s.ctrl.Flatten(s.now())
	writeJSON(w, http.StatusAccepted, map[string]int{"positions": n})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reauthenticate(r.Context()); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"halted": s.ctrl.Halted()})
}

type summaryView struct {
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     float64         `json:"win_rate_pct"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Best        decimal.Decimal `json:"best"`
	Worst       decimal.Decimal `json:"worst"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "journal disabled", http.StatusNotFound)
		return
	}
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sum, err := s.journal.Summarize(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaryView{
		Trades:      sum.Trades,
		Wins:        sum.Wins,
		Losses:      sum.Losses,
		WinRate:     sum.WinRate(),
		RealizedPnL: sum.RealizedPnL,
		Best:        sum.Best,
		Worst:       sum.Worst,
	})
}

type closedView struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}

func (s *Server) handleClosedPositions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "journal disabled", http.StatusNotFound)
		return
	}
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	closed, err := s.journal.ClosedPositions(r.Context(), f)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]closedView, 0, len(closed))
	for _, c := range closed {
		out = append(out, closedView{
			Symbol:      c.Symbol,
			Quantity:    c.Quantity,
			EntryPrice:  c.AverageEntryPrice,
			ExitPrice:   c.AverageExitPrice,
			RealizedPnL: c.RealizedPnL,
			OpenedAt:    c.OpenedAt,
			ClosedAt:    c.ClosedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// filterFrom reads symbol, since (RFC3339) and limit query parameters.
func filterFrom(r *http.Request) (journal.Filter, error) {
	q := r.URL.Query()
	f := journal.Filter{Symbol: q.Get("symbol"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be RFC3339")
		}
		f.Since = t
	}
	return f, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrSubmissionsHalted),
		errors.Is(err, apperrors.ErrCircuitOpen),
		errors.Is(err, apperrors.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrRejectedByGateway),
		errors.Is(err, apperrors.ErrRiskLimitExceeded):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
