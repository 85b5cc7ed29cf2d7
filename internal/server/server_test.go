package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vi-trader/internal/engine"
	apperrors "vi-trader/internal/errors"
	"vi-trader/internal/journal"
	"vi-trader/internal/metrics"
	"vi-trader/internal/models"
	"vi-trader/internal/resilience"
)

type fakeController struct {
	halted    bool
	positions []models.Position
	flattened int
	renewErr  error
}

func (f *fakeController) Symbols() []engine.SymbolView {
	return []engine.SymbolView{{Symbol: "005930", Lifecycle: models.LifecycleTriggered}}
}

func (f *fakeController) Positions() []models.Position { return f.positions }

func (f *fakeController) Orders() (working, recent []models.OrderRecord) {
	return []models.OrderRecord{{IntentID: "i-1", Symbol: "005930", Status: models.OrderPending}}, nil
}

func (f *fakeController) Halted() bool { return f.halted }

func (f *fakeController) ClosePosition(ctx context.Context, symbol string) (models.OrderIntent, string, error) {
	for _, p := range f.positions {
		if p.Symbol == symbol {
			return models.OrderIntent{ID: "close-" + symbol}, "ord-1", nil
		}
	}
	return models.OrderIntent{}, "", fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, symbol)
}

func (f *fakeController) Flatten(now time.Time) int {
	f.flattened++
	return len(f.positions)
}

func (f *fakeController) Reauthenticate(ctx context.Context) error {
	if f.renewErr != nil {
		return f.renewErr
	}
	f.halted = false
	return nil
}

type fakeJournal struct {
	lastFilter journal.Filter
}

func (f *fakeJournal) Summarize(ctx context.Context, filter journal.Filter) (journal.Summary, error) {
	f.lastFilter = filter
	return journal.Summary{Trades: 4, Wins: 3, Losses: 1, RealizedPnL: decimal.NewFromInt(12000)}, nil
}

func (f *fakeJournal) ClosedPositions(ctx context.Context, filter journal.Filter) ([]models.ClosedPosition, error) {
	f.lastFilter = filter
	return []models.ClosedPosition{{Symbol: "005930", Quantity: 10, RealizedPnL: decimal.NewFromInt(500)}}, nil
}

func newTestServer(ctrl *fakeController, j Journal) (*Server, *metrics.Metrics) {
	m := metrics.New()
	return New(":0", Deps{Controller: ctrl, Journal: j, Metrics: m, Logger: zerolog.Nop()}), m
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReadEndpoints(t *testing.T) {
	ctrl := &fakeController{positions: []models.Position{{
		Symbol:             "005930",
		Quantity:           10,
		AverageEntryPrice:  decimal.NewFromInt(1000),
		UnrealizedPnLBasis: decimal.NewFromInt(10000),
		LastPrice:          decimal.NewFromInt(1100),
		Status:             models.PositionOpen,
	}}}
	s, _ := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []positionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(positions[0].UnrealizedPnL))

	rec = do(t, s, http.MethodGet, "/api/v1/symbols")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"005930"`)

	rec = do(t, s, http.MethodGet, "/api/v1/orders")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intent_id":"i-1"`)

	rec = do(t, s, http.MethodGet, "/api/v1/status")
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, statusResponse{OpenPositions: 1, WorkingOrders: 1, Symbols: 1}, status)
}

func TestClosePosition(t *testing.T) {
	ctrl := &fakeController{positions: []models.Position{{Symbol: "005930", Quantity: 10}}}
	s, _ := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/positions/005930/close")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intent_id":"close-005930"`)

	rec = do(t, s, http.MethodPost, "/api/v1/positions/000660/close")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlattenAndRenew(t *testing.T) {
	ctrl := &fakeController{halted: true, positions: []models.Position{{Symbol: "005930"}, {Symbol: "000660"}}}
	s, _ := newTestServer(ctrl, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/flatten")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"positions":2}`, rec.Body.String())
	assert.Equal(t, 1, ctrl.flattened)

	rec = do(t, s, http.MethodPost, "/api/v1/auth/renew")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"halted":false}`, rec.Body.String())

	ctrl.renewErr = fmt.Errorf("%w: bad secret", apperrors.ErrAuth)
	rec = do(t, s, http.MethodPost, "/api/v1/auth/renew")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJournalEndpoints(t *testing.T) {
	j := &fakeJournal{}
	s, _ := newTestServer(&fakeController{}, j)

	rec := do(t, s, http.MethodGet, "/api/v1/journal/summary?symbol=005930&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum summaryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 75.0, sum.WinRate)
	assert.Equal(t, journal.Filter{Symbol: "005930", Limit: 5}, j.lastFilter)

	rec = do(t, s, http.MethodGet, "/api/v1/journal/positions?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/journal/positions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"quantity":10`)

	disabled, _ := newTestServer(&fakeController{}, nil)
	rec = do(t, disabled, http.MethodGet, "/api/v1/journal/summary")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ctrl := &fakeController{}
	hm := resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig())
	hm.RegisterComponent("submissions", resilience.FlagHealthCheck(ctrl.Halted, "submissions halted"))
	s := New(":0", Deps{Controller: ctrl, Health: hm, Logger: zerolog.Nop()})

	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	ctrl.halted = true
	rec = do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "submissions halted")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(&fakeController{}, nil)
	do(t, s, http.MethodGet, "/api/v1/symbols")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `/api/v1/symbols`), "route pattern label recorded")
}
