package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/internal/metrics"
	"github.com/web3guy0/polyengine/types"
)

type staticStatus struct{ st core.Status }

func (s staticStatus) Status() core.Status { return s.st }

type fakeHistory struct {
	lastLimit int
	trades    []types.ClosedTrade
	err       error
}

func (h *fakeHistory) RecentClosedTrades(_ context.Context, limit int) ([]types.ClosedTrade, error) {
	h.lastLimit = limit
	return h.trades, h.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func status() staticStatus {
	return staticStatus{core.Status{
		Mode:    "paper",
		Running: true,
		Uptime:  "5m0s",
		Report:  execution.Report{Bankroll: decimal.NewFromInt(950), OpenTrades: 1},
		OpenPositions: []types.Position{{
			InstrumentID: "tok", Strategy: "market_maker", EntryPrice: decimal.NewFromFloat(0.5),
		}},
	}}
}

func TestHealthz(t *testing.T) {
	s := NewServer(status())
	rec := get(t, s.Handler(), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, true, body["running"])
}

func TestStatus_JSON(t *testing.T) {
	s := NewServer(status())
	rec := get(t, s.Handler(), "/status")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Mode   string `json:"mode"`
		Uptime string `json:"uptime"`
		Report struct {
			Bankroll   string `json:"bankroll"`
			OpenTrades int    `json:"openTrades"`
		} `json:"report"`
		OpenPositions []struct {
			InstrumentID string `json:"instrumentId"`
			EntryPrice   string `json:"entryPrice"`
		} `json:"openPositions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "paper", body.Mode)
	assert.Equal(t, "5m0s", body.Uptime)
	assert.Equal(t, "950", body.Report.Bankroll)
	assert.Equal(t, 1, body.Report.OpenTrades)
	require.Len(t, body.OpenPositions, 1)
	assert.Equal(t, "tok", body.OpenPositions[0].InstrumentID)
	assert.Equal(t, "0.5", body.OpenPositions[0].EntryPrice)
}

func TestTrades(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, get(t, NewServer(status()).Handler(), "/trades").Code)

	h := &fakeHistory{trades: []types.ClosedTrade{{Strategy: "arb", PnL: decimal.NewFromInt(5), ClosedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}}}
	s := NewServer(status(), WithTradeHistory(h))

	rec := get(t, s.Handler(), "/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultTradeLimit, h.lastLimit)
	var trades []types.ClosedTrade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(decimal.NewFromInt(5)))

	get(t, s.Handler(), "/trades?limit=10000")
	assert.Equal(t, maxTradeLimit, h.lastLimit)

	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/trades?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/trades?limit=0").Code)

	h.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/trades").Code)

	h.err, h.trades = nil, nil
	rec = get(t, s.Handler(), "/trades")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, NewServer(status()).Handler(), "/metrics").Code)

	rec := metrics.New()
	rec.SignalEmitted("arb")
	s := NewServer(status(), WithMetrics(rec.Handler()))

	res := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `polyengine_signals_total{strategy="arb"} 1`)
}

func TestStartShutdown(t *testing.T) {
	s := NewServer(status())
	require.NoError(t, s.Start("127.0.0.1:0"))

	addr := s.echo.Listener.Addr().String()
	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
