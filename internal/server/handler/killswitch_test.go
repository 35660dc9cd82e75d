package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKillSwitchHandlerTripAndReset(t *testing.T) {
	ks := risk.NewKillSwitch(testLogger())
	h := NewKillSwitchHandler(ks, testLogger())

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/killswitch", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"armed"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Trip(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch/trip",
		strings.NewReader(`{"reason":"manual halt"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"tripped"`)
	assert.Contains(t, rec.Body.String(), "operator: manual halt")
	assert.True(t, ks.Tripped())

	rec = httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ks.Tripped())
}

func TestKillSwitchHandlerTripRequiresReason(t *testing.T) {
	ks := risk.NewKillSwitch(testLogger())
	h := NewKillSwitchHandler(ks, testLogger())

	for _, body := range []string{``, `{}`, `{"reason":""}`, `not json`} {
		rec := httptest.NewRecorder()
		h.Trip(rec, httptest.NewRequest(http.MethodPost, "/api/killswitch/trip",
			strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.False(t, ks.Tripped())
}

func TestHealthHandlerReadiness(t *testing.T) {
	checks := map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
		"skipped":  nil,
	}
	h := NewHealthHandler(checks, testLogger())

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	// All healthy once redis recovers.
	checks["redis"] = func(context.Context) error { return nil }
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)
}

func TestExposureHandler(t *testing.T) {
	ledger := risk.NewLedger(risk.LedgerConfig{
		MarketCapMicros: 100_000_000,
		WindowCapMicros: 400_000_000,
		RollingWindow:   15 * time.Minute,
	})
	res, _, _ := ledger.Reserve("m1", 10_000_000)
	require.NoError(t, res.Commit(10_000_000))

	h := NewExposureHandler(ledger, testLogger())
	rec := httptest.NewRecorder()
	h.GetExposure(rec, httptest.NewRequest(http.MethodGet, "/api/exposure", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m1":10000000`)
	assert.Contains(t, rec.Body.String(), `"window_total_micros":10000000`)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/exposure/{market}", h.GetMarketExposure)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exposure/m1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"market_id":"m1","committed_micros":10000000}`, rec.Body.String())
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/orders?limit=9000&offset=20&since=2026-08-01T00:00:00Z", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Equal(t, 2026, opts.Since.Year())
	assert.Nil(t, opts.Until)

	opts = parseListOpts(httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, 50, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}
