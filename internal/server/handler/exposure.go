package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/mirrorbot/internal/risk"
)

// ExposureHandler serves the exposure ledger's current committed totals.
type ExposureHandler struct {
	ledger *risk.Ledger
	logger *slog.Logger
}

// NewExposureHandler creates an ExposureHandler.
func NewExposureHandler(ledger *risk.Ledger, logger *slog.Logger) *ExposureHandler {
	return &ExposureHandler{ledger: ledger, logger: logHandler(logger, "exposure")}
}

// GetExposure returns committed exposure per market plus the trailing-window
// total, in micro-USD.
// GET /api/exposure
func (h *ExposureHandler) GetExposure(w http.ResponseWriter, r *http.Request) {
	snap := h.ledger.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"market_committed_micros": snap.MarketCommitted,
		"window_committed_micros": snap.WindowCommitted,
		"window_total_micros":     h.ledger.WindowTotal(),
		"taken_at":                snap.TakenAt.Format(time.RFC3339),
	})
}

// GetMarketExposure returns one market's committed exposure.
// GET /api/exposure/{market}
func (h *ExposureHandler) GetMarketExposure(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "market")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market id is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":        marketID,
		"committed_micros": h.ledger.MarketCommitted(marketID),
	})
}
