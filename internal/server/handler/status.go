package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/ingest"
	"github.com/polymirror/mirrorbot/internal/telemetry"
)

// StatusHandler serves pipeline metrics, ingest counters, the on-chain
// cross-check, and the audit trail.
type StatusHandler struct {
	metrics    *telemetry.Collector
	normalizer *ingest.Normalizer
	chain      *ingest.ChainMonitor
	audit      domain.AuditStore
	mode       string
	startedAt  time.Time
	logger     *slog.Logger
}

// NewStatusHandler creates a StatusHandler. chain may be nil when the
// subgraph cross-check is not configured.
func NewStatusHandler(metrics *telemetry.Collector, normalizer *ingest.Normalizer, chain *ingest.ChainMonitor, audit domain.AuditStore, mode string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		metrics:    metrics,
		normalizer: normalizer,
		chain:      chain,
		audit:      audit,
		mode:       mode,
		startedAt:  time.Now().UTC(),
		logger:     logHandler(logger, "status"),
	}
}

// GetStatus returns the pipeline-wide status view.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.normalizer.Stats()

	body := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"metrics":        h.metrics.Snapshot(),
		"ingest": map[string]any{
			"accepted":     stats.Accepted,
			"duplicates":   stats.Duplicates,
			"out_of_order": stats.OutOfOrder,
			"discarded":    stats.Discarded,
		},
	}

	if h.chain != nil {
		cs := h.chain.Status()
		body["chain"] = map[string]any{
			"latest_block":    cs.LatestBlock,
			"on_chain_fills":  cs.OnChainFills,
			"accepted_events": cs.AcceptedEvents,
			"checked_at":      cs.CheckedAt.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, body)
}

// ListAudit returns audit rows with pagination and time filtering.
// GET /api/audit
func (h *StatusHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.Error("list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}
