package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/polymirror/mirrorbot/internal/risk"
)

// KillSwitchHandler exposes the kill switch to operators. Reset is only ever
// reachable through this handler; nothing in the pipeline re-arms the switch.
type KillSwitchHandler struct {
	ks     *risk.KillSwitch
	logger *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler.
func NewKillSwitchHandler(ks *risk.KillSwitch, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{ks: ks, logger: logHandler(logger, "killswitch")}
}

type killSwitchStatus struct {
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	TrippedAt string `json:"tripped_at,omitempty"`
}

func (h *KillSwitchHandler) status() killSwitchStatus {
	state, reason, trippedAt := h.ks.Status()
	s := killSwitchStatus{State: string(state), Reason: reason}
	if !trippedAt.IsZero() {
		s.TrippedAt = trippedAt.Format(time.RFC3339)
	}
	return s
}

// GetStatus returns the current switch state.
// GET /api/killswitch
func (h *KillSwitchHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Trip moves the switch to tripped with an operator-supplied reason.
// POST /api/killswitch/trip
func (h *KillSwitchHandler) Trip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	h.logger.Warn("operator trip requested", slog.String("reason", body.Reason))
	h.ks.Trip("operator: " + body.Reason)
	writeJSON(w, http.StatusOK, h.status())
}

// Reset re-arms the switch.
// POST /api/killswitch/reset
func (h *KillSwitchHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("operator reset requested")
	h.ks.Reset()
	writeJSON(w, http.StatusOK, h.status())
}
