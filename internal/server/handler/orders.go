package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/executor"
)

// OrderHandler serves read-only views of mirrored orders. Orders are created
// only by the pipeline; the operator API never places them.
type OrderHandler struct {
	manager *executor.Manager
	store   domain.OrderStore
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(manager *executor.Manager, store domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{manager: manager, store: store, logger: logHandler(logger, "orders")}
}

// ListInFlight returns every non-terminal order the manager is driving.
// GET /api/orders/inflight
func (h *OrderHandler) ListInFlight(w http.ResponseWriter, r *http.Request) {
	orders := h.manager.InFlight()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(orders),
		"orders": orders,
	})
}

// ListByMarket returns persisted orders for one market, newest first.
// GET /api/orders/market/{market}
func (h *OrderHandler) ListByMarket(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "market")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "market id is required")
		return
	}

	orders, err := h.store.ListByMarket(r.Context(), marketID, parseListOpts(r))
	if err != nil {
		h.logger.Error("list orders failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(orders),
		"orders": orders,
	})
}

// GetByKey returns one order by idempotency key.
// GET /api/orders/{key}
func (h *OrderHandler) GetByKey(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency key is required")
		return
	}

	order, err := h.store.GetByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("get order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}
