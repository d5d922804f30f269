package dlq

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler serves the operator triage endpoints. Routes are mounted under
// /api/v1/dlq by the API server.
type Handler struct {
	store DataStore
	pub   Publisher
}

func NewHandler(store DataStore, pub Publisher) *Handler {
	return &Handler{store: store, pub: pub}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/stats", h.handleStats)
	r.Get("/{dlqID}", h.handleGet)
	r.Post("/{dlqID}/retry", h.handleRetry)
	r.Post("/{dlqID}/discard", h.handleDiscard)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := ListOpts{
		Reason: r.URL.Query().Get("reason"),
		Source: r.URL.Query().Get("source"),
	}
	if v := r.URL.Query().Get("recovered"); v != "" {
		recovered := v == "true"
		opts.Recovered = &recovered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	entries, err := h.store.List(r.Context(), opts)
	if err != nil {
		slog.Error("dlq list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("dlq stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.Get(r.Context(), chi.URLParam(r, "dlqID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleRetry republishes the original payload and marks the entry
// recovered. A task that fails again is dead-lettered as a fresh entry.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")

	e, err := h.store.Get(r.Context(), dlqID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	if e.Recovered {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "entry already recovered"})
		return
	}

	if err := h.pub.Publish(e.OriginalSubject, e.OriginalPayload); err != nil {
		slog.Error("dlq retry publish failed", "dlq_id", dlqID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "republish failed"})
		return
	}

	attempt := RetryAttempt{At: time.Now().UTC(), By: "api", Outcome: "republished"}
	if err := h.store.AppendRetry(r.Context(), dlqID, attempt); err != nil {
		slog.Warn("dlq retry history append failed", "dlq_id", dlqID, "error", err)
	}
	if err := h.store.MarkRecovered(r.Context(), dlqID, "api"); err != nil {
		slog.Error("dlq mark recovered failed", "dlq_id", dlqID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "mark recovered failed"})
		return
	}

	slog.Info("dlq entry republished", "dlq_id", dlqID, "subject", e.OriginalSubject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "republished", "dlq_id": dlqID})
}

// handleDiscard closes an entry without replaying it.
func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")

	if err := h.store.MarkRecovered(r.Context(), dlqID, "discard"); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	slog.Info("dlq entry discarded", "dlq_id", dlqID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "dlq_id": dlqID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
