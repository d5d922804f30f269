// Package api is the HTTP surface of the engine: the ingest endpoint the
// provider webhooks post to, plus operator endpoints for health, record and
// staging inspection, usage rollups, and the DLQ.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/store"
)

// Ingestor stages one fragment and schedules its conversation's flush.
type Ingestor interface {
	Submit(ctx context.Context, frag fragment.Fragment) error
}

// QueueHealth reports delay-queue connectivity for the health endpoint.
type QueueHealth interface {
	Healthy() bool
}

type Server struct {
	store  store.DataStore
	ingest Ingestor
	queue  QueueHealth
	router chi.Router
	port   int
}

func NewServer(s store.DataStore, ing Ingestor, q QueueHealth, port int, dlqRoutes chi.Router) *Server {
	srv := &Server{
		store:  s,
		ingest: ing,
		queue:  q,
		port:   port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/fragments", srv.handleSubmitFragment)
		r.Get("/conversations/{channelKey}/{conversationID}", srv.handleGetConversation)
		r.Get("/conversations/{channelKey}/{conversationID}/fragments", srv.handleListFragments)
		r.Get("/usage/summary", srv.handleUsageSummary)
		r.Get("/usage/{channelKey}/latest", srv.handleChannelUsage)
		if dlqRoutes != nil {
			r.Mount("/dlq", dlqRoutes)
		}
	})

	srv.router = r
	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("starting HTTP API", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":          "ok",
		"service":         "replies-engine",
		"queue_connected": s.queue.Healthy(),
	}
	// Depths are best-effort: a slow store must not fail the health check.
	if fragments, triggers, err := s.store.Depths(r.Context()); err == nil {
		body["staging_depth"] = fragments
		body["trigger_depth"] = triggers
	} else {
		slog.Warn("health depth query failed", "error", err)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSubmitFragment(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	frag, err := fragment.Normalize(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.ingest.Submit(r.Context(), frag); err != nil {
		if fault.IsTransient(err) {
			slog.Warn("fragment submit failed, asking provider to retry",
				"conversation_id", frag.ConversationID, "error", err)
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
			return
		}
		slog.Error("fragment submit failed",
			"conversation_id", frag.ConversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "channelKey")
	conversationID := chi.URLParam(r, "conversationID")

	rec, err := s.store.GetConversation(r.Context(), channelKey, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		slog.Error("get conversation failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListFragments(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	frags, err := s.store.ListFragments(r.Context(), conversationID)
	if err != nil {
		slog.Error("list fragments failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if frags == nil {
		frags = []fragment.Fragment{}
	}

	writeJSON(w, http.StatusOK, frags)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.UsageSummary(r.Context())
	if err != nil {
		slog.Error("usage summary query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if summary == nil {
		summary = []store.UsageDay{}
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleChannelUsage(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "channelKey")

	u, err := s.store.ChannelUsage(r.Context(), channelKey)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no usage recorded"})
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
