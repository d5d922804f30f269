package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/junksamiad/replies-engine/internal/dlq"
	"github.com/junksamiad/replies-engine/internal/ingest"
	"github.com/junksamiad/replies-engine/internal/testutil"
)

// mockNATSPublisher records published messages.
type mockNATSPublisher struct {
	published []struct {
		subject string
		data    []byte
	}
}

func (m *mockNATSPublisher) Publish(subject string, data []byte) error {
	m.published = append(m.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func setupServerWithDLQ(dlqStore dlq.DataStore) (*Server, *mockNATSPublisher) {
	ms := testutil.NewMockStore()
	coord := ingest.NewCoordinator(ms, ms, &fakeFlushQueue{}, ingest.Config{
		Window:     10 * time.Second,
		LockBuffer: 30 * time.Second,
		StagingTTL: 24 * time.Hour,
	})
	nc := &mockNATSPublisher{}
	handler := dlq.NewHandler(dlqStore, nc)
	return NewServer(ms, coord, fakeQueueHealth{healthy: true}, 8700, handler.Routes()), nc
}

func TestDLQ_ListEmpty(t *testing.T) {
	store := newMockDLQStore()
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("GET", "/api/v1/dlq", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body []any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty list, got %d items", len(body))
	}
}

func TestDLQ_ListWithEntries(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:           "dlq-1",
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-1"}`),
		Reason:          "retries exhausted: ai timeout",
		Source:          "flush",
		FailedAt:        time.Now().UTC(),
		Recoverable:     true,
		RetryHistory:    []dlq.RetryAttempt{},
	}
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("GET", "/api/v1/dlq", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(body))
	}
	if body[0]["dlq_id"] != "dlq-1" {
		t.Errorf("expected dlq_id dlq-1, got %v", body[0]["dlq_id"])
	}
}

func TestDLQ_GetNotFound(t *testing.T) {
	store := newMockDLQStore()
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("GET", "/api/v1/dlq/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDLQ_GetFound(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:           "dlq-1",
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-1"}`),
		Reason:          "commit lock lost",
		Source:          "flush",
		FailedAt:        time.Now().UTC(),
		RetryHistory:    []dlq.RetryAttempt{},
	}
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("GET", "/api/v1/dlq/dlq-1", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["reason"] != "commit lock lost" {
		t.Errorf("expected reason commit lock lost, got %v", body["reason"])
	}
}

func TestDLQ_Stats(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:        "dlq-1",
		Reason:       "retries exhausted: ai timeout",
		Source:       "flush",
		Recoverable:  true,
		RetryHistory: []dlq.RetryAttempt{},
	}
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("GET", "/api/v1/dlq/stats", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", body["total"])
	}
}

func TestDLQ_RetryPublishes(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:           "dlq-1",
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-1"}`),
		Reason:          "retries exhausted: ai timeout",
		Source:          "flush",
		Recoverable:     true,
		RetryHistory:    []dlq.RetryAttempt{},
	}
	srv, nc := setupServerWithDLQ(store)

	req := httptest.NewRequest("POST", "/api/v1/dlq/dlq-1/retry", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	if len(nc.published) != 1 {
		t.Fatalf("expected 1 NATS publish, got %d", len(nc.published))
	}
	if nc.published[0].subject != "replies.flush.task" {
		t.Errorf("expected publish to replies.flush.task, got %s", nc.published[0].subject)
	}

	// Entry should be marked recovered with the attempt on record.
	entry := store.entries["dlq-1"]
	if !entry.Recovered {
		t.Error("expected entry to be marked recovered")
	}
	if len(entry.RetryHistory) != 1 || entry.RetryHistory[0].Outcome != "republished" {
		t.Errorf("retry history = %+v", entry.RetryHistory)
	}
}

func TestDLQ_RetryAlreadyRecoveredConflicts(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:           "dlq-1",
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-1"}`),
		Reason:          "retries exhausted: ai timeout",
		Source:          "flush",
		Recoverable:     true,
		Recovered:       true,
		RetryHistory:    []dlq.RetryAttempt{},
	}
	srv, nc := setupServerWithDLQ(store)

	req := httptest.NewRequest("POST", "/api/v1/dlq/dlq-1/retry", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if len(nc.published) != 0 {
		t.Errorf("expected no publish for a recovered entry, got %d", len(nc.published))
	}
}

func TestDLQ_DiscardMarksRecovered(t *testing.T) {
	store := newMockDLQStore()
	store.entries["dlq-1"] = &dlq.Entry{
		DLQID:           "dlq-1",
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-1"}`),
		Reason:          "malformed task",
		Source:          "flush",
		Recoverable:     false,
		RetryHistory:    []dlq.RetryAttempt{},
	}
	srv, _ := setupServerWithDLQ(store)

	req := httptest.NewRequest("POST", "/api/v1/dlq/dlq-1/discard", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	entry := store.entries["dlq-1"]
	if !entry.Recovered {
		t.Error("expected entry to be marked recovered after discard")
	}
}

func TestDLQ_NotMountedWithoutRoutes(t *testing.T) {
	ms := testutil.NewMockStore()
	srv, _ := setupServer(ms)

	req := httptest.NewRequest("GET", "/api/v1/dlq", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 when dlq routes are not mounted, got %d", w.Code)
	}
}

// --- Mock DLQ DataStore ---

type mockDLQStore struct {
	entries map[string]*dlq.Entry
}

func newMockDLQStore() *mockDLQStore {
	return &mockDLQStore{entries: make(map[string]*dlq.Entry)}
}

func (m *mockDLQStore) Insert(_ context.Context, e dlq.Entry) error {
	m.entries[e.DLQID] = &e
	return nil
}

func (m *mockDLQStore) Get(_ context.Context, dlqID string) (*dlq.Entry, error) {
	e, ok := m.entries[dlqID]
	if !ok {
		return nil, dlq.ErrNotFound
	}
	return e, nil
}

func (m *mockDLQStore) List(_ context.Context, opts dlq.ListOpts) ([]dlq.Entry, error) {
	var results []dlq.Entry
	for _, e := range m.entries {
		if opts.Recovered != nil && e.Recovered != *opts.Recovered {
			continue
		}
		if opts.Reason != "" && e.Reason != opts.Reason {
			continue
		}
		if opts.Source != "" && e.Source != opts.Source {
			continue
		}
		results = append(results, *e)
	}
	return results, nil
}

func (m *mockDLQStore) MarkRecovered(_ context.Context, dlqID, recoveredBy string) error {
	e, ok := m.entries[dlqID]
	if !ok {
		return dlq.ErrNotFound
	}
	if e.Recovered {
		return fmt.Errorf("already recovered")
	}
	now := time.Now().UTC()
	e.Recovered = true
	e.RecoveredAt = &now
	e.RecoveredBy = recoveredBy
	return nil
}

func (m *mockDLQStore) AppendRetry(_ context.Context, dlqID string, attempt dlq.RetryAttempt) error {
	e, ok := m.entries[dlqID]
	if !ok {
		return dlq.ErrNotFound
	}
	e.RetryHistory = append(e.RetryHistory, attempt)
	return nil
}

func (m *mockDLQStore) ListRecoverable(_ context.Context) ([]dlq.Entry, error) {
	var results []dlq.Entry
	for _, e := range m.entries {
		if e.Recoverable && !e.Recovered {
			results = append(results, *e)
		}
	}
	return results, nil
}

func (m *mockDLQStore) Stats(_ context.Context) (*dlq.Stats, error) {
	st := &dlq.Stats{
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, e := range m.entries {
		st.Total++
		if !e.Recovered {
			st.Unrecovered++
			st.ByReason[e.Reason]++
			st.BySource[e.Source]++
			if e.Recoverable {
				st.Recoverable++
			}
		}
	}
	return st, nil
}
