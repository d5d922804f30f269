package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	s := NewStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return s
}

func freshEntry(recoverable bool) Entry {
	return Entry{
		DLQID:           uuid.New().String(),
		OriginalSubject: "replies.flush.task",
		OriginalPayload: json.RawMessage(`{"conversation_id":"conv-int"}`),
		Reason:          "retries exhausted: delivery timeout",
		Source:          "flush",
		FailedAt:        time.Now().UTC(),
		Recoverable:     recoverable,
		RetryHistory:    []RetryAttempt{},
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := freshEntry(true)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(ctx, e.DLQID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OriginalSubject != e.OriginalSubject {
		t.Errorf("subject = %q, want %q", got.OriginalSubject, e.OriginalSubject)
	}
	if got.Reason != e.Reason {
		t.Errorf("reason = %q", got.Reason)
	}
	if !got.Recoverable || got.Recovered {
		t.Errorf("flags = recoverable:%v recovered:%v", got.Recoverable, got.Recovered)
	}
	if len(got.RetryHistory) != 0 {
		t.Errorf("expected empty retry history, got %d", len(got.RetryHistory))
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get(context.Background(), uuid.New().String())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreMarkRecoveredOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := freshEntry(true)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.MarkRecovered(ctx, e.DLQID, "api"); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}
	if err := s.MarkRecovered(ctx, e.DLQID, "api"); err == nil {
		t.Error("second mark recovered should fail")
	}

	got, err := s.Get(ctx, e.DLQID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Recovered || got.RecoveredBy != "api" || got.RecoveredAt == nil {
		t.Errorf("recovered state = %+v", got)
	}
}

func TestStoreAppendRetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := freshEntry(true)
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	a1 := RetryAttempt{At: time.Now().UTC(), By: "scanner", Outcome: "republished"}
	a2 := RetryAttempt{At: time.Now().UTC(), By: "api", Outcome: "republished"}
	if err := s.AppendRetry(ctx, e.DLQID, a1); err != nil {
		t.Fatalf("append retry: %v", err)
	}
	if err := s.AppendRetry(ctx, e.DLQID, a2); err != nil {
		t.Fatalf("append retry: %v", err)
	}

	got, err := s.Get(ctx, e.DLQID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.RetryHistory) != 2 {
		t.Fatalf("retry history length = %d, want 2", len(got.RetryHistory))
	}
	if got.RetryHistory[0].By != "scanner" || got.RetryHistory[1].By != "api" {
		t.Errorf("retry history order = %+v", got.RetryHistory)
	}
}

func TestStoreListRecoverable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	open := freshEntry(true)
	perm := freshEntry(false)
	closed := freshEntry(true)
	for _, e := range []Entry{open, perm, closed} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.MarkRecovered(ctx, closed.DLQID, "discard"); err != nil {
		t.Fatalf("mark recovered: %v", err)
	}

	entries, err := s.ListRecoverable(ctx)
	if err != nil {
		t.Fatalf("list recoverable: %v", err)
	}
	found := false
	for _, got := range entries {
		if got.DLQID == perm.DLQID || got.DLQID == closed.DLQID {
			t.Errorf("entry %s should not be recoverable", got.DLQID)
		}
		if got.DLQID == open.DLQID {
			found = true
		}
	}
	if !found {
		t.Error("open recoverable entry missing from list")
	}
}

func TestStoreListFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := freshEntry(false)
	e.Reason = "filter-probe-" + e.DLQID
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	entries, err := s.List(ctx, ListOpts{Reason: e.Reason})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].DLQID != e.DLQID {
		t.Errorf("reason filter returned %d entries", len(entries))
	}

	recovered := false
	entries, err = s.List(ctx, ListOpts{Reason: e.Reason, Recovered: &recovered})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("recovered filter returned %d entries", len(entries))
	}
}

func TestStoreStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := freshEntry(true)
	e.Reason = "stats-probe-" + e.DLQID
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total < 1 || st.Unrecovered < 1 || st.Recoverable < 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByReason[e.Reason] != 1 {
		t.Errorf("by_reason[%s] = %d, want 1", e.Reason, st.ByReason[e.Reason])
	}
	if st.BySource["flush"] < 1 {
		t.Errorf("by_source[flush] = %d", st.BySource["flush"])
	}
}
