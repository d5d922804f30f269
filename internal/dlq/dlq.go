// Package dlq is the dead-letter surface for flush tasks: a Postgres-backed
// store of failed tasks, an HTTP handler for operator triage, and a scanner
// that replays recoverable entries. Entries keep the original subject and
// payload so a retry is a plain republish.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("dlq entry not found")

// RetryAttempt records one republication of an entry.
type RetryAttempt struct {
	At      time.Time `json:"at"`
	By      string    `json:"by"`
	Outcome string    `json:"outcome"`
}

// Entry is one dead-lettered task.
type Entry struct {
	DLQID           string          `json:"dlq_id"`
	OriginalSubject string          `json:"original_subject"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Reason          string          `json:"reason"`
	Source          string          `json:"source"`
	FailedAt        time.Time       `json:"failed_at"`
	Recoverable     bool            `json:"recoverable"`
	Recovered       bool            `json:"recovered"`
	RecoveredAt     *time.Time      `json:"recovered_at,omitempty"`
	RecoveredBy     string          `json:"recovered_by,omitempty"`
	RetryHistory    []RetryAttempt  `json:"retry_history"`
}

// ListOpts filters List results. Nil/zero fields match everything.
type ListOpts struct {
	Recovered *bool
	Reason    string
	Source    string
	Limit     int
}

// Stats summarizes the queue for the stats endpoint. Breakdown maps count
// unrecovered entries only.
type Stats struct {
	Total       int            `json:"total"`
	Unrecovered int            `json:"unrecovered"`
	Recoverable int            `json:"recoverable"`
	ByReason    map[string]int `json:"by_reason"`
	BySource    map[string]int `json:"by_source"`
}

// DataStore is the persistence contract for dead-letter entries.
type DataStore interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, dlqID string) (*Entry, error)
	List(ctx context.Context, opts ListOpts) ([]Entry, error)
	MarkRecovered(ctx context.Context, dlqID, recoveredBy string) error
	AppendRetry(ctx context.Context, dlqID string, attempt RetryAttempt) error
	ListRecoverable(ctx context.Context) ([]Entry, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Publisher republishes original payloads back onto the queue.
type Publisher interface {
	Publish(subject string, data []byte) error
}
