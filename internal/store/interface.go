package store

import (
	"context"
	"errors"
	"time"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/fragment"
)

var (
	// ErrNotFound is returned by reads for a key that does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrLockLost is returned by CommitTurn when the processing-lock guard
	// fails: the record left StatusProcessing between acquire and commit.
	ErrLockLost = errors.New("store: processing lock lost")
)

// StagingStore holds inbound fragments awaiting a flush. Rows are
// insert-only from ingest and read-then-deleted from flush; duplicate
// (conversation_id, fragment_id) inserts are no-ops.
type StagingStore interface {
	PutFragment(ctx context.Context, frag fragment.Fragment) error
	ListFragments(ctx context.Context, conversationID string) ([]fragment.Fragment, error)
	DeleteFragments(ctx context.Context, conversationID string, fragmentIDs []string) error
}

// TriggerStore dedupes flush scheduling: at most one unexpired trigger row
// per conversation. Acquire is a conditional insert where an expired row
// counts as absent; it reports false without error when the trigger is held.
type TriggerStore interface {
	AcquireTrigger(ctx context.Context, conversationID string, ttl time.Duration) (bool, error)
	ReleaseTrigger(ctx context.Context, conversationID string) error
}

// ConversationStore owns the canonical conversation records. TryAcquire and
// CommitTurn are the two conditional operations that make the status field a
// processing lock: TryAcquire flips any non-processing record (creating it
// when absent) and reports false on contention; CommitTurn appends the turn
// and settles the status, guarded by StatusProcessing.
type ConversationStore interface {
	GetConversation(ctx context.Context, channelKey, conversationID string) (*conversation.Record, error)
	PutConversation(ctx context.Context, rec conversation.Record) error
	TryAcquire(ctx context.Context, channelKey, conversationID string) (bool, error)
	Release(ctx context.Context, channelKey, conversationID string, to conversation.Status) error
	CommitTurn(ctx context.Context, channelKey, conversationID string, turn conversation.Turn) error
}

// MaintenanceStore is the sweeper's surface. PurgeExpired is a no-op on
// backends that report native TTL.
type MaintenanceStore interface {
	ResetStuckLocks(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
	SupportsNativeTTL() bool
}

// UsageDay is one channel's AI token consumption for one UTC day.
type UsageDay struct {
	ChannelKey   string `json:"channel_key"`
	Day          string `json:"day"`
	Turns        int    `json:"turns"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// UsageStore accumulates per-channel daily rollups of committed AI turns.
// AddUsage increments atomically; the reads return the most recent day.
type UsageStore interface {
	AddUsage(ctx context.Context, channelKey string, day time.Time, turns, inputTokens, outputTokens int) error
	ChannelUsage(ctx context.Context, channelKey string) (UsageDay, error)
	UsageSummary(ctx context.Context) ([]UsageDay, error)
}

// DataStore is the full interface consumed by the coordinators, the sweeper,
// and the API. Concrete implementations: *Store (pgx-backed) and
// dynamo.Store (aws-sdk-backed), selected by STORE_BACKEND.
type DataStore interface {
	StagingStore
	TriggerStore
	ConversationStore
	MaintenanceStore
	UsageStore

	// Depths reports staged-fragment and live-trigger counts for health
	// reporting.
	Depths(ctx context.Context) (fragments, triggers int, err error)
	Close()
}
