// Package ingest is the synchronous half of the pipeline: stage the
// fragment, then make sure exactly one flush is scheduled for the
// conversation's current batching window. All failures here are retryable
// because the upstream webhook source redelivers on 5xx.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/store"
)

// FlushQueue schedules one delayed flush task.
type FlushQueue interface {
	Enqueue(ctx context.Context, conversationID, channelKey string, delay time.Duration) error
}

type Config struct {
	// Window is how long a conversation accumulates fragments before one
	// flush runs.
	Window time.Duration
	// LockBuffer extends the trigger lock past the window so the lock
	// outlives its task's scheduled delivery.
	LockBuffer time.Duration
	// StagingTTL bounds how long an orphaned fragment can linger.
	StagingTTL time.Duration
}

type Coordinator struct {
	staging  store.StagingStore
	triggers store.TriggerStore
	queue    FlushQueue
	cfg      Config
}

func NewCoordinator(staging store.StagingStore, triggers store.TriggerStore, queue FlushQueue, cfg Config) *Coordinator {
	return &Coordinator{
		staging:  staging,
		triggers: triggers,
		queue:    queue,
		cfg:      cfg,
	}
}

// Submit stages one fragment and schedules a flush unless one is already
// pending for the conversation. Staging always happens first: a fragment
// staged under an existing trigger rides the already-scheduled flush.
func (c *Coordinator) Submit(ctx context.Context, frag fragment.Fragment) error {
	frag.ExpiresAt = time.Now().UTC().Add(c.cfg.StagingTTL)
	if err := c.staging.PutFragment(ctx, frag); err != nil {
		return fault.Transient("stage fragment", err)
	}

	acquired, err := c.triggers.AcquireTrigger(ctx, frag.ConversationID, c.cfg.Window+c.cfg.LockBuffer)
	if err != nil {
		return fault.Transient("acquire trigger", err)
	}
	if !acquired {
		slog.Debug("flush already scheduled",
			"conversation_id", frag.ConversationID,
			"fragment_id", frag.FragmentID,
		)
		return nil
	}

	if err := c.queue.Enqueue(ctx, frag.ConversationID, frag.ChannelKey, c.cfg.Window); err != nil {
		// Free the trigger so the upstream retry can reschedule now
		// instead of waiting out the lock TTL.
		if relErr := c.triggers.ReleaseTrigger(ctx, frag.ConversationID); relErr != nil {
			slog.Warn("failed to release trigger after enqueue failure",
				"conversation_id", frag.ConversationID,
				"error", relErr,
			)
		}
		return fault.Transient("enqueue flush task", err)
	}

	slog.Info("scheduled flush",
		"conversation_id", frag.ConversationID,
		"channel_key", frag.ChannelKey,
		"window", c.cfg.Window,
	)
	return nil
}
