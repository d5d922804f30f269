// Package flush is the consuming half of the pipeline: one delivered task
// drains one conversation's staged fragments into a single AI turn, sends
// the reply, and commits both messages under the conversation's processing
// lock. Every state transition maps to a queue outcome: ack for done and
// benign no-ops, retry for transient failures, drop for permanent ones.
package flush

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/delivery"
	"github.com/junksamiad/replies-engine/internal/fault"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/llm"
	"github.com/junksamiad/replies-engine/internal/queue"
	"github.com/junksamiad/replies-engine/internal/store"
)

// Deliverer routes and sends one outbound reply.
type Deliverer interface {
	Send(ctx context.Context, d delivery.Dispatch) (delivery.Receipt, error)
}

// UsageRecorder tracks AI token consumption per channel.
type UsageRecorder interface {
	RecordTurn(ctx context.Context, channelKey string, usage llm.Usage)
}

// AnomalyAlerter notifies operators of commit anomalies that need manual
// reconciliation.
type AnomalyAlerter interface {
	PostCommitAnomaly(ctx context.Context, channelKey, conversationID, reason string) error
}

// Processor runs the flush state machine for one task at a time. Instances
// are safe for concurrent use across tasks; per-conversation serialization
// comes from the processing lock, not from the processor.
type Processor struct {
	store     store.DataStore
	ai        llm.Generator
	deliverer Deliverer
	heartbeat time.Duration

	usage   UsageRecorder
	alerter AnomalyAlerter
}

func NewProcessor(st store.DataStore, ai llm.Generator, d Deliverer, heartbeat time.Duration) *Processor {
	return &Processor{
		store:     st,
		ai:        ai,
		deliverer: d,
		heartbeat: heartbeat,
	}
}

// SetUsageRecorder enables per-channel token accounting.
func (p *Processor) SetUsageRecorder(u UsageRecorder) {
	p.usage = u
}

// SetAlerter enables operator alerts for commit anomalies.
func (p *Processor) SetAlerter(a AnomalyAlerter) {
	p.alerter = a
}

// Process handles one due flush task. The lease is extended on a ticker for
// as long as the external calls run; the heartbeat always stops before the
// outcome is returned.
func (p *Processor) Process(ctx context.Context, task queue.Task, lease queue.Lease) queue.Result {
	acquired, err := p.store.TryAcquire(ctx, task.ChannelKey, task.ConversationID)
	if err != nil {
		slog.Warn("processing lock acquire failed",
			"conversation_id", task.ConversationID, "error", err)
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "acquire lock: " + err.Error()}
	}
	if !acquired {
		slog.Info("conversation locked by a peer flush, exiting as no-op",
			"conversation_id", task.ConversationID)
		return queue.Result{Outcome: queue.OutcomeAck, Reason: "lock contention"}
	}

	hb := startHeartbeat(lease, p.heartbeat)
	res := p.flushLocked(ctx, task)
	if err := hb.stop(); err != nil {
		slog.Warn("task visibility extension failed during flush",
			"conversation_id", task.ConversationID, "error", err)
	}
	return res
}

// flushLocked runs the read, merge, hydrate, generate, deliver, commit and
// cleanup stages while the conversation lock is held. Every error exit
// before a successful commit resets the lock so the conversation is never
// left stuck: to error for failures (the redelivered task re-acquires), to
// the idle variant for the benign empty-staging case.
func (p *Processor) flushLocked(ctx context.Context, task queue.Task) queue.Result {
	frags, err := p.store.ListFragments(ctx, task.ConversationID)
	if err != nil {
		p.release(ctx, task, conversation.StatusErrored)
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "read staging: " + err.Error()}
	}
	if len(frags) == 0 {
		slog.Info("staging already drained, releasing lock",
			"conversation_id", task.ConversationID)
		p.releaseIdle(ctx, task)
		return queue.Result{Outcome: queue.OutcomeAck, Reason: "empty staging"}
	}

	batch, err := fragment.Assemble(task.ConversationID, frags)
	if err != nil {
		p.release(ctx, task, conversation.StatusErrored)
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "assemble batch: " + err.Error()}
	}

	rec, err := p.store.GetConversation(ctx, task.ChannelKey, task.ConversationID)
	if err != nil {
		p.release(ctx, task, conversation.StatusErrored)
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "hydrate conversation: " + err.Error()}
	}

	mergedBody := batch.MergedBody()
	resp, err := p.ai.Generate(ctx, llm.Request{
		ConversationID:     task.ConversationID,
		Input:              mergedBody,
		PreviousResponseID: rec.AISessionID,
		IdempotencyKey:     idempotencyKey(task.ConversationID, batch.Fragments[0].FragmentID),
	})
	if err != nil {
		p.release(ctx, task, conversation.StatusErrored)
		if fault.IsPermanent(err) {
			slog.Error("ai generation failed permanently",
				"conversation_id", task.ConversationID, "error", err)
			return queue.Result{Outcome: queue.OutcomeDrop, Reason: "ai generation: " + err.Error()}
		}
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "ai generation: " + err.Error()}
	}

	receipt, err := p.deliverer.Send(ctx, delivery.Dispatch{
		ChannelKey:     batch.ChannelKey,
		ConversationID: task.ConversationID,
		Destination:    rec.Destination,
		Body:           resp.OutputText,
		CredentialRef:  rec.CredentialRef,
	})
	if err != nil {
		p.release(ctx, task, conversation.StatusErrored)
		if fault.IsPermanent(err) {
			slog.Error("delivery failed permanently",
				"conversation_id", task.ConversationID,
				"channel_key", batch.ChannelKey, "error", err)
			return queue.Result{Outcome: queue.OutcomeDrop, Reason: "delivery: " + err.Error()}
		}
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "delivery: " + err.Error()}
	}

	now := time.Now().UTC()
	turn := conversation.Turn{
		User: conversation.Message{
			Role:    conversation.RoleUser,
			Content: mergedBody,
			SentAt:  batch.Fragments[len(batch.Fragments)-1].ReceivedAt,
		},
		Assistant: conversation.Message{
			Role:              conversation.RoleAssistant,
			Content:           resp.OutputText,
			SentAt:            now,
			ProviderMessageID: receipt.ProviderMessageID,
			AIResponseID:      resp.ID,
		},
		AISessionID: resp.ID,
	}

	if err := p.store.CommitTurn(ctx, task.ChannelKey, task.ConversationID, turn); err != nil {
		if errors.Is(err, store.ErrLockLost) {
			// External calls already took effect but the guarded commit
			// could not land. Retrying would duplicate the AI reply and
			// the delivery, so this surfaces to operators instead.
			slog.Error("commit lock lost after external side effects",
				"anomaly", "commit_lock_lost",
				"conversation_id", task.ConversationID,
				"channel_key", task.ChannelKey,
				"ai_response_id", resp.ID,
				"provider_message_id", receipt.ProviderMessageID,
			)
			if p.alerter != nil {
				if aerr := p.alerter.PostCommitAnomaly(ctx, task.ChannelKey, task.ConversationID, "commit lock lost"); aerr != nil {
					slog.Warn("failed to post commit anomaly alert", "error", aerr)
				}
			}
			return queue.Result{
				Outcome:    queue.OutcomeDrop,
				Reason:     "commit lock lost",
				DeadLetter: true,
			}
		}
		p.release(ctx, task, conversation.StatusErrored)
		return queue.Result{Outcome: queue.OutcomeRetry, Reason: "commit turn: " + err.Error()}
	}

	// Cleanup failures are non-fatal: staging rows expire by TTL and the
	// trigger lock times out on its own.
	if err := p.store.DeleteFragments(ctx, task.ConversationID, batch.FragmentIDs()); err != nil {
		slog.Warn("failed to delete consumed fragments",
			"conversation_id", task.ConversationID, "error", err)
	}
	if err := p.store.ReleaseTrigger(ctx, task.ConversationID); err != nil {
		slog.Warn("failed to delete trigger lock",
			"conversation_id", task.ConversationID, "error", err)
	}

	if p.usage != nil {
		p.usage.RecordTurn(ctx, task.ChannelKey, resp.Usage)
	}

	slog.Info("flush committed",
		"conversation_id", task.ConversationID,
		"channel_key", task.ChannelKey,
		"fragments", len(batch.Fragments),
		"ai_response_id", resp.ID,
		"provider_message_id", receipt.ProviderMessageID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return queue.Result{Outcome: queue.OutcomeAck, Reason: "committed"}
}

func (p *Processor) release(ctx context.Context, task queue.Task, to conversation.Status) {
	if err := p.store.Release(ctx, task.ChannelKey, task.ConversationID, to); err != nil {
		slog.Warn("failed to release processing lock",
			"conversation_id", task.ConversationID, "to", to, "error", err)
	}
}

// releaseIdle settles the lock back to the conversation's idle variant so a
// benign double-flush does not un-reply a conversation.
func (p *Processor) releaseIdle(ctx context.Context, task queue.Task) {
	to := conversation.StatusOpen
	if rec, err := p.store.GetConversation(ctx, task.ChannelKey, task.ConversationID); err == nil {
		to = rec.IdleStatus()
	}
	p.release(ctx, task, to)
}

// idempotencyKey is stable across redeliveries of the same batch: the
// conversation plus the batch's first fragment pin the turn, so the AI
// provider replays the original response instead of generating twice.
func idempotencyKey(conversationID, firstFragmentID string) string {
	sum := sha256.Sum256([]byte(conversationID + ":" + firstFragmentID))
	return hex.EncodeToString(sum[:])
}

// heartbeat extends the task lease on a ticker until stopped. The last
// extension error is surfaced through stop so the caller can report it.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func startHeartbeat(lease queue.Lease, interval time.Duration) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := lease.Extend(); err != nil {
					hb.mu.Lock()
					hb.err = err
					hb.mu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return hb
}

// stop cancels the ticker, waits for the goroutine to exit, and returns the
// last extension error, if any.
func (h *heartbeat) stop() error {
	h.cancel()
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
