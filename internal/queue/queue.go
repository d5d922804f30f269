// Package queue is the flush-task delay queue on NATS JetStream. JetStream
// has no native per-message delay, so the batching delay rides in the task
// payload as not_before and the consumer defers early deliveries with
// NakWithDelay. Visibility timeout maps to the consumer's AckWait, liveness
// extension to InProgress, bounded redelivery to MaxDeliver; exhausted tasks
// are dead-lettered and terminated.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds pending flush tasks until their consumer acks them.
	StreamName = "FLUSH_TASKS"
	// SubjectFlushTask carries one task per conversation window.
	SubjectFlushTask = "replies.flush.task"
	// SubjectDLQAlert is published whenever a task is dead-lettered, for
	// watchers outside this service.
	SubjectDLQAlert = "dlq.replies.flush"

	consumerName = "replies-flush"
)

// Task is the flush-task payload. NotBefore is the moment the task becomes
// eligible: enqueue time plus the batching window.
type Task struct {
	ConversationID string    `json:"conversation_id"`
	ChannelKey     string    `json:"channel_key"`
	NotBefore      time.Time `json:"not_before"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Outcome is the processor's verdict on one task.
type Outcome int

const (
	// OutcomeAck removes the task: done, or a benign no-op (contention,
	// empty staging).
	OutcomeAck Outcome = iota
	// OutcomeRetry redelivers the task after AckWait, until MaxDeliver.
	OutcomeRetry
	// OutcomeDrop terminates the task without retry.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Result carries the outcome plus dead-letter routing for drops and
// exhausted retries.
type Result struct {
	Outcome Outcome
	Reason  string
	// DeadLetter records the task in the DLQ store on drop. Exhausted
	// retries are always dead-lettered.
	DeadLetter bool
	// Recoverable marks entries the DLQ scanner may republish. Commit
	// anomalies are not recoverable; replaying them risks duplicate
	// external side effects.
	Recoverable bool
}

// Lease extends the task's visibility while external calls run.
type Lease interface {
	Extend() error
}

// Processor handles one due task under a live lease.
type Processor interface {
	Process(ctx context.Context, task Task, lease Lease) Result
}

// DeadLetterer persists tasks that exhausted their retries or dropped with
// operator-relevant reasons.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, subject string, payload []byte, reason string, recoverable bool) error
}

type msgLease struct {
	msg jetstream.Msg
}

func (l *msgLease) Extend() error {
	return l.msg.InProgress()
}

// Queue owns the NATS connection, the stream, and the durable consumer.
type Queue struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	sub jetstream.ConsumeContext

	proc       Processor
	dead       DeadLetterer
	alertFn    func(subject string, alert []byte)
	maxDeliver int

	ctx    context.Context
	cancel context.CancelFunc
}

// SetAlertHandler registers a callback invoked with the original subject and
// the alert payload whenever a task dead-letters. Set before StartConsumer.
func (q *Queue) SetAlertHandler(fn func(subject string, alert []byte)) {
	q.alertFn = fn
}

func New(natsURL string) (*Queue, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	qctx, qcancel := context.WithCancel(context.Background())
	return &Queue{nc: nc, js: js, ctx: qctx, cancel: qcancel}, nil
}

// EnsureStream creates the work-queue stream if it does not exist.
func (q *Queue) EnsureStream(ctx context.Context) error {
	_, err := q.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectFlushTask},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	slog.Info("created stream", "name", StreamName, "subject", SubjectFlushTask)
	return nil
}

// Enqueue publishes one flush task due after the given delay.
func (q *Queue) Enqueue(ctx context.Context, conversationID, channelKey string, delay time.Duration) error {
	now := time.Now().UTC()
	data, err := json.Marshal(Task{
		ConversationID: conversationID,
		ChannelKey:     channelKey,
		NotBefore:      now.Add(delay),
		EnqueuedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("marshal flush task: %w", err)
	}
	if _, err := q.js.Publish(ctx, SubjectFlushTask, data); err != nil {
		return fmt.Errorf("publish flush task: %w", err)
	}
	slog.Debug("enqueued flush task", "conversation_id", conversationID, "not_before", now.Add(delay))
	return nil
}

// StartConsumer binds the durable consumer and begins dispatching tasks to
// the processor. AckWait is the visibility timeout; maxDeliver bounds total
// deliveries including the scheduling hop.
func (q *Queue) StartConsumer(ctx context.Context, proc Processor, dead DeadLetterer, ackWait time.Duration, maxDeliver int) error {
	q.proc = proc
	q.dead = dead
	q.maxDeliver = maxDeliver

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	q.sub = cc
	slog.Info("consuming flush tasks", "consumer", consumerName, "ack_wait", ackWait, "max_deliver", maxDeliver)
	return nil
}

func (q *Queue) handle(msg jetstream.Msg) {
	var task Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		slog.Warn("malformed flush task, dropping", "subject", msg.Subject(), "error", err)
		q.deadLetter(msg, "malformed flush task: "+err.Error(), false)
		_ = msg.TermWithReason("malformed task")
		return
	}

	// A delivery before not_before is the scheduling hop: push it back for
	// the remaining window without consuming a processing attempt.
	if remaining := time.Until(task.NotBefore); remaining > 0 {
		if err := msg.NakWithDelay(remaining); err != nil {
			slog.Warn("failed to defer flush task", "conversation_id", task.ConversationID, "error", err)
		}
		return
	}

	res := q.proc.Process(q.ctx, task, &msgLease{msg: msg})

	switch res.Outcome {
	case OutcomeAck:
		if err := msg.Ack(); err != nil {
			slog.Warn("failed to ack flush task", "conversation_id", task.ConversationID, "error", err)
		}
	case OutcomeRetry:
		if q.exhausted(msg) {
			slog.Error("flush task retries exhausted, dead-lettering",
				"conversation_id", task.ConversationID,
				"reason", res.Reason,
			)
			q.deadLetter(msg, "retries exhausted: "+res.Reason, true)
			_ = msg.Term()
			return
		}
		if err := msg.Nak(); err != nil {
			slog.Warn("failed to nak flush task", "conversation_id", task.ConversationID, "error", err)
		}
	case OutcomeDrop:
		if res.DeadLetter {
			q.deadLetter(msg, res.Reason, res.Recoverable)
		}
		if err := msg.TermWithReason(res.Reason); err != nil {
			slog.Warn("failed to term flush task", "conversation_id", task.ConversationID, "error", err)
		}
	}
}

// exhausted reports whether this delivery is the last one MaxDeliver allows.
func (q *Queue) exhausted(msg jetstream.Msg) bool {
	md, err := msg.Metadata()
	if err != nil || md == nil {
		return false
	}
	return md.NumDelivered >= uint64(q.maxDeliver)
}

func (q *Queue) deadLetter(msg jetstream.Msg, reason string, recoverable bool) {
	if q.dead != nil {
		if err := q.dead.DeadLetter(q.ctx, msg.Subject(), msg.Data(), reason, recoverable); err != nil {
			slog.Error("failed to record dead letter", "subject", msg.Subject(), "error", err)
		}
	}

	alert, err := json.Marshal(map[string]any{
		"subject":     msg.Subject(),
		"reason":      reason,
		"recoverable": recoverable,
		"failed_at":   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if q.alertFn != nil {
		q.alertFn(msg.Subject(), alert)
	}
	if q.nc == nil {
		return
	}
	if err := q.nc.Publish(SubjectDLQAlert, alert); err != nil {
		slog.Warn("failed to publish dlq alert", "error", err)
	}
}

// Publish sends a message on the underlying connection (used by the DLQ
// retry path to replay original subjects).
func (q *Queue) Publish(subject string, data []byte) error {
	return q.nc.Publish(subject, data)
}

// Healthy reports queue connectivity for the health endpoint.
func (q *Queue) Healthy() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Close stops the consumer and drains the connection.
func (q *Queue) Close() {
	q.cancel()
	if q.sub != nil {
		q.sub.Stop()
	}
	if q.nc != nil {
		q.nc.Drain()
	}
}
