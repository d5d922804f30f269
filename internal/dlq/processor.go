package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const sourceFlush = "flush"

// Processor turns failed flush tasks into persisted DLQ entries.
type Processor struct {
	store DataStore
}

func NewProcessor(store DataStore) *Processor {
	return &Processor{store: store}
}

// DeadLetter persists one failed task. Called from the queue consumer when a
// task exhausts its retries or drops with an operator-relevant reason.
func (p *Processor) DeadLetter(ctx context.Context, subject string, payload []byte, reason string, recoverable bool) error {
	e := Entry{
		DLQID:           uuid.New().String(),
		OriginalSubject: subject,
		OriginalPayload: payload,
		Reason:          reason,
		Source:          sourceFlush,
		FailedAt:        time.Now().UTC(),
		Recoverable:     recoverable,
		RetryHistory:    []RetryAttempt{},
	}
	if err := p.store.Insert(ctx, e); err != nil {
		return err
	}
	slog.Info("dead-lettered task",
		"dlq_id", e.DLQID,
		"subject", subject,
		"reason", reason,
		"recoverable", recoverable,
	)
	return nil
}
