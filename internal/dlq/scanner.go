package dlq

import (
	"context"
	"log/slog"
	"time"
)

// recoveryGrace keeps freshly failed entries out of automatic replay so an
// operator has a window to discard them first.
const recoveryGrace = 5 * time.Minute

// Scanner periodically replays recoverable entries that have aged past the
// grace period.
type Scanner struct {
	store    DataStore
	pub      Publisher
	interval time.Duration

	done chan struct{}
}

func NewScanner(store DataStore, pub Publisher, interval time.Duration) *Scanner {
	return &Scanner{
		store:    store,
		pub:      pub,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic recovery scan.
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
			case <-ctx.Done():
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the scanner has stopped.
func (s *Scanner) Wait() {
	<-s.done
}

func (s *Scanner) scan(ctx context.Context) {
	entries, err := s.store.ListRecoverable(ctx)
	if err != nil {
		slog.Error("dlq recovery scan failed", "error", err)
		return
	}

	replayed := 0
	for _, e := range entries {
		if time.Since(e.FailedAt) < recoveryGrace {
			continue
		}

		if err := s.pub.Publish(e.OriginalSubject, e.OriginalPayload); err != nil {
			slog.Warn("dlq replay publish failed", "dlq_id", e.DLQID, "error", err)
			continue
		}

		attempt := RetryAttempt{At: time.Now().UTC(), By: "scanner", Outcome: "republished"}
		if err := s.store.AppendRetry(ctx, e.DLQID, attempt); err != nil {
			slog.Warn("dlq retry history append failed", "dlq_id", e.DLQID, "error", err)
		}
		if err := s.store.MarkRecovered(ctx, e.DLQID, "scanner"); err != nil {
			slog.Error("dlq mark recovered failed", "dlq_id", e.DLQID, "error", err)
			continue
		}
		replayed++
	}

	if replayed > 0 {
		slog.Info("dlq recovery scan replayed entries", "count", replayed)
	}
}
