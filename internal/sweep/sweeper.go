// Package sweep is the maintenance loop behind the store's TTL and lock
// guarantees: it frees conversations stuck in processing after a crashed
// flush and emulates row expiry on backends without native TTL.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/junksamiad/replies-engine/internal/store"
)

type Sweeper struct {
	store          store.MaintenanceStore
	interval       time.Duration
	stuckThreshold time.Duration

	done chan struct{}
}

func New(s store.MaintenanceStore, interval, stuckThreshold time.Duration) *Sweeper {
	return &Sweeper{
		store:          s,
		interval:       interval,
		stuckThreshold: stuckThreshold,
		done:           make(chan struct{}),
	}
}

// Start begins the periodic sweep ticker.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has observed shutdown.
func (s *Sweeper) Wait() {
	<-s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	reset, err := s.store.ResetStuckLocks(ctx, s.stuckThreshold)
	if err != nil {
		slog.Error("failed to reset stuck processing locks", "error", err)
	} else if reset > 0 {
		slog.Warn("reset stuck processing locks",
			"count", reset, "stuck_threshold", s.stuckThreshold)
	}

	if s.store.SupportsNativeTTL() {
		return
	}
	purged, err := s.store.PurgeExpired(ctx)
	if err != nil {
		slog.Error("failed to purge expired rows", "error", err)
	} else if purged > 0 {
		slog.Info("purged expired staging rows and triggers", "count", purged)
	}
}
