// Package usage folds committed AI turns into per-channel daily token
// rollups. Accounting is fire-and-forget: a failed write is logged and
// never changes a flush task's outcome.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/junksamiad/replies-engine/internal/llm"
	"github.com/junksamiad/replies-engine/internal/store"
)

type Recorder struct {
	store store.UsageStore
}

func NewRecorder(s store.UsageStore) *Recorder {
	return &Recorder{store: s}
}

// RecordTurn adds one committed turn's token counts to today's rollup for
// the channel.
func (r *Recorder) RecordTurn(ctx context.Context, channelKey string, u llm.Usage) {
	if err := r.store.AddUsage(ctx, channelKey, time.Now().UTC(), 1, u.InputTokens, u.OutputTokens); err != nil {
		slog.Error("failed to record channel usage",
			"channel_key", channelKey, "error", err)
	}
}
