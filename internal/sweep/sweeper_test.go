package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/testutil"
)

func TestSweepResetsStuckLocks(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.SetRecord(conversation.Record{
		ChannelKey:     "whatsapp:t",
		ConversationID: "conv-stuck",
		Status:         conversation.StatusProcessing,
		LockedAt:       time.Now().UTC().Add(-time.Hour),
	})
	ms.SetRecord(conversation.Record{
		ChannelKey:     "whatsapp:t",
		ConversationID: "conv-live",
		Status:         conversation.StatusProcessing,
		LockedAt:       time.Now().UTC(),
	})

	s := New(ms, time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	stuck, _ := ms.Record("whatsapp:t", "conv-stuck")
	if stuck.Status != conversation.StatusErrored {
		t.Errorf("stuck lock status = %s, want error", stuck.Status)
	}
	live, _ := ms.Record("whatsapp:t", "conv-live")
	if live.Status != conversation.StatusProcessing {
		t.Errorf("live lock status = %s, a fresh lock must survive the sweep", live.Status)
	}
}

func TestSweepPurgesExpiredRows(t *testing.T) {
	ms := testutil.NewMockStore()
	_ = ms.PutFragment(context.Background(), fragment.Fragment{
		ConversationID: "conv-1",
		FragmentID:     "frag-old",
		ChannelKey:     "whatsapp:t",
		Body:           "hello",
		ReceivedAt:     time.Now().UTC().Add(-48 * time.Hour),
		ExpiresAt:      time.Now().UTC().Add(-24 * time.Hour),
	})
	ms.Triggers["conv-1"] = time.Now().UTC().Add(-time.Minute)

	s := New(ms, time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	frags, triggers, _ := ms.Depths(context.Background())
	if frags != 0 || triggers != 0 {
		t.Errorf("depths after purge = %d/%d, want 0/0", frags, triggers)
	}
}

func TestSweepSkipsPurgeWithNativeTTL(t *testing.T) {
	ms := testutil.NewMockStore()
	ms.NativeTTL = true
	_ = ms.PutFragment(context.Background(), fragment.Fragment{
		ConversationID: "conv-1",
		FragmentID:     "frag-old",
		ChannelKey:     "whatsapp:t",
		Body:           "hello",
		ReceivedAt:     time.Now().UTC().Add(-48 * time.Hour),
		ExpiresAt:      time.Now().UTC().Add(-24 * time.Hour),
	})

	s := New(ms, time.Minute, 10*time.Minute)
	s.sweep(context.Background())

	// The row stays: the backend's own TTL is responsible for it.
	if len(ms.Fragments["conv-1"]) != 1 {
		t.Error("sweeper purged rows on a native-TTL backend")
	}
}

func TestSweeperStartStop(t *testing.T) {
	ms := testutil.NewMockStore()
	s := New(ms, 10*time.Millisecond, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	doneCh := make(chan struct{})
	go func() {
		s.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
