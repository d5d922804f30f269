package fragment

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestNormalize_FillsDefaults(t *testing.T) {
	raw := []byte(`{"conversation_id":"c1","channel_key":"webhook:acme","body":"hello"}`)

	f, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FragmentID == "" {
		t.Error("expected a generated fragment id")
	}
	if f.ReceivedAt.IsZero() {
		t.Error("expected received_at defaulted to now")
	}
}

func TestNormalize_KeepsProviderFields(t *testing.T) {
	raw := []byte(`{"conversation_id":"c1","channel_key":"webhook:acme","fragment_id":"SM123","body":"hi","received_at":"2026-03-01T10:00:00Z"}`)

	f, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.FragmentID != "SM123" {
		t.Errorf("expected provider id kept, got %s", f.FragmentID)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !f.ReceivedAt.Equal(want) {
		t.Errorf("expected received_at %v, got %v", want, f.ReceivedAt)
	}
}

func TestNormalize_RejectsMissingConversation(t *testing.T) {
	_, err := Normalize([]byte(`{"channel_key":"webhook:acme","body":"hi"}`))
	if !errors.Is(err, ErrMissingConversation) {
		t.Errorf("expected ErrMissingConversation, got %v", err)
	}
}

func TestNormalize_RejectsMissingChannelKey(t *testing.T) {
	_, err := Normalize([]byte(`{"conversation_id":"c1","body":"hi"}`))
	if !errors.Is(err, ErrMissingChannelKey) {
		t.Errorf("expected ErrMissingChannelKey, got %v", err)
	}
}

func TestNormalize_RejectsEmptyBody(t *testing.T) {
	_, err := Normalize([]byte(`{"conversation_id":"c1","channel_key":"webhook:acme","body":"  "}`))
	if !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

func TestNormalize_RejectsMalformedJSON(t *testing.T) {
	if _, err := Normalize([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func makeFrag(id, body string, at time.Time) Fragment {
	return Fragment{
		ConversationID: "c1",
		FragmentID:     id,
		ChannelKey:     "webhook:acme",
		Body:           body,
		ReceivedAt:     at,
	}
}

func TestAssemble_OrdersChronologically(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frags := []Fragment{
		makeFrag("f3", "third", base.Add(2*time.Second)),
		makeFrag("f1", "first", base),
		makeFrag("f2", "second", base.Add(time.Second)),
	}

	b, err := Assemble("c1", frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.MergedBody(); got != "first\nsecond\nthird" {
		t.Errorf("expected chronological merge, got %q", got)
	}
}

func TestAssemble_TiebreaksOnFragmentID(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frags := []Fragment{
		makeFrag("b", "later", at),
		makeFrag("a", "earlier", at),
	}

	b, err := Assemble("c1", frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.MergedBody(); got != "earlier\nlater" {
		t.Errorf("expected fragment-id tiebreak, got %q", got)
	}
}

func TestAssemble_RandomInsertionOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ordered := []Fragment{
		makeFrag("f1", "a", base),
		makeFrag("f2", "b", base.Add(1*time.Second)),
		makeFrag("f3", "c", base.Add(2*time.Second)),
		makeFrag("f4", "d", base.Add(3*time.Second)),
		makeFrag("f5", "e", base.Add(4*time.Second)),
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]Fragment, len(ordered))
		copy(shuffled, ordered)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		b, err := Assemble("c1", shuffled)
		if err != nil {
			t.Fatalf("trial %d: unexpected error: %v", trial, err)
		}
		if got := b.MergedBody(); got != "a\nb\nc\nd\ne" {
			t.Fatalf("trial %d: expected deterministic order, got %q", trial, got)
		}
	}
}

func TestAssemble_ChannelKeyMismatch(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frags := []Fragment{
		makeFrag("f1", "a", at),
		{ConversationID: "c1", FragmentID: "f2", ChannelKey: "email:other", Body: "b", ReceivedAt: at.Add(time.Second)},
	}

	_, err := Assemble("c1", frags)
	if !errors.Is(err, ErrChannelKeyMismatch) {
		t.Errorf("expected ErrChannelKeyMismatch, got %v", err)
	}
}

func TestAssemble_EmptyBatchIsError(t *testing.T) {
	if _, err := Assemble("c1", nil); err == nil {
		t.Error("expected error for empty fragment set")
	}
}

func TestAssemble_DoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	frags := []Fragment{
		makeFrag("f2", "b", base.Add(time.Second)),
		makeFrag("f1", "a", base),
	}

	if _, err := Assemble("c1", frags); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frags[0].FragmentID != "f2" {
		t.Error("input slice order should be untouched")
	}
}

func TestFragmentIDs_MatchMergeOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := Assemble("c1", []Fragment{
		makeFrag("f2", "b", base.Add(time.Second)),
		makeFrag("f1", "a", base),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := b.FragmentIDs()
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "f2" {
		t.Errorf("expected [f1 f2], got %v", ids)
	}
}
