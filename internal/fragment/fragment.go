package fragment

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fragment is one raw inbound message payload staged for batching. Rows are
// insert-only: the flush worker reads then deletes them, never mutates.
type Fragment struct {
	ConversationID string    `json:"conversation_id"`
	FragmentID     string    `json:"fragment_id"`
	ChannelKey     string    `json:"channel_key"`
	Body           string    `json:"body"`
	ReceivedAt     time.Time `json:"received_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// ErrMissingConversation is returned when a payload has no conversation id.
// There is nothing sensible to default it to, so the fragment is rejected.
var ErrMissingConversation = errors.New("fragment missing conversation_id")

// ErrMissingChannelKey is returned when a payload has no channel key.
var ErrMissingChannelKey = errors.New("fragment missing channel_key")

// ErrEmptyBody is returned when a payload carries no message text.
var ErrEmptyBody = errors.New("fragment has empty body")

// Normalize parses a raw fragment payload and fills in missing fields with
// sensible defaults. Provider message ids are unique per actual send, so a
// generated id only appears when the provider sent none at all.
func Normalize(raw []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return Fragment{}, err
	}

	f.ConversationID = strings.TrimSpace(f.ConversationID)
	if f.ConversationID == "" {
		return Fragment{}, ErrMissingConversation
	}
	f.ChannelKey = strings.TrimSpace(f.ChannelKey)
	if f.ChannelKey == "" {
		return Fragment{}, ErrMissingChannelKey
	}
	if strings.TrimSpace(f.Body) == "" {
		return Fragment{}, ErrEmptyBody
	}

	if f.FragmentID == "" {
		f.FragmentID = uuid.New().String()
		slog.Warn("fragment missing provider id, generated one",
			"conversation_id", f.ConversationID,
			"fragment_id", f.FragmentID,
		)
	}

	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now().UTC()
	}

	return f, nil
}

// Batch is the ephemeral in-memory grouping of one conversation's staged
// fragments. It exists only between the flush worker's staging read and its
// commit; it is never persisted.
type Batch struct {
	ConversationID string
	ChannelKey     string
	Fragments      []Fragment
}

// ErrChannelKeyMismatch indicates fragments staged under one conversation
// disagree about the company-side address they arrived on.
var ErrChannelKeyMismatch = errors.New("fragments disagree on channel_key")

// Assemble sorts fragments by (received_at, fragment_id) and verifies every
// fragment carries the same channel key. The input slice is not modified.
func Assemble(conversationID string, frags []Fragment) (Batch, error) {
	if len(frags) == 0 {
		return Batch{}, fmt.Errorf("assemble %s: no fragments", conversationID)
	}

	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ReceivedAt.Equal(sorted[j].ReceivedAt) {
			return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
		}
		return sorted[i].FragmentID < sorted[j].FragmentID
	})

	key := sorted[0].ChannelKey
	for _, f := range sorted {
		if f.ChannelKey != key {
			return Batch{}, fmt.Errorf("assemble %s: %w: %q vs %q",
				conversationID, ErrChannelKeyMismatch, key, f.ChannelKey)
		}
	}

	return Batch{
		ConversationID: conversationID,
		ChannelKey:     key,
		Fragments:      sorted,
	}, nil
}

// MergedBody joins the batch's fragment bodies, oldest first, into the one
// logical user turn handed to the AI service.
func (b Batch) MergedBody() string {
	parts := make([]string, len(b.Fragments))
	for i, f := range b.Fragments {
		parts[i] = f.Body
	}
	return strings.Join(parts, "\n")
}

// FragmentIDs returns the ids consumed by this batch, in merge order. The
// flush worker deletes exactly these after a successful commit.
func (b Batch) FragmentIDs() []string {
	ids := make([]string, len(b.Fragments))
	for i, f := range b.Fragments {
		ids[i] = f.FragmentID
	}
	return ids
}
