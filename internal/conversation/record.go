// Package conversation defines the canonical per-conversation record and its
// status machine. The record's status field doubles as the processing lock:
// all mutation of the message history goes through the store's conditional
// commit guarded by StatusProcessing.
package conversation

import "time"

// Status enumerates the conversation lifecycle states. Open and Replied are
// the idle variants; Processing marks single-owner flush work in flight;
// Errored parks a conversation after a permanent failure until the next
// flush (or an operator) picks it back up.
type Status string

const (
	StatusOpen       Status = "open"
	StatusReplied    Status = "replied"
	StatusProcessing Status = "processing"
	StatusErrored    Status = "error"
)

// Idle reports whether the status permits a new flush to acquire the lock.
// Errored counts as acquirable: the lock condition is "not processing", so a
// later window can recover a conversation a failed run parked in error.
func (s Status) Idle() bool {
	return s != StatusProcessing
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusReplied, StatusProcessing, StatusErrored:
		return true
	}
	return false
}

// Message is one entry in a conversation's append-only history.
type Message struct {
	Role              string    `json:"role"`
	Content           string    `json:"content"`
	SentAt            time.Time `json:"sent_at"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AIResponseID      string    `json:"ai_response_id,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is the canonical conversation state. ChannelKey plus ConversationID
// form the composite key. Routing and credential fields are written by the
// provisioning layer; this service only reads them during hydration.
type Record struct {
	ChannelKey     string    `json:"channel_key"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Messages       []Message `json:"messages"`
	AISessionID    string    `json:"ai_session_id,omitempty"`
	CredentialRef  string    `json:"credential_ref,omitempty"`
	Destination    string    `json:"destination,omitempty"`
	LockedAt       time.Time `json:"locked_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IdleStatus returns the idle variant a released lock should settle on:
// Replied when the last message on record is an assistant turn, Open
// otherwise.
func (r *Record) IdleStatus() Status {
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == RoleAssistant {
		return StatusReplied
	}
	return StatusOpen
}

// Turn is the pair of messages a successful flush appends atomically.
type Turn struct {
	User      Message
	Assistant Message
	// AISessionID carries the continuation token the AI service returned;
	// the commit persists it for the next window's hydration.
	AISessionID string
}
