// Package testutil holds the shared in-memory store used by coordinator and
// API tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/fragment"
	"github.com/junksamiad/replies-engine/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore.
// Its conditional operations follow the real backends' semantics exactly:
// idempotent staging inserts, expiry-aware trigger acquires, and the
// status-guarded lock and commit paths.
type MockStore struct {
	mu sync.Mutex

	Fragments map[string][]fragment.Fragment // keyed by conversation_id
	Triggers  map[string]time.Time           // conversation_id to expires_at
	Records   map[string]*conversation.Record
	Usage     map[string]store.UsageDay // keyed by channel_key|day

	PutFragmentErr    error
	ListFragmentsErr  error
	DeleteErr         error
	AcquireTriggerErr error
	GetErr            error
	TryAcquireErr     error
	ReleaseErr        error
	CommitErr         error
	AddUsageErr       error

	TryAcquireCalls int
	CommitCalls     int
	ReleaseCalls    int
	DeleteCalls     int
	TriggerReleases int

	NativeTTL bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		Fragments: make(map[string][]fragment.Fragment),
		Triggers:  make(map[string]time.Time),
		Records:   make(map[string]*conversation.Record),
		Usage:     make(map[string]store.UsageDay),
	}
}

func recordKey(channelKey, conversationID string) string {
	return channelKey + "|" + conversationID
}

func (m *MockStore) PutFragment(_ context.Context, frag fragment.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutFragmentErr != nil {
		return m.PutFragmentErr
	}
	for _, existing := range m.Fragments[frag.ConversationID] {
		if existing.FragmentID == frag.FragmentID {
			return nil
		}
	}
	m.Fragments[frag.ConversationID] = append(m.Fragments[frag.ConversationID], frag)
	return nil
}

func (m *MockStore) ListFragments(_ context.Context, conversationID string) ([]fragment.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListFragmentsErr != nil {
		return nil, m.ListFragmentsErr
	}
	now := time.Now().UTC()
	var out []fragment.Fragment
	for _, f := range m.Fragments[conversationID] {
		if !f.ExpiresAt.IsZero() && !f.ExpiresAt.After(now) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *MockStore) DeleteFragments(_ context.Context, conversationID string, fragmentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	drop := make(map[string]bool, len(fragmentIDs))
	for _, id := range fragmentIDs {
		drop[id] = true
	}
	var kept []fragment.Fragment
	for _, f := range m.Fragments[conversationID] {
		if !drop[f.FragmentID] {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(m.Fragments, conversationID)
	} else {
		m.Fragments[conversationID] = kept
	}
	return nil
}

func (m *MockStore) AcquireTrigger(_ context.Context, conversationID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AcquireTriggerErr != nil {
		return false, m.AcquireTriggerErr
	}
	now := time.Now().UTC()
	if expires, ok := m.Triggers[conversationID]; ok && expires.After(now) {
		return false, nil
	}
	m.Triggers[conversationID] = now.Add(ttl)
	return true, nil
}

func (m *MockStore) ReleaseTrigger(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TriggerReleases++
	delete(m.Triggers, conversationID)
	return nil
}

func (m *MockStore) GetConversation(_ context.Context, channelKey, conversationID string) (*conversation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	rec, ok := m.Records[recordKey(channelKey, conversationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Messages = append([]conversation.Message(nil), rec.Messages...)
	return &cp, nil
}

func (m *MockStore) PutConversation(_ context.Context, rec conversation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	if rec.Messages == nil {
		rec.Messages = []conversation.Message{}
	}
	m.Records[recordKey(rec.ChannelKey, rec.ConversationID)] = &rec
	return nil
}

func (m *MockStore) TryAcquire(_ context.Context, channelKey, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TryAcquireCalls++
	if m.TryAcquireErr != nil {
		return false, m.TryAcquireErr
	}
	now := time.Now().UTC()
	key := recordKey(channelKey, conversationID)
	rec, ok := m.Records[key]
	if !ok {
		m.Records[key] = &conversation.Record{
			ChannelKey:     channelKey,
			ConversationID: conversationID,
			Status:         conversation.StatusProcessing,
			Messages:       []conversation.Message{},
			LockedAt:       now,
			UpdatedAt:      now,
		}
		return true, nil
	}
	if rec.Status == conversation.StatusProcessing {
		return false, nil
	}
	rec.Status = conversation.StatusProcessing
	rec.LockedAt = now
	rec.UpdatedAt = now
	return true, nil
}

func (m *MockStore) Release(_ context.Context, channelKey, conversationID string, to conversation.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCalls++
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	rec, ok := m.Records[recordKey(channelKey, conversationID)]
	if !ok || rec.Status != conversation.StatusProcessing {
		return nil
	}
	rec.Status = to
	rec.LockedAt = time.Time{}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) CommitTurn(_ context.Context, channelKey, conversationID string, turn conversation.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitCalls++
	if m.CommitErr != nil {
		return m.CommitErr
	}
	rec, ok := m.Records[recordKey(channelKey, conversationID)]
	if !ok || rec.Status != conversation.StatusProcessing {
		return store.ErrLockLost
	}
	rec.Messages = append(rec.Messages, turn.User, turn.Assistant)
	if turn.AISessionID != "" {
		rec.AISessionID = turn.AISessionID
	}
	rec.Status = conversation.StatusReplied
	rec.LockedAt = time.Time{}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) ResetStuckLocks(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	reset := 0
	for _, rec := range m.Records {
		if rec.Status == conversation.StatusProcessing && !rec.LockedAt.IsZero() && rec.LockedAt.Before(cutoff) {
			rec.Status = conversation.StatusErrored
			rec.LockedAt = time.Time{}
			reset++
		}
	}
	return reset, nil
}

func (m *MockStore) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	purged := 0
	for convID, frags := range m.Fragments {
		var kept []fragment.Fragment
		for _, f := range frags {
			if !f.ExpiresAt.IsZero() && !f.ExpiresAt.After(now) {
				purged++
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) == 0 {
			delete(m.Fragments, convID)
		} else {
			m.Fragments[convID] = kept
		}
	}
	for convID, expires := range m.Triggers {
		if !expires.After(now) {
			delete(m.Triggers, convID)
			purged++
		}
	}
	return purged, nil
}

func (m *MockStore) SupportsNativeTTL() bool {
	return m.NativeTTL
}

func (m *MockStore) AddUsage(_ context.Context, channelKey string, day time.Time, turns, inputTokens, outputTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddUsageErr != nil {
		return m.AddUsageErr
	}
	date := day.UTC().Format("2006-01-02")
	key := channelKey + "|" + date
	u := m.Usage[key]
	u.ChannelKey = channelKey
	u.Day = date
	u.Turns += turns
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	m.Usage[key] = u
	return nil
}

func (m *MockStore) ChannelUsage(_ context.Context, channelKey string) (store.UsageDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest store.UsageDay
	found := false
	for _, u := range m.Usage {
		if u.ChannelKey != channelKey {
			continue
		}
		if !found || u.Day > latest.Day {
			latest = u
			found = true
		}
	}
	if !found {
		return store.UsageDay{}, store.ErrNotFound
	}
	return latest, nil
}

func (m *MockStore) UsageSummary(_ context.Context) ([]store.UsageDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[string]store.UsageDay)
	for _, u := range m.Usage {
		if prev, ok := latest[u.ChannelKey]; !ok || u.Day > prev.Day {
			latest[u.ChannelKey] = u
		}
	}
	out := make([]store.UsageDay, 0, len(latest))
	for _, u := range latest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelKey < out[j].ChannelKey })
	return out, nil
}

func (m *MockStore) Depths(_ context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frags := 0
	for _, fs := range m.Fragments {
		frags += len(fs)
	}
	return frags, len(m.Triggers), nil
}

func (m *MockStore) Close() {}

// SetRecord seeds a conversation for testing.
func (m *MockStore) SetRecord(rec conversation.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Messages == nil {
		rec.Messages = []conversation.Message{}
	}
	m.Records[recordKey(rec.ChannelKey, rec.ConversationID)] = &rec
}

// Record returns a copy of a seeded or mutated conversation.
func (m *MockStore) Record(channelKey, conversationID string) (conversation.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Records[recordKey(channelKey, conversationID)]
	if !ok {
		return conversation.Record{}, false
	}
	cp := *rec
	cp.Messages = append([]conversation.Message(nil), rec.Messages...)
	return cp, true
}

// FragmentCount returns how many rows are staged for a conversation.
func (m *MockStore) FragmentCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Fragments[conversationID])
}

// TriggerHeld reports whether an unexpired trigger row exists.
func (m *MockStore) TriggerHeld(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.Triggers[conversationID]
	return ok && expires.After(time.Now().UTC())
}
