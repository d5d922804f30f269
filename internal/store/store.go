package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/junksamiad/replies-engine/internal/conversation"
	"github.com/junksamiad/replies-engine/internal/fragment"
)

// Store is the Postgres-backed DataStore. Conditional operations are plain
// guarded statements checked via rows-affected; TTL is emulated with
// expires_at columns purged by the sweeper.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool for sibling stores that share
// the same database, such as the DLQ store.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates the three engine tables if they are missing. It is
// idempotent and runs at boot, before the consumers start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS staging_fragments (
			conversation_id text NOT NULL,
			fragment_id     text NOT NULL,
			channel_key     text NOT NULL,
			body            text NOT NULL,
			received_at     timestamptz NOT NULL,
			expires_at      timestamptz NOT NULL,
			PRIMARY KEY (conversation_id, fragment_id)
		)`,
		`CREATE INDEX IF NOT EXISTS staging_fragments_expires_idx
			ON staging_fragments (expires_at)`,
		`CREATE TABLE IF NOT EXISTS trigger_locks (
			conversation_id text PRIMARY KEY,
			expires_at      timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			channel_key     text NOT NULL,
			conversation_id text NOT NULL,
			status          text NOT NULL DEFAULT 'open',
			messages        jsonb NOT NULL DEFAULT '[]',
			ai_session_id   text,
			credential_ref  text,
			destination     text,
			locked_at       timestamptz,
			updated_at      timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (channel_key, conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_stuck_idx
			ON conversations (status, locked_at)`,
		`CREATE TABLE IF NOT EXISTS channel_usage (
			channel_key   text NOT NULL,
			usage_date    date NOT NULL,
			turns         bigint NOT NULL DEFAULT 0,
			input_tokens  bigint NOT NULL DEFAULT 0,
			output_tokens bigint NOT NULL DEFAULT 0,
			updated_at    timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (channel_key, usage_date)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutFragment stages one fragment. Re-delivered fragments with the same
// (conversation_id, fragment_id) are absorbed by ON CONFLICT DO NOTHING.
func (s *Store) PutFragment(ctx context.Context, frag fragment.Fragment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staging_fragments (conversation_id, fragment_id, channel_key, body, received_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, fragment_id) DO NOTHING
	`, frag.ConversationID, frag.FragmentID, frag.ChannelKey, frag.Body, frag.ReceivedAt, frag.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put fragment: %w", err)
	}
	slog.Debug("staged fragment", "conversation_id", frag.ConversationID, "fragment_id", frag.FragmentID)
	return nil
}

// ListFragments returns all staged fragments for a conversation in merge
// order. Expired rows the sweeper has not reached yet are excluded.
func (s *Store) ListFragments(ctx context.Context, conversationID string) ([]fragment.Fragment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, fragment_id, channel_key, body, received_at, expires_at
		FROM staging_fragments
		WHERE conversation_id = $1 AND expires_at > now()
		ORDER BY received_at, fragment_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var frags []fragment.Fragment
	for rows.Next() {
		var f fragment.Fragment
		if err := rows.Scan(&f.ConversationID, &f.FragmentID, &f.ChannelKey, &f.Body, &f.ReceivedAt, &f.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// DeleteFragments removes consumed fragments. Missing rows are not an error,
// so cleanup stays idempotent.
func (s *Store) DeleteFragments(ctx context.Context, conversationID string, fragmentIDs []string) error {
	if len(fragmentIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM staging_fragments
		WHERE conversation_id = $1 AND fragment_id = ANY($2)
	`, conversationID, fragmentIDs)
	if err != nil {
		return fmt.Errorf("delete fragments: %w", err)
	}
	return nil
}

// AcquireTrigger performs the conditional insert that dedupes flush
// scheduling. An existing row that has expired counts as absent and is taken
// over. Returns false when a live trigger is already held.
func (s *Store) AcquireTrigger(ctx context.Context, conversationID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trigger_locks (conversation_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE trigger_locks.expires_at <= now()
	`, conversationID, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire trigger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTrigger deletes the trigger row. Deleting an absent row is a no-op.
func (s *Store) ReleaseTrigger(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM trigger_locks WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("release trigger: %w", err)
	}
	return nil
}

// GetConversation returns the full record, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, channelKey, conversationID string) (*conversation.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT channel_key, conversation_id, status, messages, ai_session_id, credential_ref, destination, locked_at, updated_at
		FROM conversations
		WHERE channel_key = $1 AND conversation_id = $2
	`, channelKey, conversationID)

	var (
		rec      conversation.Record
		status   string
		messages []byte
		session  *string
		credRef  *string
		dest     *string
		lockedAt *time.Time
	)
	if err := row.Scan(&rec.ChannelKey, &rec.ConversationID, &status, &messages, &session, &credRef, &dest, &lockedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	rec.Status = conversation.Status(status)
	if err := json.Unmarshal(messages, &rec.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if session != nil {
		rec.AISessionID = *session
	}
	if credRef != nil {
		rec.CredentialRef = *credRef
	}
	if dest != nil {
		rec.Destination = *dest
	}
	if lockedAt != nil {
		rec.LockedAt = *lockedAt
	}
	return &rec, nil
}

// PutConversation upserts a record wholesale. This is the provisioning path;
// the flush pipeline never calls it.
func (s *Store) PutConversation(ctx context.Context, rec conversation.Record) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	if rec.Messages == nil {
		messages = []byte(`[]`)
	}
	status := rec.Status
	if status == "" {
		status = conversation.StatusOpen
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (channel_key, conversation_id, status, messages, ai_session_id, credential_ref, destination, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), now())
		ON CONFLICT (channel_key, conversation_id) DO UPDATE SET
			status = EXCLUDED.status,
			messages = EXCLUDED.messages,
			ai_session_id = EXCLUDED.ai_session_id,
			credential_ref = EXCLUDED.credential_ref,
			destination = EXCLUDED.destination,
			updated_at = now()
	`, rec.ChannelKey, rec.ConversationID, string(status), messages, rec.AISessionID, rec.CredentialRef, rec.Destination)
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// TryAcquire flips the record into StatusProcessing, creating it first when
// absent. The guard rides on ON CONFLICT's WHERE clause: a record already in
// StatusProcessing leaves zero rows affected, which reports contention.
func (s *Store) TryAcquire(ctx context.Context, channelKey, conversationID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (channel_key, conversation_id, status, messages, locked_at, updated_at)
		VALUES ($1, $2, 'processing', '[]'::jsonb, now(), now())
		ON CONFLICT (channel_key, conversation_id) DO UPDATE
		SET status = 'processing', locked_at = now(), updated_at = now()
		WHERE conversations.status <> 'processing'
	`, channelKey, conversationID)
	if err != nil {
		return false, fmt.Errorf("acquire processing lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release resets a held lock to an idle or error state. It only touches rows
// still in StatusProcessing; releasing a lock someone else already settled
// is a silent no-op.
func (s *Store) Release(ctx context.Context, channelKey, conversationID string, to conversation.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $3, locked_at = NULL, updated_at = now()
		WHERE channel_key = $1 AND conversation_id = $2 AND status = 'processing'
	`, channelKey, conversationID, string(to))
	if err != nil {
		return fmt.Errorf("release processing lock: %w", err)
	}
	return nil
}

// CommitTurn appends the user and assistant messages in one guarded update
// and settles the record as replied. ErrLockLost reports a failed guard: the
// record was not in StatusProcessing, so another actor interfered after our
// acquire.
func (s *Store) CommitTurn(ctx context.Context, channelKey, conversationID string, turn conversation.Turn) error {
	appended, err := json.Marshal([]conversation.Message{turn.User, turn.Assistant})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET messages = messages || $3::jsonb,
		    ai_session_id = COALESCE(NULLIF($4, ''), ai_session_id),
		    status = 'replied',
		    locked_at = NULL,
		    updated_at = now()
		WHERE channel_key = $1 AND conversation_id = $2 AND status = 'processing'
	`, channelKey, conversationID, appended, turn.AISessionID)
	if err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockLost
	}
	return nil
}

// ResetStuckLocks moves conversations that have sat in StatusProcessing past
// the threshold into the error state so the next window can reacquire them.
func (s *Store) ResetStuckLocks(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = 'error', locked_at = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stuck locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired deletes staging fragments and trigger locks past their
// expires_at. This is the TTL emulation for Postgres.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	total := 0
	tag, err := s.pool.Exec(ctx, `DELETE FROM staging_fragments WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired fragments: %w", err)
	}
	total += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM trigger_locks WHERE expires_at <= now()`)
	if err != nil {
		return total, fmt.Errorf("purge expired triggers: %w", err)
	}
	total += int(tag.RowsAffected())
	return total, nil
}

// SupportsNativeTTL is false for Postgres; the sweeper owns expiry.
func (s *Store) SupportsNativeTTL() bool {
	return false
}

// AddUsage folds one committed turn into the channel's rollup for the day.
func (s *Store) AddUsage(ctx context.Context, channelKey string, day time.Time, turns, inputTokens, outputTokens int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_usage (channel_key, usage_date, turns, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_key, usage_date) DO UPDATE SET
			turns = channel_usage.turns + EXCLUDED.turns,
			input_tokens = channel_usage.input_tokens + EXCLUDED.input_tokens,
			output_tokens = channel_usage.output_tokens + EXCLUDED.output_tokens,
			updated_at = now()
	`, channelKey, day.UTC().Format("2006-01-02"), turns, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// ChannelUsage returns the channel's most recent rollup day, or ErrNotFound.
func (s *Store) ChannelUsage(ctx context.Context, channelKey string) (UsageDay, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT channel_key, usage_date, turns, input_tokens, output_tokens
		FROM channel_usage
		WHERE channel_key = $1
		ORDER BY usage_date DESC
		LIMIT 1
	`, channelKey)

	var (
		u    UsageDay
		date time.Time
	)
	if err := row.Scan(&u.ChannelKey, &date, &u.Turns, &u.InputTokens, &u.OutputTokens); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageDay{}, ErrNotFound
		}
		return UsageDay{}, fmt.Errorf("channel usage: %w", err)
	}
	u.Day = date.Format("2006-01-02")
	return u, nil
}

// UsageSummary returns the latest rollup day for every channel.
func (s *Store) UsageSummary(ctx context.Context) ([]UsageDay, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (channel_key)
		       channel_key, usage_date, turns, input_tokens, output_tokens
		FROM channel_usage
		ORDER BY channel_key, usage_date DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsageDay
	for rows.Next() {
		var (
			u    UsageDay
			date time.Time
		)
		if err := rows.Scan(&u.ChannelKey, &date, &u.Turns, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.Day = date.Format("2006-01-02")
		out = append(out, u)
	}
	return out, rows.Err()
}

// Depths reports live staging and trigger row counts for the health
// endpoint.
func (s *Store) Depths(ctx context.Context) (int, int, error) {
	var fragments, triggers int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM staging_fragments WHERE expires_at > now()`).Scan(&fragments); err != nil {
		return 0, 0, fmt.Errorf("count fragments: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trigger_locks WHERE expires_at > now()`).Scan(&triggers); err != nil {
		return 0, 0, fmt.Errorf("count triggers: %w", err)
	}
	return fragments, triggers, nil
}
