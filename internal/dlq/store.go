package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists entries in the replies_dlq table. It shares the engine's
// connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the DLQ table if it is missing. Idempotent, runs at
// boot alongside the engine schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replies_dlq (
			dlq_id           text PRIMARY KEY,
			original_subject text NOT NULL,
			original_payload jsonb NOT NULL,
			reason           text NOT NULL,
			source           text NOT NULL,
			failed_at        timestamptz NOT NULL,
			recoverable      boolean NOT NULL DEFAULT false,
			recovered        boolean NOT NULL DEFAULT false,
			recovered_at     timestamptz,
			recovered_by     text NOT NULL DEFAULT '',
			retry_history    jsonb NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replies_dlq_open
			ON replies_dlq (recovered, failed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure dlq schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, e Entry) error {
	history := e.RetryHistory
	if history == nil {
		history = []RetryAttempt{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal retry history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO replies_dlq
			(dlq_id, original_subject, original_payload, reason, source,
			 failed_at, recoverable, recovered, recovered_by, retry_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.DLQID, e.OriginalSubject, e.OriginalPayload, e.Reason, e.Source,
		e.FailedAt, e.Recoverable, e.Recovered, e.RecoveredBy, historyJSON)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

const entryColumns = `dlq_id, original_subject, original_payload, reason, source,
	failed_at, recoverable, recovered, recovered_at, recovered_by, retry_history`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var historyJSON []byte
	err := row.Scan(&e.DLQID, &e.OriginalSubject, &e.OriginalPayload, &e.Reason,
		&e.Source, &e.FailedAt, &e.Recoverable, &e.Recovered, &e.RecoveredAt,
		&e.RecoveredBy, &historyJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(historyJSON, &e.RetryHistory); err != nil {
		return nil, fmt.Errorf("decode retry history: %w", err)
	}
	return &e, nil
}

func (s *Store) Get(ctx context.Context, dlqID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM replies_dlq WHERE dlq_id = $1`, dlqID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, opts ListOpts) ([]Entry, error) {
	var where []string
	var args []any

	if opts.Recovered != nil {
		args = append(args, *opts.Recovered)
		where = append(where, "recovered = $"+strconv.Itoa(len(args)))
	}
	if opts.Reason != "" {
		args = append(args, opts.Reason)
		where = append(where, "reason = $"+strconv.Itoa(len(args)))
	}
	if opts.Source != "" {
		args = append(args, opts.Source)
		where = append(where, "source = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + entryColumns + ` FROM replies_dlq`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failed_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) MarkRecovered(ctx context.Context, dlqID, recoveredBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replies_dlq
		SET recovered = true, recovered_at = now(), recovered_by = $2
		WHERE dlq_id = $1 AND NOT recovered
	`, dlqID, recoveredBy)
	if err != nil {
		return fmt.Errorf("mark dlq entry recovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dlq entry %s missing or already recovered", dlqID)
	}
	return nil
}

func (s *Store) AppendRetry(ctx context.Context, dlqID string, attempt RetryAttempt) error {
	attemptJSON, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal retry attempt: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE replies_dlq
		SET retry_history = retry_history || $2::jsonb
		WHERE dlq_id = $1
	`, dlqID, attemptJSON)
	if err != nil {
		return fmt.Errorf("append dlq retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListRecoverable(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM replies_dlq
		WHERE recoverable AND NOT recovered
		ORDER BY failed_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list recoverable dlq entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE NOT recovered),
		       count(*) FILTER (WHERE recoverable AND NOT recovered)
		FROM replies_dlq
	`).Scan(&st.Total, &st.Unrecovered, &st.Recoverable)
	if err != nil {
		return nil, fmt.Errorf("dlq stats totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT reason, source, count(*)
		FROM replies_dlq
		WHERE NOT recovered
		GROUP BY reason, source
	`)
	if err != nil {
		return nil, fmt.Errorf("dlq stats breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason, source string
		var n int
		if err := rows.Scan(&reason, &source, &n); err != nil {
			return nil, fmt.Errorf("scan dlq stats: %w", err)
		}
		st.ByReason[reason] += n
		st.BySource[source] += n
	}
	return st, rows.Err()
}
