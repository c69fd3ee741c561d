// Package store persists the turn runtime state in SQLite: inbound receipts,
// turns with their compare-and-swap transition version, sessions, messages,
// escalations, transition edges, dead letters and delayed tasks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/store")

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap finds that the
	// stored transition version has moved past the expected one.
	ErrVersionConflict = errors.New("transition version conflict")
)

// Store is the SQLite-backed persistence collaborator.
type Store struct {
	db   *sql.DB
	busy *retry.Executor
	now  func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	contact_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	status TEXT NOT NULL,
	duplicate_count INTEGER NOT NULL DEFAULT 0,
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	turn_id TEXT NOT NULL DEFAULT '',
	deliverable_ref TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	UNIQUE(org_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_receipts_turn ON receipts(turn_id);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	state TEXT NOT NULL,
	transition_version INTEGER NOT NULL DEFAULT 1,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_token TEXT NOT NULL DEFAULT '',
	lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(org_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, state);
CREATE INDEX IF NOT EXISTS idx_turns_lease ON turns(state, lease_expires_at_ms);

CREATE TABLE IF NOT EXISTS turn_transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	version INTEGER NOT NULL,
	checkpoint TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_turn ON turn_transitions(turn_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	contact_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	escalation_status TEXT NOT NULL DEFAULT 'none',
	pin_model_id TEXT NOT NULL DEFAULT '',
	pin_profile_id TEXT NOT NULL DEFAULT '',
	pin_reason TEXT NOT NULL DEFAULT '',
	pin_at TIMESTAMP,
	disabled_tools_json TEXT NOT NULL DEFAULT '[]',
	tool_failures_json TEXT NOT NULL DEFAULT '{}',
	message_count INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_org ON sessions(org_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	notice INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, role);

CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	turn_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	urgency TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	checkpoint TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_escalations_session ON escalations(session_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	turn_id TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	content TEXT NOT NULL,
	conversation_ref TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_org ON dead_letters(org_id);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	due_at_ms INTEGER NOT NULL,
	claimed_until_ms INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, due_at_ms);
`

// Open opens (or creates) the runtime database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening runtime database: %w", err)
	}
	// one writer connection; readers never hold rows open across statements
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating runtime schema: %w", err)
	}

	return &Store{
		db: db,
		busy: retry.New(retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			Multiplier:  2,
			Jitter:      0.25,
			MaxDelay:    500 * time.Millisecond,
			Retryable:   isBusy,
		}),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for components that keep their own tables in the
// same file (scheduler, approvals).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.busy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// inTx runs fn inside a transaction, retrying the whole transaction while
// SQLite reports the database busy.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.busy.Do(ctx, func(ctx context.Context, _ int) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// isBusy reports SQLITE_BUSY / SQLITE_LOCKED.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return fallback
	}
	return string(b)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
