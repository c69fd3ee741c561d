package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const turnColumns = `id, org_id, session_id, agent_id, idempotency_key, state, transition_version,
	lease_owner, lease_token, lease_expires_at_ms, failure_reason, created_at, updated_at`

// CreateTurn inserts t in state queued at version 1. A second call with the
// same (org_id, idempotency_key) returns the existing turn and false.
func (s *Store) CreateTurn(ctx context.Context, t *Turn) (*Turn, bool, error) {
	ctx, span := s.span(ctx, "store.create_turn",
		attribute.String("org_id", t.OrgID),
		attribute.String("session_id", t.SessionID))
	defer span.End()

	now := s.now()
	if t.State == "" {
		t.State = TurnQueued
	}
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now

	var stored *Turn
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO turns (`+turnColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 1, '', '', 0, '', ?, ?)
			ON CONFLICT(org_id, idempotency_key) DO NOTHING`,
			t.ID, t.OrgID, t.SessionID, t.AgentID, t.IdempotencyKey, string(t.State), now, now)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE org_id = ? AND idempotency_key = ?`,
			t.OrgID, t.IdempotencyKey)
		stored, err = scanTurn(row)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("creating turn: %w", err)
	}
	return stored, stored.ID == t.ID, nil
}

// GetTurn loads a turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if err != nil {
		return nil, fmt.Errorf("getting turn %s: %w", id, err)
	}
	return t, nil
}

// GetTurnByKey loads the turn spawned for an org's idempotency key.
func (s *Store) GetTurnByKey(ctx context.Context, orgID, key string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE org_id = ? AND idempotency_key = ?`, orgID, key)
	t, err := scanTurn(row)
	if err != nil {
		return nil, fmt.Errorf("getting turn by key: %w", err)
	}
	return t, nil
}

// CompareAndSwapTurn applies u only if the stored transition version equals
// expected, and bumps the version in the same statement. It returns the new
// version, ErrVersionConflict when another writer got there first, or
// ErrNotFound.
func (s *Store) CompareAndSwapTurn(ctx context.Context, id string, expected int64, u TurnUpdate) (int64, error) {
	ctx, span := s.span(ctx, "store.cas_turn",
		attribute.String("turn.id", id),
		attribute.Int64("turn.expected_version", expected),
		attribute.String("turn.next_state", string(u.State)))
	defer span.End()

	res, err := s.exec(ctx, `UPDATE turns SET
			state = ?, lease_owner = ?, lease_token = ?, lease_expires_at_ms = ?, failure_reason = ?,
			transition_version = transition_version + 1, updated_at = ?
		WHERE id = ? AND transition_version = ?`,
		string(u.State), u.LeaseOwner, u.LeaseToken, toMillis(u.LeaseExpiresAt), u.FailureReason, s.now(),
		id, expected)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("updating turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating turn: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM turns WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("turn %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("turn %s at version %d: %w", id, expected, ErrVersionConflict)
	}
	return expected + 1, nil
}

// ListTurnsBySession returns the session's turns, oldest first, optionally
// filtered by state.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionID string, states ...TurnState) ([]Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = ?`
	args := []any{sessionID}
	if len(states) > 0 {
		query += ` AND state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	return s.queryTurns(ctx, query, args...)
}

// LatestTurn returns the most recently created turn of a session.
func (s *Store) LatestTurn(ctx context.Context, sessionID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID)
	t, err := scanTurn(row)
	if err != nil {
		return nil, fmt.Errorf("latest turn for %s: %w", sessionID, err)
	}
	return t, nil
}

// ListExpiredRunningTurns returns running turns whose lease expired before now.
func (s *Store) ListExpiredRunningTurns(ctx context.Context, now time.Time, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTurns(ctx, `SELECT `+turnColumns+` FROM turns
		WHERE state = 'running' AND lease_expires_at_ms < ? ORDER BY updated_at ASC LIMIT ?`,
		now.UnixMilli(), limit)
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// AppendTransition records one lifecycle edge.
func (s *Store) AppendTransition(ctx context.Context, tr Transition) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO turn_transitions (turn_id, from_state, to_state, version, checkpoint, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.TurnID, string(tr.From), string(tr.To), tr.Version, tr.Checkpoint, marshalJSON(tr.Metadata, "{}"), tr.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("appending transition: %w", err)
	}
	return nil
}

// ListTransitions returns a turn's edges in insertion order.
func (s *Store) ListTransitions(ctx context.Context, turnID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT turn_id, from_state, to_state, version, checkpoint, metadata_json, created_at
		FROM turn_transitions WHERE turn_id = ? ORDER BY seq ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to, meta string
		if err := rows.Scan(&tr.TurnID, &from, &to, &tr.Version, &tr.Checkpoint, &meta, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		tr.From, tr.To = TurnState(from), TurnState(to)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &tr.Metadata)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	var state string
	var expiresMS int64
	err := row.Scan(&t.ID, &t.OrgID, &t.SessionID, &t.AgentID, &t.IdempotencyKey, &state, &t.Version,
		&t.LeaseOwner, &t.LeaseToken, &expiresMS, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.State = TurnState(state)
	t.LeaseExpiresAt = fromMillis(expiresMS)
	return &t, nil
}
