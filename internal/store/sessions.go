package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

const sessionColumns = `id, org_id, agent_id, channel, contact_id, status, escalation_status,
	pin_model_id, pin_profile_id, pin_reason, pin_at, disabled_tools_json, tool_failures_json,
	message_count, tokens_used, created_at, updated_at`

// EnsureSession inserts sess if no session with its id exists and returns the
// stored row. Existing sessions are left untouched.
func (s *Store) EnsureSession(ctx context.Context, sess *Session) (*Session, error) {
	now := s.now()
	status := sess.Status
	if status == "" {
		status = SessionOpen
	}
	esc := sess.EscalationStatus
	if esc == "" {
		esc = "none"
	}
	_, err := s.exec(ctx, `INSERT INTO sessions (id, org_id, agent_id, channel, contact_id, status, escalation_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.OrgID, sess.AgentID, sess.Channel, sess.ContactID, status, esc, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring session: %w", err)
	}
	return s.GetSession(ctx, sess.ID)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// SetSessionStatus updates the session lifecycle status.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	return s.updateSession(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
}

// SetEscalationStatus sets the escalation status unconditionally.
func (s *Store) SetEscalationStatus(ctx context.Context, id, status string) error {
	return s.updateSession(ctx, `UPDATE sessions SET escalation_status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
}

// TransitionEscalationStatus moves the escalation status to `to` only when the
// current value is one of from. It reports whether the row changed.
func (s *Store) TransitionEscalationStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	query := `UPDATE sessions SET escalation_status = ?, updated_at = ? WHERE id = ? AND escalation_status IN (?`
	args := []any{to, s.now(), id, from[0]}
	for _, f := range from[1:] {
		query += `, ?`
		args = append(args, f)
	}
	query += `)`
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning escalation status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetRoutingPin stores the last successful model and auth profile.
func (s *Store) SetRoutingPin(ctx context.Context, id string, pin RoutingPin) error {
	if pin.PinnedAt.IsZero() {
		pin.PinnedAt = s.now()
	}
	return s.updateSession(ctx, `UPDATE sessions SET pin_model_id = ?, pin_profile_id = ?, pin_reason = ?, pin_at = ?, updated_at = ?
		WHERE id = ?`, pin.ModelID, pin.ProfileID, pin.Reason, pin.PinnedAt.UTC(), s.now(), id)
}

// RecordToolFailure increments the session failure count for tool and returns
// the new count.
func (s *Store) RecordToolFailure(ctx context.Context, id, tool string) (int, error) {
	var count int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT tool_failures_json FROM sessions WHERE id = ?`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		failures := map[string]int{}
		_ = json.Unmarshal([]byte(raw), &failures)
		failures[tool]++
		count = failures[tool]
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET tool_failures_json = ?, updated_at = ? WHERE id = ?`,
			marshalJSON(failures, "{}"), s.now(), id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recording tool failure: %w", err)
	}
	return count, nil
}

// DisableTool adds tool to the session's disabled set. Idempotent.
func (s *Store) DisableTool(ctx context.Context, id, tool string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT disabled_tools_json FROM sessions WHERE id = ?`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		var disabled []string
		_ = json.Unmarshal([]byte(raw), &disabled)
		if slices.Contains(disabled, tool) {
			return nil
		}
		disabled = append(disabled, tool)
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET disabled_tools_json = ?, updated_at = ? WHERE id = ?`,
			marshalJSON(disabled, "[]"), s.now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("disabling tool: %w", err)
	}
	return nil
}

// AddSessionStats adds to the message and token counters.
func (s *Store) AddSessionStats(ctx context.Context, id string, messages, tokens int) error {
	return s.updateSession(ctx, `UPDATE sessions SET message_count = message_count + ?, tokens_used = tokens_used + ?, updated_at = ?
		WHERE id = ?`, messages, tokens, s.now(), id)
}

func (s *Store) updateSession(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating session: %w", ErrNotFound)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var pinAt sql.NullTime
	var disabledJSON, failuresJSON string
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.AgentID, &sess.Channel, &sess.ContactID, &sess.Status,
		&sess.EscalationStatus, &sess.Pin.ModelID, &sess.Pin.ProfileID, &sess.Pin.Reason, &pinAt,
		&disabledJSON, &failuresJSON, &sess.MessageCount, &sess.TokensUsed, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pinAt.Valid {
		sess.Pin.PinnedAt = pinAt.Time
	}
	_ = json.Unmarshal([]byte(disabledJSON), &sess.DisabledTools)
	sess.ToolFailures = map[string]int{}
	_ = json.Unmarshal([]byte(failuresJSON), &sess.ToolFailures)
	return &sess, nil
}
