package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage persists one conversation message.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO messages (id, session_id, turn_id, role, content, notice, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.TurnID, m.Role, m.Content, m.Notice, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages of the session,
// oldest first. An empty role returns every role.
func (s *Store) RecentMessages(ctx context.Context, sessionID, role string, limit int) ([]Message, error) {
	return s.recentMessages(ctx, sessionID, role, false, limit)
}

// RecentReplies returns up to limit most recent model-written assistant
// messages, oldest first. Notices are skipped.
func (s *Store) RecentReplies(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.recentMessages(ctx, sessionID, RoleAssistant, true, limit)
}

func (s *Store) recentMessages(ctx context.Context, sessionID, role string, skipNotices bool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, session_id, turn_id, role, content, notice, created_at FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	if skipNotices {
		query += ` AND notice = 0`
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content, &m.Notice, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CreateEscalation persists a fired escalation.
func (s *Store) CreateEscalation(ctx context.Context, e *Escalation) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO escalations (id, org_id, session_id, turn_id, reason, urgency, trigger_type, checkpoint, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.SessionID, e.TurnID, e.Reason, e.Urgency, e.TriggerType, e.Checkpoint, e.Status, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating escalation: %w", err)
	}
	return nil
}

// ListEscalations returns a session's escalations, newest first.
func (s *Store) ListEscalations(ctx context.Context, sessionID string) ([]Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, org_id, session_id, turn_id, reason, urgency, trigger_type, checkpoint, status, created_at, resolved_at
		FROM escalations WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing escalations: %w", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var e Escalation
		var resolved sql.NullTime
		if err := rows.Scan(&e.ID, &e.OrgID, &e.SessionID, &e.TurnID, &e.Reason, &e.Urgency, &e.TriggerType,
			&e.Checkpoint, &e.Status, &e.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		if resolved.Valid {
			e.ResolvedAt = resolved.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEscalations sets status on every open escalation of the session.
func (s *Store) UpdateEscalations(ctx context.Context, sessionID, status string, resolvedAt time.Time) error {
	_, err := s.exec(ctx, `UPDATE escalations SET status = ?, resolved_at = ? WHERE session_id = ? AND status != 'resolved'`,
		status, nullTime(resolvedAt), sessionID)
	if err != nil {
		return fmt.Errorf("updating escalations: %w", err)
	}
	return nil
}

// InsertDeadLetter durably records undelivered content.
func (s *Store) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO dead_letters (id, org_id, session_id, turn_id, channel, recipient_id, content, conversation_ref, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrgID, d.SessionID, d.TurnID, d.Channel, d.RecipientID, d.Content, d.ConversationRef, d.Error, d.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the org's dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, orgID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, org_id, session_id, turn_id, channel, recipient_id, content, conversation_ref, error, created_at
		FROM dead_letters WHERE org_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.OrgID, &d.SessionID, &d.TurnID, &d.Channel, &d.RecipientID, &d.Content,
			&d.ConversationRef, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
