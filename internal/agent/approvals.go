package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrApprovalNotFound   = errors.New("tool approval not found")
	ErrApprovalNotPending = errors.New("tool approval is not pending")
)

// DefaultApprovalTimeout bounds how long an approval stays reviewable.
const DefaultApprovalTimeout = 24 * time.Hour

// ApprovalStatus is the review state of a gated tool call.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a tool call held for human review.
type Approval struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	AgentID      string          `json:"agent_id"`
	SessionID    string          `json:"session_id"`
	TurnID       string          `json:"turn_id"`
	Channel      string          `json:"channel"`
	ContactID    string          `json:"contact_id"`
	Tool         string          `json:"tool"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Reasons      []string        `json:"reasons,omitempty"`
	Status       ApprovalStatus  `json:"status"`
	ReviewedBy   string          `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time      `json:"reviewed_at,omitempty"`
	ReviewReason string          `json:"review_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	TimeoutAt    time.Time       `json:"timeout_at"`
}

// ApprovalStore persists gated tool calls for human review.
type ApprovalStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewApprovalStore creates the approval table on db if needed.
func NewApprovalStore(db *sql.DB) (*ApprovalStore, error) {
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS tool_approvals (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			approval_json TEXT NOT NULL,
			reviewed_by TEXT,
			reviewed_at DATETIME,
			review_reason TEXT,
			created_at DATETIME NOT NULL,
			timeout_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON tool_approvals(status);
		CREATE INDEX IF NOT EXISTS idx_approvals_org ON tool_approvals(org_id, status);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating tool_approvals table: %w", err)
	}
	return &ApprovalStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the clock used for timeouts and review times.
func (s *ApprovalStore) SetClock(now func() time.Time) { s.now = now }

// Save persists a new pending approval.
func (s *ApprovalStore) Save(ctx context.Context, a *Approval) error {
	ctx, span := tracer.Start(ctx, "approvals.save",
		trace.WithAttributes(
			attribute.String("approval_id", a.ID),
			attribute.String("org_id", a.OrgID),
			attribute.String("tool.name", a.Tool),
		))
	defer span.End()

	if a.Status == "" {
		a.Status = ApprovalPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.TimeoutAt.IsZero() {
		a.TimeoutAt = a.CreatedAt.Add(DefaultApprovalTimeout)
	}
	approvalJSON, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling approval: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_approvals (id, org_id, session_id, turn_id, status, approval_json, created_at, timeout_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.SessionID, a.TurnID, string(a.Status), string(approvalJSON), a.CreatedAt, a.TimeoutAt.UnixMilli(),
	)
	return err
}

// GetPending returns unexpired approvals awaiting review, optionally for one org.
func (s *ApprovalStore) GetPending(ctx context.Context, orgID string) ([]*Approval, error) {
	query := `SELECT approval_json FROM tool_approvals WHERE status = 'pending' AND timeout_at_ms > ?`
	args := []interface{}{s.now().UnixMilli()}
	if orgID != "" {
		query += ` AND org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var approvalJSON string
		if err := rows.Scan(&approvalJSON); err != nil {
			return nil, err
		}
		var a Approval
		if err := json.Unmarshal([]byte(approvalJSON), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Get returns a single approval by ID.
func (s *ApprovalStore) Get(ctx context.Context, id string) (*Approval, error) {
	var approvalJSON, status string
	var reviewedBy, reviewReason sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_json, status, reviewed_by, reviewed_at, review_reason FROM tool_approvals WHERE id = ?`, id,
	).Scan(&approvalJSON, &status, &reviewedBy, &reviewedAt, &reviewReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal([]byte(approvalJSON), &a); err != nil {
		return nil, fmt.Errorf("unmarshaling approval: %w", err)
	}
	a.Status = ApprovalStatus(status)
	if reviewedBy.Valid {
		a.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	if reviewReason.Valid {
		a.ReviewReason = reviewReason.String
	}
	return &a, nil
}

// Approve marks a pending approval as approved.
func (s *ApprovalStore) Approve(ctx context.Context, id, reviewedBy string) error {
	return s.updateStatus(ctx, id, ApprovalApproved, reviewedBy, "")
}

// Reject marks a pending approval as rejected with a reason.
func (s *ApprovalStore) Reject(ctx context.Context, id, reviewedBy, reason string) error {
	return s.updateStatus(ctx, id, ApprovalRejected, reviewedBy, reason)
}

func (s *ApprovalStore) updateStatus(ctx context.Context, id string, status ApprovalStatus, reviewedBy, reason string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE tool_approvals SET status = ?, reviewed_by = ?, reviewed_at = ?, review_reason = ?
		WHERE id = ? AND status = 'pending' AND timeout_at_ms > ?`,
		string(status), reviewedBy, now, reason, id, now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrApprovalNotFound) {
			return ErrApprovalNotFound
		}
		return ErrApprovalNotPending
	}

	log.Info().Str("approval_id", id).Str("status", string(status)).Str("reviewed_by", reviewedBy).Msg("tool_approval_reviewed")
	return nil
}
