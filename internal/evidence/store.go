// Package evidence keeps an HMAC-signed audit record for every turn.
//
// Each turn, whatever its outcome, produces one Evidence record that is
// signed (HMAC-SHA256) and persisted in SQLite. Records can be listed as
// compact index rows, fetched in full by id or turn, verified, and exported.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/toolscope"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/evidence")

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("evidence not found")

// Store persists HMAC-signed evidence records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// Evidence is the full audit record of a single turn.
type Evidence struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	OrgID         string          `json:"org_id"`
	AgentID       string          `json:"agent_id"`
	SessionID     string          `json:"session_id"`
	TurnID        string          `json:"turn_id"`
	ReceiptID     string          `json:"receipt_id,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Outcome       string          `json:"outcome"`
	ErrorClass    string          `json:"error_class,omitempty"`
	PolicyVersion string          `json:"policy_version,omitempty"`
	Routing       Routing         `json:"routing"`
	ToolScope     *ToolScope      `json:"tool_scope,omitempty"`
	Knowledge     *KnowledgeUsage `json:"knowledge,omitempty"`
	ToolCalls     []ToolCall      `json:"tool_calls,omitempty"`
	Escalation    *Escalation     `json:"escalation,omitempty"`
	Execution     Execution       `json:"execution"`
	Delivery      Delivery        `json:"delivery"`
	AuditTrail    AuditTrail      `json:"audit_trail"`
	Signature     string          `json:"signature"`
}

// Routing records model and credential selection.
type Routing struct {
	Candidates    []string      `json:"candidates,omitempty"`
	ModelUsed     string        `json:"model_used,omitempty"`
	ProfileID     string        `json:"profile_id,omitempty"`
	BillingSource string        `json:"billing_source,omitempty"`
	Attempts      []llm.Attempt `json:"attempts,omitempty"`
}

// ToolScope is the resolved tool set and the per-layer removals.
type ToolScope struct {
	Allowed []string        `json:"allowed"`
	Audit   toolscope.Audit `json:"audit"`
}

// KnowledgeUsage summarizes the composed knowledge context.
type KnowledgeUsage struct {
	Documents   int      `json:"documents"`
	TokenBudget int      `json:"token_budget"`
	TokensUsed  int      `json:"tokens_used"`
	Dropped     int      `json:"dropped"`
	Truncated   int      `json:"truncated"`
	BytesUsed   int      `json:"bytes_used"`
	SourceTags  []string `json:"source_tags,omitempty"`
	Failed      bool     `json:"failed,omitempty"`
}

// ToolCall is one tool call requested by the model.
type ToolCall struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Decision   string `json:"decision,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Escalation records a trigger fired during the turn.
type Escalation struct {
	ID          string `json:"id,omitempty"`
	TriggerType string `json:"trigger_type"`
	Urgency     string `json:"urgency"`
	Checkpoint  string `json:"checkpoint"`
	Reason      string `json:"reason"`
}

// Execution captures model usage.
type Execution struct {
	Rounds     int        `json:"rounds"`
	Tokens     TokenUsage `json:"tokens"`
	DurationMS int64      `json:"duration_ms"`
	Degraded   []string   `json:"degraded,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// TokenUsage captures prompt/completion token counts.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Delivery records what happened to the outbound reply.
type Delivery struct {
	Status       string `json:"status"`
	MessageID    string `json:"message_id,omitempty"`
	DeadLetterID string `json:"dead_letter_id,omitempty"`
}

// AuditTrail contains content hashes for integrity verification.
type AuditTrail struct {
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash"`
}

// NewStore creates an evidence store with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening evidence database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		org_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		evidence_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_org ON evidence(org_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_evidence_agent ON evidence(agent_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_turn ON evidence(turn_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence(session_id, timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating evidence schema: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store saves evidence with an HMAC signature.
func (s *Store) Store(ctx context.Context, ev *Evidence) error {
	ctx, span := tracer.Start(ctx, "evidence.store",
		trace.WithAttributes(
			attribute.String("evidence.id", ev.ID),
			attribute.String("org_id", ev.OrgID),
			attribute.String("turn_id", ev.TurnID),
		))
	defer span.End()

	ev.Signature = ""
	evidenceJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	signature, err := s.signer.Sign(evidenceJSON)
	if err != nil {
		return fmt.Errorf("signing evidence: %w", err)
	}
	ev.Signature = signature
	evidenceJSONWithSig, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO evidence
		(id, correlation_id, timestamp, org_id, agent_id, session_id, turn_id, outcome, evidence_json, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CorrelationID, ev.Timestamp.UTC(), ev.OrgID, ev.AgentID, ev.SessionID, ev.TurnID,
		ev.Outcome, string(evidenceJSONWithSig), signature,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing evidence: %w", err)
	}
	return nil
}

// Get retrieves evidence by id.
func (s *Store) Get(ctx context.Context, id string) (*Evidence, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()
	return s.getOne(ctx, `SELECT evidence_json FROM evidence WHERE id = ?`, id)
}

// GetByTurn returns the most recent record of a turn.
func (s *Store) GetByTurn(ctx context.Context, turnID string) (*Evidence, error) {
	ctx, span := tracer.Start(ctx, "evidence.get_by_turn",
		trace.WithAttributes(attribute.String("turn_id", turnID)))
	defer span.End()
	return s.getOne(ctx, `SELECT evidence_json FROM evidence WHERE turn_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT 1`, turnID)
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (*Evidence, error) {
	var evidenceJSON string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&evidenceJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}
	var ev Evidence
	if err := json.Unmarshal([]byte(evidenceJSON), &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence: %w", err)
	}
	return &ev, nil
}

// Filter narrows List and ListIndex. Zero fields match everything.
type Filter struct {
	OrgID     string
	AgentID   string
	SessionID string
	Outcome   string
	From      time.Time
	To        time.Time
	Limit     int
}

// List returns evidence records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Evidence, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(
			attribute.String("org_id", f.OrgID),
			attribute.String("agent_id", f.AgentID),
		))
	defer span.End()

	query := `SELECT evidence_json FROM evidence WHERE 1=1`
	args := []interface{}{}
	if f.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, f.OrgID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}
	defer rows.Close()

	var results []Evidence
	for rows.Next() {
		var evidenceJSON string
		if err := rows.Scan(&evidenceJSON); err != nil {
			continue
		}
		var ev Evidence
		if err := json.Unmarshal([]byte(evidenceJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

// Verify checks the HMAC signature integrity of an evidence record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("evidence.id", id)))
	defer span.End()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.verify(ev)
}

// VerifyTurn checks the signature of the most recent record of a turn.
func (s *Store) VerifyTurn(ctx context.Context, turnID string) (*Evidence, bool, error) {
	ev, err := s.GetByTurn(ctx, turnID)
	if err != nil {
		return nil, false, err
	}
	ok, err := s.verify(ev)
	return ev, ok, err
}

func (s *Store) verify(ev *Evidence) (bool, error) {
	signature := ev.Signature
	cp := *ev
	cp.Signature = ""
	evidenceJSON, err := json.Marshal(&cp)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(evidenceJSON, signature), nil
}

// Index is a lightweight summary of a record.
type Index struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	OrgID      string    `json:"org_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	Outcome    string    `json:"outcome"`
	ModelUsed  string    `json:"model_used,omitempty"`
	Tokens     int       `json:"tokens"`
	DurationMS int64     `json:"duration_ms"`
	HasError   bool      `json:"has_error"`
}

// ListIndex returns compact summaries matching f.
func (s *Store) ListIndex(ctx context.Context, f Filter) ([]Index, error) {
	full, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Index, 0, len(full))
	for i := range full {
		out = append(out, toIndex(&full[i]))
	}
	return out, nil
}

// OutcomeCounts tallies outcomes for an org since from.
func (s *Store) OutcomeCounts(ctx context.Context, orgID string, from time.Time) (map[string]int, error) {
	ctx, span := tracer.Start(ctx, "evidence.outcome_counts",
		trace.WithAttributes(attribute.String("org_id", orgID)))
	defer span.End()

	query := `SELECT outcome, COUNT(*) FROM evidence WHERE 1=1`
	args := []interface{}{}
	if orgID != "" {
		query += ` AND org_id = ?`
		args = append(args, orgID)
	}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	query += ` GROUP BY outcome`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func toIndex(full *Evidence) Index {
	return Index{
		ID:         full.ID,
		Timestamp:  full.Timestamp,
		OrgID:      full.OrgID,
		AgentID:    full.AgentID,
		SessionID:  full.SessionID,
		TurnID:     full.TurnID,
		Outcome:    full.Outcome,
		ModelUsed:  full.Routing.ModelUsed,
		Tokens:     full.Execution.Tokens.Input + full.Execution.Tokens.Output,
		DurationMS: full.Execution.DurationMS,
		HasError:   full.Execution.Error != "",
	}
}
