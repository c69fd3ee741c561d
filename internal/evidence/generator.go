package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Generator creates and persists evidence records.
type Generator struct {
	store *Store
	now   func() time.Time
}

// NewGenerator creates an evidence generator backed by the given store.
func NewGenerator(store *Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// SetClock replaces the timestamp source.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Store returns the backing store.
func (g *Generator) Store() *Store { return g.store }

// GenerateParams holds all inputs for creating an evidence record. The
// orchestrator fills it when a turn settles; raw message text is only hashed.
type GenerateParams struct {
	CorrelationID string
	OrgID         string
	AgentID       string
	SessionID     string
	TurnID        string
	ReceiptID     string
	Channel       string
	Outcome       string
	ErrorClass    string
	PolicyVersion string
	Routing       Routing
	ToolScope     *ToolScope
	Knowledge     *KnowledgeUsage
	ToolCalls     []ToolCall
	Escalation    *Escalation
	Rounds        int
	Tokens        TokenUsage
	DurationMS    int64
	Degraded      []string
	Error         string
	Delivery      Delivery
	InputText     string
	OutputText    string
}

// Generate creates and stores an evidence record from the given parameters.
func (g *Generator) Generate(ctx context.Context, params GenerateParams) (*Evidence, error) {
	ev := &Evidence{
		ID:            "ev_" + uuid.New().String()[:12],
		CorrelationID: params.CorrelationID,
		Timestamp:     g.now().UTC(),
		OrgID:         params.OrgID,
		AgentID:       params.AgentID,
		SessionID:     params.SessionID,
		TurnID:        params.TurnID,
		ReceiptID:     params.ReceiptID,
		Channel:       params.Channel,
		Outcome:       params.Outcome,
		ErrorClass:    params.ErrorClass,
		PolicyVersion: params.PolicyVersion,
		Routing:       params.Routing,
		ToolScope:     params.ToolScope,
		Knowledge:     params.Knowledge,
		ToolCalls:     params.ToolCalls,
		Escalation:    params.Escalation,
		Execution: Execution{
			Rounds:     params.Rounds,
			Tokens:     params.Tokens,
			DurationMS: params.DurationMS,
			Degraded:   params.Degraded,
			Error:      Redact(params.Error),
		},
		Delivery: params.Delivery,
		AuditTrail: AuditTrail{
			InputHash:  hashString(params.InputText),
			OutputHash: hashString(params.OutputText),
		},
	}

	if err := g.store.Store(ctx, ev); err != nil {
		return nil, err
	}
	log.Debug().
		Str("evidence_id", ev.ID).
		Str("turn_id", ev.TurnID).
		Str("outcome", ev.Outcome).
		Msg("evidence_recorded")
	return ev, nil
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
