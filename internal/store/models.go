package store

import (
	"encoding/json"
	"time"
)

// ReceiptStatus is the lifecycle of an inbound receipt.
type ReceiptStatus string

// Receipt statuses.
const (
	ReceiptAccepted   ReceiptStatus = "accepted"
	ReceiptProcessing ReceiptStatus = "processing"
	ReceiptCompleted  ReceiptStatus = "completed"
	ReceiptFailed     ReceiptStatus = "failed"
	ReceiptDuplicate  ReceiptStatus = "duplicate"
)

// Receipt is the idempotency record of one raw inbound event.
type Receipt struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	SessionID      string            `json:"session_id"`
	AgentID        string            `json:"agent_id"`
	Channel        string            `json:"channel"`
	ContactID      string            `json:"contact_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         ReceiptStatus     `json:"status"`
	DuplicateCount int               `json:"duplicate_count"`
	FirstSeenAt    time.Time         `json:"first_seen_at"`
	LastSeenAt     time.Time         `json:"last_seen_at"`
	TurnID         string            `json:"turn_id,omitempty"`
	DeliverableRef string            `json:"deliverable_ref,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TurnState is the lifecycle state of a turn.
type TurnState string

// Turn states.
const (
	TurnQueued    TurnState = "queued"
	TurnRunning   TurnState = "running"
	TurnSuspended TurnState = "suspended"
	TurnCompleted TurnState = "completed"
	TurnCancelled TurnState = "cancelled"
	TurnFailed    TurnState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnCancelled || s == TurnFailed
}

// Turn is one processing cycle for one inbound message.
type Turn struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	SessionID      string    `json:"session_id"`
	AgentID        string    `json:"agent_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	State          TurnState `json:"state"`
	Version        int64     `json:"transition_version"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseToken     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasActiveLease reports whether an unexpired lease is held at now.
func (t *Turn) HasActiveLease(now time.Time) bool {
	return t.LeaseToken != "" && t.LeaseExpiresAt.After(now)
}

// TurnUpdate is the full replacement of a turn's mutable fields applied by
// CompareAndSwapTurn.
type TurnUpdate struct {
	State          TurnState
	LeaseOwner     string
	LeaseToken     string
	LeaseExpiresAt time.Time
	FailureReason  string
}

// Transition is one edge in a turn's lifecycle graph.
type Transition struct {
	TurnID     string            `json:"turn_id"`
	From       TurnState         `json:"from"`
	To         TurnState         `json:"to"`
	Version    int64             `json:"version"`
	Checkpoint string            `json:"checkpoint,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Session lifecycle statuses.
const (
	SessionOpen      = "open"
	SessionHandedOff = "handed_off"
	SessionClosed    = "closed"
	SessionExpired   = "expired"
)

// RoutingPin remembers the last model and auth profile that succeeded.
type RoutingPin struct {
	ModelID   string    `json:"model_id,omitempty"`
	ProfileID string    `json:"profile_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	PinnedAt  time.Time `json:"pinned_at,omitempty"`
}

// Session is long-lived conversation state.
type Session struct {
	ID               string         `json:"id"`
	OrgID            string         `json:"org_id"`
	AgentID          string         `json:"agent_id"`
	Channel          string         `json:"channel"`
	ContactID        string         `json:"contact_id"`
	Status           string         `json:"status"`
	EscalationStatus string         `json:"escalation_status"`
	Pin              RoutingPin     `json:"routing_pin"`
	DisabledTools    []string       `json:"disabled_tools"`
	ToolFailures     map[string]int `json:"tool_failures"`
	MessageCount     int            `json:"message_count"`
	TokensUsed       int            `json:"tokens_used"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Message roles persisted per session.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted conversation message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	// Notice marks fixed runtime text (error catalog, hold messages) sent as
	// the assistant.
	Notice    bool      `json:"notice,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Escalation is the durable record of a fired escalation trigger.
type Escalation struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id,omitempty"`
	Reason      string    `json:"reason"`
	Urgency     string    `json:"urgency"`
	TriggerType string    `json:"trigger_type"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// DeadLetter is outbound content that could not be delivered.
type DeadLetter struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	SessionID       string    `json:"session_id,omitempty"`
	TurnID          string    `json:"turn_id,omitempty"`
	Channel         string    `json:"channel"`
	RecipientID     string    `json:"recipient_id"`
	Content         string    `json:"content"`
	ConversationRef string    `json:"conversation_ref,omitempty"`
	Error           string    `json:"error"`
	CreatedAt       time.Time `json:"created_at"`
}

// TaskStatus is the lifecycle of a scheduled task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is a durable delayed callback.
type Task struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       TaskStatus      `json:"status"`
	DueAt        time.Time       `json:"due_at"`
	ClaimedUntil time.Time       `json:"claimed_until,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
