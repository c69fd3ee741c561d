package agent

import (
	"errors"

	"github.com/voundbrand/vc83-com-sub003/internal/lease"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

// Outcome is the terminal path a turn took.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeEscalated        Outcome = "escalated"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeLeaseConflict    Outcome = "lease_conflict"
	OutcomeFatal            Outcome = "fatal"
	OutcomeLoop             Outcome = "loop"
	OutcomeError            Outcome = "error"
)

// ErrorClass is the failure taxonomy of a turn.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassDegraded  ErrorClass = "degraded"
	ClassFatal     ErrorClass = "fatal"
	ClassLoop      ErrorClass = "loop"
)

var (
	// ErrToolLoop is returned when the model repeats the same tool call.
	ErrToolLoop = errors.New("tool call loop detected")
	// ErrCreditsExhausted is returned when the org has no credits left.
	ErrCreditsExhausted = errors.New("credits exhausted")
	// ErrPanic wraps a recovered panic inside the pipeline.
	ErrPanic = errors.New("pipeline panic")
)

// Catalog keys for fixed user-facing messages.
const (
	MsgModelUnavailable = "model_unavailable"
	MsgCreditsExhausted = "credits_exhausted"
	MsgLoop             = "loop"
	MsgInternal         = "internal"
	MsgApprovalPending  = "approval_pending"
	MsgApprovalExecuted = "approval_executed"
	MsgApprovalRejected = "approval_rejected"
	MsgApprovalFailed   = "approval_failed"
)

// userMessages never expose internal error text; the owner gets that
// through a separate notification.
var userMessages = map[string]string{
	MsgModelUnavailable: "Sorry, I'm having trouble answering right now. Our team has been notified and will follow up.",
	MsgCreditsExhausted: "Sorry, this assistant is temporarily unavailable. Our team has been notified.",
	MsgLoop:             "Sorry, I got stuck working on that. Our team has been notified and will follow up.",
	MsgInternal:         "Sorry, something went wrong on our side. Our team has been notified.",
	MsgApprovalPending:  "I need a team member to approve this action first. I'll follow up as soon as it has been reviewed.",
	MsgApprovalExecuted: "Your request has been approved and completed.",
	MsgApprovalRejected: "A team member reviewed your request and it could not be completed. They will follow up with you.",
	MsgApprovalFailed:   "Your request was approved but could not be completed. Our team has been notified.",
}

// UserMessage returns the catalog text for key.
func UserMessage(key string) string {
	if m, ok := userMessages[key]; ok {
		return m
	}
	return userMessages[MsgInternal]
}

// Classify maps a pipeline error to the failure taxonomy. Anything the turn
// cannot recover from locally is fatal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolLoop):
		return ClassLoop
	case errors.Is(err, ErrCreditsExhausted),
		errors.Is(err, llm.ErrNoCandidates),
		errors.Is(err, llm.ErrAllCandidatesFailed),
		errors.Is(err, ErrPanic):
		return ClassFatal
	case errors.Is(err, lease.ErrConflict), retry.IsRetryable(err):
		return ClassTransient
	default:
		return ClassFatal
	}
}

func messageKeyFor(err error) string {
	switch {
	case errors.Is(err, ErrCreditsExhausted):
		return MsgCreditsExhausted
	case errors.Is(err, ErrToolLoop):
		return MsgLoop
	case errors.Is(err, llm.ErrNoCandidates), errors.Is(err, llm.ErrAllCandidatesFailed):
		return MsgModelUnavailable
	default:
		return MsgInternal
	}
}
