package agent

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DefaultToolFailureThreshold is how many failures of one tool in one
// session disable it for the rest of the session.
const DefaultToolFailureThreshold = 3

// FailureStore persists per-session tool failure counts.
type FailureStore interface {
	RecordToolFailure(ctx context.Context, sessionID, tool string) (int, error)
	DisableTool(ctx context.Context, sessionID, tool string) error
}

// ToolFailureTracker counts tool execution failures per session. A tool that
// keeps failing is disabled for the session so later turns run without it,
// which the degraded-mode prompt section then discloses to the model.
type ToolFailureTracker struct {
	store     FailureStore
	threshold int
}

// NewToolFailureTracker creates a tracker. threshold <= 0 defaults to
// DefaultToolFailureThreshold.
func NewToolFailureTracker(st FailureStore, threshold int) *ToolFailureTracker {
	if threshold <= 0 {
		threshold = DefaultToolFailureThreshold
	}
	return &ToolFailureTracker{store: st, threshold: threshold}
}

// Threshold returns the disable threshold.
func (t *ToolFailureTracker) Threshold() int { return t.threshold }

// RecordToolFailure records one failure and reports whether the tool was
// disabled by it.
func (t *ToolFailureTracker) RecordToolFailure(ctx context.Context, orgID, sessionID, toolName, errMsg string) (bool, error) {
	count, err := t.store.RecordToolFailure(ctx, sessionID, toolName)
	if err != nil {
		return false, err
	}
	if count < t.threshold {
		return false, nil
	}
	if err := t.store.DisableTool(ctx, sessionID, toolName); err != nil {
		return false, err
	}
	if count == t.threshold {
		log.Warn().
			Str("org_id", orgID).
			Str("session_id", sessionID).
			Str("tool", toolName).
			Str("last_error", errMsg).
			Int("failure_count", count).
			Msg("tool_disabled_after_failures")
	}
	return true, nil
}
