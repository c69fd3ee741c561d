package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voundbrand/vc83-com-sub003/internal/delivery"
	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/lease"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

// ApprovalResolution reports what resolving a held tool call did.
type ApprovalResolution struct {
	Approval       *Approval       `json:"approval"`
	TurnState      store.TurnState `json:"turn_state"`
	Outcome        Outcome         `json:"outcome"`
	DeliveryStatus string          `json:"delivery_status"`
	EvidenceID     string          `json:"evidence_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ResolveApproval approves or rejects a held tool call and resumes its
// suspended turn. An approved call is executed now; the contact is told the
// result with a fixed message either way.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id, reviewer string, approve bool, reason string) (*ApprovalResolution, error) {
	ctx, span := tracer.Start(ctx, "approval.resolve",
		trace.WithAttributes(attribute.String("approval_id", id), attribute.Bool("approval.approved", approve)))
	defer span.End()

	a, err := o.approvals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ApprovalPending {
		return nil, ErrApprovalNotPending
	}

	// The lease is taken before the decision is recorded, so a turn that
	// cannot be resumed leaves the approval pending.
	turn, err := o.store.GetTurn(ctx, a.TurnID)
	if err != nil {
		return nil, err
	}
	l, err := o.leases.Acquire(ctx, turn.ID, turn.Version, o.owner, o.leaseDuration)
	if err != nil {
		return nil, fmt.Errorf("resuming turn %s: %w", turn.ID, err)
	}
	if approve {
		err = o.approvals.Approve(ctx, id, reviewer)
	} else {
		err = o.approvals.Reject(ctx, id, reviewer, reason)
	}
	if err == nil {
		a, err = o.approvals.Get(ctx, id)
	}
	if err != nil {
		if _, rerr := o.leases.Release(context.WithoutCancel(ctx), turn.ID, l.Version, l.Token, store.TurnSuspended); rerr != nil {
			log.Error().Err(rerr).Str("turn_id", turn.ID).Msg("lease_settle_failed")
		}
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	start := o.now()

	out := &ApprovalResolution{Approval: a, Outcome: OutcomeBlocked, TurnState: store.TurnCancelled}
	rec := evidence.ToolCall{Name: a.Tool, Decision: string(a.Status), ApprovalID: a.ID, Status: "rejected"}
	msgKey := MsgApprovalRejected
	var toolErr error
	if approve {
		_, toolErr = o.tools.Execute(ctx, a.Tool, a.Args)
		rec.DurationMS = o.now().Sub(start).Milliseconds()
		if toolErr != nil {
			rec.Status = "error"
			rec.Error = evidence.Redact(toolErr.Error())
			msgKey = MsgApprovalFailed
			out.Outcome = OutcomeError
			out.TurnState = store.TurnFailed
			out.Error = rec.Error
			if _, err := o.failures.RecordToolFailure(ctx, a.OrgID, a.SessionID, a.Tool, rec.Error); err != nil {
				log.Warn().Err(err).Str("approval_id", a.ID).Msg("tool_failure_not_recorded")
			}
		} else {
			rec.Status = "ok"
			msgKey = MsgApprovalExecuted
			out.Outcome = OutcomeSuccess
			out.TurnState = store.TurnCompleted
		}
	}

	notice := UserMessage(msgKey)
	if err := o.store.AppendMessage(ctx, &store.Message{
		ID:        "msg_" + a.ID + "_" + string(a.Status),
		SessionID: a.SessionID,
		TurnID:    turn.ID,
		Role:      store.RoleAssistant,
		Content:   notice,
		Notice:    true,
	}); err != nil {
		log.Warn().Err(err).Str("approval_id", a.ID).Msg("message_not_persisted")
	}
	dr, err := o.delivery.Deliver(ctx, delivery.Outbound{
		OrgID:       a.OrgID,
		SessionID:   a.SessionID,
		TurnID:      turn.ID,
		Channel:     a.Channel,
		RecipientID: a.ContactID,
		Content:     notice,
	})
	if err != nil {
		log.Error().Err(err).Str("approval_id", a.ID).Msg("delivery_failed")
	}
	out.DeliveryStatus = dr.Status

	if toolErr != nil {
		_, err = o.leases.Fail(ctx, turn.ID, l.Version, l.Token, "approved_tool_failed: "+rec.Error)
	} else {
		_, err = o.leases.Release(ctx, turn.ID, l.Version, l.Token, out.TurnState)
	}
	if err != nil {
		log.Error().Err(err).Str("turn_id", turn.ID).Msg("lease_settle_failed")
	}

	if o.evidence != nil {
		errMsg := ""
		if toolErr != nil {
			errMsg = toolErr.Error()
		}
		ev, err := o.evidence.Generate(ctx, evidence.GenerateParams{
			CorrelationID: "corr_" + a.ID,
			OrgID:         a.OrgID,
			AgentID:       a.AgentID,
			SessionID:     a.SessionID,
			TurnID:        turn.ID,
			Channel:       a.Channel,
			Outcome:       string(out.Outcome),
			PolicyVersion: o.policy.VersionTag,
			ToolCalls:     []evidence.ToolCall{rec},
			DurationMS:    o.now().Sub(start).Milliseconds(),
			Error:         errMsg,
			Delivery:      evidence.Delivery{Status: dr.Status, MessageID: dr.MessageID, DeadLetterID: dr.DeadLetterID},
			OutputText:    notice,
		})
		if err != nil {
			log.Error().Err(err).Str("turn_id", turn.ID).Msg("failed_to_generate_evidence")
		} else {
			out.EvidenceID = ev.ID
		}
	}

	recordOutcome(ctx, out.Outcome, a.Channel, o.now().Sub(start).Milliseconds())
	log.Info().
		Str("approval_id", a.ID).
		Str("org_id", a.OrgID).
		Str("turn_id", turn.ID).
		Str("tool", a.Tool).
		Str("reviewed_by", reviewer).
		Str("status", string(a.Status)).
		Str("outcome", string(out.Outcome)).
		Msg("approval_resolved")
	return out, nil
}

// RecoverStaleTurns fails running turns across all sessions whose lease
// expired and fails their receipts. It is the sweep counterpart of the
// per-session recovery done at the start of every turn.
func (o *Orchestrator) RecoverStaleTurns(ctx context.Context, limit int) (int, error) {
	turns, err := o.store.ListExpiredRunningTurns(ctx, o.now(), limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range turns {
		if _, err := o.leases.Fail(ctx, t.ID, t.Version, "", lease.ReasonLeaseExpired); err != nil {
			if errors.Is(err, lease.ErrConflict) || errors.Is(err, lease.ErrTerminal) || errors.Is(err, lease.ErrLeaseHeld) {
				continue
			}
			return recovered, err
		}
		if err := o.store.FinalizeReceiptsForTurn(ctx, t.ID, store.ReceiptFailed, "turn:"+t.ID); err != nil {
			log.Warn().Err(err).Str("turn_id", t.ID).Msg("stale_turn_receipts_not_finalized")
		}
		log.Warn().
			Str("org_id", t.OrgID).
			Str("session_id", t.SessionID).
			Str("turn_id", t.ID).
			Str("lease_owner", t.LeaseOwner).
			Msg("stale_turn_recovered")
		recovered++
	}
	return recovered, nil
}

// SessionView is a session as a waiting caller sees it.
type SessionView struct {
	Session       *store.Session           `json:"session"`
	LatestTurn    *store.Turn              `json:"latest_turn,omitempty"`
	DeliveryState escalation.DeliveryState `json:"delivery_state"`
}

// SessionStatus loads a session, its latest turn and the derived delivery state.
func (o *Orchestrator) SessionStatus(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	view := &SessionView{Session: sess}
	var state store.TurnState
	turn, err := o.store.LatestTurn(ctx, sessionID)
	switch {
	case err == nil:
		view.LatestTurn = turn
		state = turn.State
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	view.DeliveryState = escalation.DeriveDeliveryState(sess.Status, sess.EscalationStatus, state)
	return view, nil
}

// Takeover hands a pending escalation to an operator.
func (o *Orchestrator) Takeover(ctx context.Context, sessionID string) error {
	return o.escalation.Takeover(ctx, sessionID)
}

// Resolve returns an escalated session to the agent.
func (o *Orchestrator) Resolve(ctx context.Context, sessionID string) error {
	return o.escalation.Resolve(ctx, sessionID)
}

// PendingApprovals lists the tool calls of an org waiting for review.
func (o *Orchestrator) PendingApprovals(ctx context.Context, orgID string) ([]*Approval, error) {
	return o.approvals.GetPending(ctx, orgID)
}

// Approval returns one held tool call.
func (o *Orchestrator) Approval(ctx context.Context, id string) (*Approval, error) {
	return o.approvals.Get(ctx, id)
}
