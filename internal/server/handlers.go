package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/lease"
	"github.com/voundbrand/vc83-com-sub003/internal/receipt"
	"github.com/voundbrand/vc83-com-sub003/internal/requestctx"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

type inboundRequest struct {
	SessionID       string            `json:"session_id"`
	AgentID         string            `json:"agent_id"`
	ContactID       string            `json:"contact_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	Message         string            `json:"message"`
	Metadata        map[string]string `json:"metadata"`
	ConversationRef string            `json:"conversation_ref"`
}

type inboundResponse struct {
	ReceiptID      string           `json:"receipt_id"`
	Duplicate      bool             `json:"duplicate"`
	Status         string           `json:"status"`
	TurnID         string           `json:"turn_id,omitempty"`
	SessionID      string           `json:"session_id"`
	Outcome        agent.Outcome    `json:"outcome"`
	ErrorClass     agent.ErrorClass `json:"error_class,omitempty"`
	Reply          string           `json:"reply,omitempty"`
	DeliveryStatus string           `json:"delivery_status,omitempty"`
	ApprovalID     string           `json:"approval_id,omitempty"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if s.channels != nil && !s.channels[channel] {
		writeError(w, http.StatusNotFound, "unknown_channel", "channel "+channel+" is not configured")
		return
	}
	var req inboundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	switch {
	case strings.TrimSpace(req.AgentID) == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "agent_id is required")
		return
	case strings.TrimSpace(req.ContactID) == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "contact_id is required")
		return
	case strings.TrimSpace(req.Message) == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	orgID := requestctx.OrgID(r.Context())
	res, err := s.turns.Run(r.Context(), agent.InboundEvent{
		OrgID:           orgID,
		SessionID:       req.SessionID,
		AgentID:         req.AgentID,
		Channel:         channel,
		ContactID:       req.ContactID,
		IdempotencyKey:  req.IdempotencyKey,
		Message:         req.Message,
		Metadata:        req.Metadata,
		ConversationRef: req.ConversationRef,
	})
	if err != nil {
		if errors.Is(err, receipt.ErrMissingOrg) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		log.Error().Err(err).Str("org_id", orgID).Str("channel", channel).Msg("inbound_event_failed")
		writeError(w, http.StatusInternalServerError, "internal", "event could not be recorded")
		return
	}
	writeJSON(w, http.StatusOK, inboundResponse{
		ReceiptID:      res.ReceiptID,
		Duplicate:      res.Duplicate,
		Status:         res.Status,
		TurnID:         res.TurnID,
		SessionID:      res.SessionID,
		Outcome:        res.Outcome,
		ErrorClass:     res.ErrorClass,
		Reply:          res.Reply,
		DeliveryStatus: res.DeliveryStatus,
		ApprovalID:     res.ApprovalID,
	})
}

// sessionForOrg loads a session and hides sessions of other orgs behind 404.
func (s *Server) sessionForOrg(w http.ResponseWriter, r *http.Request) (*agent.SessionView, bool) {
	id := chi.URLParam(r, "id")
	view, err := s.turns.SessionStatus(r.Context(), id)
	if err == nil && view.Session.OrgID != requestctx.OrgID(r.Context()) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, err)
		return nil, false
	}
	return view, true
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.sessionForOrg(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request) {
	s.escalationAction(w, r, "takeover", s.turns.Takeover)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.escalationAction(w, r, "resolve", s.turns.Resolve)
}

func (s *Server) escalationAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id string) error) {
	view, ok := s.sessionForOrg(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), view.Session.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	log.Info().
		Str("org_id", view.Session.OrgID).
		Str("session_id", view.Session.ID).
		Str("operator", requestctx.Operator(r.Context())).
		Msg("escalation_" + action)
	// reload so the caller sees the new delivery state
	if view, ok = s.sessionForOrg(w, r); ok {
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.turns.PendingApprovals(r.Context(), requestctx.OrgID(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if pending == nil {
		pending = []*agent.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending, "count": len(pending)})
}

type reviewRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	orgID := requestctx.OrgID(r.Context())
	a, err := s.turns.Approval(r.Context(), id)
	if err == nil && a.OrgID != orgID {
		err = agent.ErrApprovalNotFound
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	reviewer := requestctx.Operator(r.Context())
	if reviewer == "" {
		reviewer = "api:" + orgID
	}
	res, err := s.turns.ResolveApproval(r.Context(), id, reviewer, approve, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditGet returns the newest audit record of a turn, hiding other orgs.
func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.audit.GetByTurn(r.Context(), chi.URLParam(r, "turn_id"))
	if err == nil && ev.OrgID != requestctx.OrgID(r.Context()) {
		err = evidence.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turn_id")
	ev, valid, err := s.audit.VerifyTurn(r.Context(), turnID)
	if err == nil && ev.OrgID != requestctx.OrgID(r.Context()) {
		err = evidence.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turn_id":     turnID,
		"evidence_id": ev.ID,
		"valid":       valid,
	})
}

// writeDomainError maps package sentinels to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, evidence.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, agent.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, agent.ErrApprovalNotPending), errors.Is(err, escalation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, lease.ErrLeaseHeld), errors.Is(err, lease.ErrConflict), errors.Is(err, lease.ErrTerminal):
		writeError(w, http.StatusConflict, "turn_busy", err.Error())
	default:
		log.Error().Err(err).Msg("api_request_failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

var errEmptyBody = errors.New("empty body")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}
