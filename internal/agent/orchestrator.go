// Package agent implements the turn orchestrator.
//
// One inbound event runs through a fixed sequence: record the receipt →
// create the turn → recover stale turns of the session → acquire the lease →
// escalation short-circuit → knowledge → tool scope → model failover and the
// tool loop → post-call escalation check. Whatever happens on the way, the
// settle step persists messages, delivers the reply (dead-lettering on
// failure), settles the lease, finalizes the receipt and writes a signed
// audit record.
//
// Extension points:
//   - Hooks: register callbacks around model and tool calls (see HookRegistry).
//   - Approvals: side-effecting tool calls gated by the OPA approval policy
//     are held in the ApprovalStore until an operator resolves them.
//   - Tools: register tools via agent/tools.ToolRegistry.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voundbrand/vc83-com-sub003/internal/agent/tools"
	"github.com/voundbrand/vc83-com-sub003/internal/delivery"
	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/knowledge"
	"github.com/voundbrand/vc83-com-sub003/internal/lease"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/notify"
	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/policy"
	"github.com/voundbrand/vc83-com-sub003/internal/receipt"
	"github.com/voundbrand/vc83-com-sub003/internal/retry"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
	"github.com/voundbrand/vc83-com-sub003/internal/toolscope"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/agent")

// maxIdenticalToolCalls is how often one tool may be called with the same
// arguments inside a turn before the turn is treated as looping.
const maxIdenticalToolCalls = 3

// ErrHookAborted is returned when a pre-model hook vetoes the turn.
var ErrHookAborted = errors.New("turn aborted by hook")

// CredentialSource supplies auth profiles and their health for an org.
// secrets.Vault implements it.
type CredentialSource interface {
	Profiles(ctx context.Context, orgID, agentID string) ([]llm.AuthProfile, error)
	LegacyKey(ctx context.Context, orgID, agentID string) (string, error)
	Cooldowns(ctx context.Context, orgID string) (map[string]time.Time, error)
	ForOrg(orgID string) llm.ProfileHealth
}

// CreditGate decides whether an org may spend another model call.
type CreditGate interface {
	Allow(ctx context.Context, orgID string) (bool, error)
}

// Deliverer sends outbound content to a channel. delivery.Router implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg delivery.Outbound) (delivery.Result, error)
}

// Config holds the collaborators of an Orchestrator. Store, Policy, Provider,
// Escalation and Delivery are required.
type Config struct {
	Store         *store.Store
	Policy        *policy.Policy
	Approvals     *policy.ApprovalEngine // nil compiles one from Policy
	Provider      llm.Provider
	Credentials   CredentialSource // nil uses only EnvAPIKey
	EnvAPIKey     string
	Tools         *tools.ToolRegistry
	Knowledge     knowledge.Source // optional
	Credits       CreditGate       // optional
	Escalation    *escalation.Engine
	Delivery      Deliverer
	Evidence      *evidence.Generator // optional
	Hooks         *HookRegistry       // optional
	Retry         *retry.Executor     // nil uses retry.DefaultPolicy
	LeaseOwner    string
	LeaseDuration time.Duration
	Now           func() time.Time
}

// Orchestrator runs turns.
type Orchestrator struct {
	store         *store.Store
	policy        *policy.Policy
	gate          *policy.ApprovalEngine
	approvals     *ApprovalStore
	ingestor      *receipt.Ingestor
	leases        *lease.Manager
	provider      llm.Provider
	creds         CredentialSource
	envKey        string
	tools         *tools.ToolRegistry
	knowledge     knowledge.Source
	credits       CreditGate
	escalation    *escalation.Engine
	delivery      Deliverer
	evidence      *evidence.Generator
	hooks         *HookRegistry
	retry         *retry.Executor
	failures      *ToolFailureTracker
	owner         string
	leaseDuration time.Duration
	now           func() time.Time
}

// NewOrchestrator wires an orchestrator and creates its approval table.
func NewOrchestrator(ctx context.Context, cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Policy == nil:
		return nil, errors.New("orchestrator: policy is required")
	case cfg.Provider == nil:
		return nil, errors.New("orchestrator: model provider is required")
	case cfg.Escalation == nil:
		return nil, errors.New("orchestrator: escalation engine is required")
	case cfg.Delivery == nil:
		return nil, errors.New("orchestrator: delivery is required")
	}

	gate := cfg.Approvals
	if gate == nil {
		var err error
		gate, err = policy.NewApprovalEngine(ctx, cfg.Policy)
		if err != nil {
			return nil, fmt.Errorf("compiling approval policy: %w", err)
		}
	}
	approvals, err := NewApprovalStore(cfg.Store.DB())
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	approvals.SetClock(now)
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	retryEx := cfg.Retry
	if retryEx == nil {
		retryEx = retry.New(retry.DefaultPolicy())
	}
	owner := cfg.LeaseOwner
	if owner == "" {
		owner = "worker_" + uuid.New().String()[:8]
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = lease.DefaultDuration
	}

	return &Orchestrator{
		store:         cfg.Store,
		policy:        cfg.Policy,
		gate:          gate,
		approvals:     approvals,
		ingestor:      receipt.NewIngestor(cfg.Store),
		leases:        lease.NewManager(cfg.Store, lease.WithClock(now), lease.WithDuration(leaseDuration)),
		provider:      cfg.Provider,
		creds:         cfg.Credentials,
		envKey:        cfg.EnvAPIKey,
		tools:         registry,
		knowledge:     cfg.Knowledge,
		credits:       cfg.Credits,
		escalation:    cfg.Escalation,
		delivery:      cfg.Delivery,
		evidence:      cfg.Evidence,
		hooks:         cfg.Hooks,
		retry:         retryEx,
		failures:      NewToolFailureTracker(cfg.Store, DefaultToolFailureThreshold),
		owner:         owner,
		leaseDuration: leaseDuration,
		now:           now,
	}, nil
}

// Approvals returns the pending tool-call store.
func (o *Orchestrator) Approvals() *ApprovalStore { return o.approvals }

// Leases returns the turn lease manager.
func (o *Orchestrator) Leases() *lease.Manager { return o.leases }

// InboundEvent is one message from a channel webhook or handler.
type InboundEvent struct {
	OrgID           string            `json:"org_id"`
	SessionID       string            `json:"session_id,omitempty"`
	AgentID         string            `json:"agent_id"`
	Channel         string            `json:"channel"`
	ContactID       string            `json:"contact_id"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Message         string            `json:"message"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ConversationRef string            `json:"conversation_ref,omitempty"`
	ReceivedAt      time.Time         `json:"received_at,omitempty"`
}

// TurnResult is what the caller learns about a processed event.
type TurnResult struct {
	ReceiptID      string     `json:"receipt_id"`
	TurnID         string     `json:"turn_id,omitempty"`
	SessionID      string     `json:"session_id"`
	Duplicate      bool       `json:"duplicate"`
	Status         string     `json:"status"`
	Outcome        Outcome    `json:"outcome"`
	ErrorClass     ErrorClass `json:"error_class,omitempty"`
	Error          string     `json:"error,omitempty"`
	Reply          string     `json:"reply,omitempty"`
	Notice         string     `json:"notice,omitempty"`
	DeliveryStatus string     `json:"delivery_status,omitempty"`
	EvidenceID     string     `json:"evidence_id,omitempty"`
	ApprovalID     string     `json:"approval_id,omitempty"`
	ModelUsed      string     `json:"model_used,omitempty"`
}

// SessionKey derives a stable session id for events that carry none: one
// session per org, agent, channel and contact.
func SessionKey(orgID, agentID, channel, contactID string) string {
	name := strings.Join([]string{orgID, agentID, channel, contactID}, "\x00")
	return "sess_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// turnRun carries the state of one turn from the pipeline into settle.
type turnRun struct {
	ev            InboundEvent
	res           *TurnResult
	correlationID string
	start         time.Time
	settings      escalation.Settings
	agentCfg      policy.AgentConfig

	sess  *store.Session
	turn  *store.Turn
	lease *lease.Lease

	outcome    Outcome
	err        error
	nextState  store.TurnState
	reply      string // model answer, stored as an assistant message
	notice     string // fixed catalog or hold text, stored as a system message
	receiptRef string
	approvalID string
	pin        *store.RoutingPin

	routing    evidence.Routing
	scope      *evidence.ToolScope
	knowledge  *evidence.KnowledgeUsage
	toolCalls  []evidence.ToolCall
	escalation *evidence.Escalation
	rounds     int
	tokens     evidence.TokenUsage
	degraded   degradedState
	delivered  delivery.Result
}

func (r *turnRun) fail(err error) {
	r.err = err
	r.res.ErrorClass = Classify(err)
	switch r.res.ErrorClass {
	case ClassLoop:
		r.outcome = OutcomeLoop
	case ClassFatal:
		r.outcome = OutcomeFatal
	default:
		r.outcome = OutcomeError
	}
	r.reply = ""
	r.notice = UserMessage(messageKeyFor(err))
	r.nextState = store.TurnFailed
}

// Run processes one inbound event end to end. Duplicates return immediately
// with the original turn id. Errors are only returned when the event could not
// be recorded at all; every other failure is reported through the result.
func (o *Orchestrator) Run(ctx context.Context, ev InboundEvent) (*TurnResult, error) {
	if ev.SessionID == "" {
		ev.SessionID = SessionKey(ev.OrgID, ev.AgentID, ev.Channel, ev.ContactID)
	}
	ctx, span := tracer.Start(ctx, "turn.run",
		trace.WithAttributes(
			attribute.String("org_id", ev.OrgID),
			attribute.String("session_id", ev.SessionID),
			attribute.String("agent_id", ev.AgentID),
			attribute.String("channel", ev.Channel),
		))
	defer span.End()

	rcpt, err := o.ingestor.Ingest(ctx, receipt.Request{
		OrgID:          ev.OrgID,
		SessionID:      ev.SessionID,
		AgentID:        ev.AgentID,
		Channel:        ev.Channel,
		ContactID:      ev.ContactID,
		IdempotencyKey: ev.IdempotencyKey,
		Message:        ev.Message,
		Metadata:       ev.Metadata,
		ReceivedAt:     ev.ReceivedAt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return nil, err
	}

	res := &TurnResult{
		ReceiptID: rcpt.ReceiptID,
		TurnID:    rcpt.TurnID,
		SessionID: ev.SessionID,
		Status:    rcpt.Status,
	}
	if rcpt.Duplicate {
		res.Duplicate = true
		res.Outcome = OutcomeDuplicate
		if res.TurnID == "" {
			if t, err := o.store.GetTurnByKey(ctx, ev.OrgID, rcpt.IdempotencyKey); err == nil {
				res.TurnID = t.ID
			}
		}
		recordOutcome(ctx, OutcomeDuplicate, ev.Channel, 0)
		span.SetAttributes(attribute.Bool("receipt.duplicate", true))
		return res, nil
	}

	run := &turnRun{
		ev:            ev,
		res:           res,
		correlationID: "corr_" + uuid.New().String()[:12],
		start:         o.now(),
		settings:      o.policy.EscalationSettings(),
		agentCfg:      o.policy.Agent(ev.AgentID),
		outcome:       OutcomeSuccess,
		nextState:     store.TurnCompleted,
	}

	log.Info().
		Func(tkotel.LogTraceFields(ctx)).
		Str("correlation_id", run.correlationID).
		Str("org_id", ev.OrgID).
		Str("session_id", ev.SessionID).
		Str("agent_id", ev.AgentID).
		Str("receipt_id", rcpt.ReceiptID).
		Str("channel", ev.Channel).
		Msg("turn_started")

	o.process(ctx, run, rcpt.IdempotencyKey)

	span.SetAttributes(attribute.String("turn.outcome", string(res.Outcome)))
	if run.err != nil {
		span.RecordError(run.err)
		span.SetStatus(codes.Error, string(res.ErrorClass))
	}
	return res, nil
}

// process runs the pipeline and always settles, including after a panic.
func (o *Orchestrator) process(ctx context.Context, run *turnRun, key string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("correlation_id", run.correlationID).
				Str("session_id", run.ev.SessionID).
				Interface("panic", r).
				Msg("turn_panic_recovered")
			run.fail(fmt.Errorf("%w: %v", ErrPanic, r))
		}
		o.settle(ctx, run)
	}()

	if err := o.pipeline(ctx, run, key); err != nil {
		run.fail(err)
	}
}

//nolint:gocyclo // the pipeline is a fixed sequence of guarded steps
func (o *Orchestrator) pipeline(ctx context.Context, run *turnRun, key string) error {
	ev := run.ev

	sess, err := o.store.EnsureSession(ctx, &store.Session{
		ID:        ev.SessionID,
		OrgID:     ev.OrgID,
		AgentID:   ev.AgentID,
		Channel:   ev.Channel,
		ContactID: ev.ContactID,
	})
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	run.sess = sess

	turn, _, err := o.store.CreateTurn(ctx, &store.Turn{
		ID:             "turn_" + uuid.New().String(),
		OrgID:          ev.OrgID,
		SessionID:      ev.SessionID,
		AgentID:        ev.AgentID,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	run.turn = turn
	run.res.TurnID = turn.ID
	if err := o.ingestor.AttachTurn(ctx, run.res.ReceiptID, turn.ID); err != nil {
		return fmt.Errorf("attaching turn to receipt: %w", err)
	}

	recovered, err := o.leases.RecoverStale(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("recovering stale turns: %w", err)
	}
	for _, t := range recovered {
		if err := o.store.FinalizeReceiptsForTurn(ctx, t.ID, store.ReceiptFailed, "turn:"+t.ID); err != nil {
			log.Warn().Err(err).Str("turn_id", t.ID).Msg("stale_turn_receipts_not_finalized")
		}
	}

	l, err := o.leases.Acquire(ctx, turn.ID, turn.Version, o.owner, o.leaseDuration)
	if err != nil {
		if errors.Is(err, lease.ErrConflict) || errors.Is(err, lease.ErrLeaseHeld) || errors.Is(err, lease.ErrTerminal) {
			run.outcome = OutcomeLeaseConflict
			log.Info().
				Str("turn_id", turn.ID).
				Str("session_id", ev.SessionID).
				Err(err).
				Msg("lease_conflict")
			return nil
		}
		return err
	}
	run.lease = l
	if err := o.ingestor.MarkProcessing(ctx, run.res.ReceiptID); err != nil {
		return fmt.Errorf("marking receipt processing: %w", err)
	}

	// both windows are read before the current message is stored
	recentUser, err := o.store.RecentMessages(ctx, sess.ID, store.RoleUser, max(run.settings.SentimentWindow, 1))
	if err != nil {
		return err
	}
	history, err := o.store.RecentMessages(ctx, sess.ID, "", historyLimit)
	if err != nil {
		return err
	}
	if err := o.store.AppendMessage(ctx, &store.Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: sess.ID,
		TurnID:    turn.ID,
		Role:      store.RoleUser,
		Content:   ev.Message,
	}); err != nil {
		return err
	}

	if escalation.Blocks(sess.EscalationStatus) {
		run.outcome = OutcomeBlocked
		run.nextState = store.TurnCancelled
		run.notice = escalation.HoldMessage(sess.EscalationStatus, "", run.settings)
		log.Info().
			Str("session_id", sess.ID).
			Str("escalation_status", sess.EscalationStatus).
			Msg("turn_blocked_by_escalation")
		return nil
	}
	if trig := escalation.EvaluatePreCall(ev.Message, contents(recentUser), run.settings); trig != nil {
		return o.escalate(ctx, run, escalation.CheckpointPreCall, trig)
	}

	if o.credits != nil {
		ok, err := o.credits.Allow(ctx, ev.OrgID)
		if err != nil {
			log.Warn().Err(err).Str("org_id", ev.OrgID).Msg("credit_check_failed")
		} else if !ok {
			return ErrCreditsExhausted
		}
	}

	models := llm.ResolveModelCandidates(o.policy.ModelPolicy(ev.OrgID, ev.AgentID, sess.Pin.ModelID))
	run.routing.Candidates = models
	if len(models) == 0 {
		return llm.ErrNoCandidates
	}

	kn := o.composeKnowledge(ctx, run, models[0])

	scope := toolscope.Resolve(o.policy.ScopeInput(ev.OrgID, ev.AgentID,
		o.policy.ToolCatalog(o.tools.Names()), sess.DisabledTools, ev.Channel))
	run.scope = &evidence.ToolScope{Allowed: scope.Names(), Audit: scope.Audit}
	run.degraded.DisabledTools = sess.DisabledTools

	profiles := o.authProfiles(ctx, run)
	system := buildSystemPrompt(run.agentCfg.SystemPrompt, kn, run.degraded)
	msgs := buildMessages(system, history, ev.Message)

	reply, err := o.converse(ctx, run, models, profiles, scope, msgs)
	if errors.Is(err, ErrHookAborted) {
		run.outcome = OutcomeBlocked
		run.nextState = store.TurnCancelled
		run.notice = UserMessage(MsgInternal)
		return nil
	}
	if err != nil || run.outcome != OutcomeSuccess {
		return err
	}
	run.reply = reply

	recentAssistant, err := o.store.RecentReplies(ctx, sess.ID,
		max(run.settings.LoopWindow, run.settings.UncertaintyWindow))
	if err != nil {
		return err
	}
	window := append(contents(recentAssistant), reply)
	if trig := escalation.EvaluatePostCall(window, run.settings); trig != nil {
		return o.escalate(ctx, run, escalation.CheckpointPostCall, trig)
	}
	return nil
}

func (o *Orchestrator) composeKnowledge(ctx context.Context, run *turnRun, model string) knowledge.Result {
	if o.knowledge == nil || o.policy.Org(run.ev.OrgID).KnowledgeDisabled {
		return knowledge.Result{}
	}
	docs, err := o.knowledge.Retrieve(ctx, run.ev.OrgID, run.ev.AgentID, run.ev.Message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("org_id", run.ev.OrgID).
			Str("turn_id", run.turn.ID).
			Msg("knowledge_retrieval_failed")
		run.degraded.KnowledgeFailed = true
		run.knowledge = &evidence.KnowledgeUsage{Failed: true}
		return knowledge.Result{}
	}
	kn := knowledge.Compose(ctx, docs, o.policy.ContextLength(model))
	run.knowledge = &evidence.KnowledgeUsage{
		Documents:   len(kn.Documents),
		TokenBudget: kn.TokenBudget,
		TokensUsed:  kn.EstimatedTokensUsed,
		Dropped:     kn.DroppedCount,
		Truncated:   kn.TruncatedCount,
		BytesUsed:   kn.BytesUsed,
		SourceTags:  kn.SourceTags,
	}
	return kn
}

// authProfiles merges vault profiles, the org's legacy key and the
// environment key. Vault read errors only narrow the candidate list.
func (o *Orchestrator) authProfiles(ctx context.Context, run *turnRun) []llm.AuthProfile {
	in := llm.AuthInputs{
		EnvKey:          o.envKey,
		PinnedProfileID: run.sess.Pin.ProfileID,
		Now:             o.now(),
	}
	if o.creds != nil {
		var err error
		if in.Profiles, err = o.creds.Profiles(ctx, run.ev.OrgID, run.ev.AgentID); err != nil {
			log.Warn().Err(err).Str("org_id", run.ev.OrgID).Msg("auth_profiles_unavailable")
		}
		if in.LegacyKey, err = o.creds.LegacyKey(ctx, run.ev.OrgID, run.ev.AgentID); err != nil {
			log.Debug().Err(err).Str("org_id", run.ev.OrgID).Msg("legacy_key_unavailable")
		}
		if in.Cooldowns, err = o.creds.Cooldowns(ctx, run.ev.OrgID); err != nil {
			log.Warn().Err(err).Str("org_id", run.ev.OrgID).Msg("auth_cooldowns_unavailable")
		}
	}
	return llm.ResolveAuthProfiles(in)
}

func (o *Orchestrator) failover(orgID string) *llm.Failover {
	var health llm.ProfileHealth
	if o.creds != nil {
		health = o.creds.ForOrg(orgID)
	}
	return llm.NewFailover(o.provider, health, llm.WithRetryExecutor(o.retry), llm.WithClock(o.now))
}

// converse runs model rounds until the model answers without tool calls. The
// last round offers no tools so the model has to answer. It returns the
// answer, or leaves it empty when a tool call suspended or escalated the turn
// (run.outcome tells which).
func (o *Orchestrator) converse(ctx context.Context, run *turnRun, models []string, profiles []llm.AuthProfile, scope toolscope.Result, msgs []llm.Message) (string, error) {
	maxRounds := o.policy.MaxToolRounds()
	specs := o.tools.Specs(scope.Names())
	fo := o.failover(run.ev.OrgID)
	seen := make(map[string]int)

	for round := 1; round <= maxRounds; round++ {
		l, err := o.leases.Heartbeat(ctx, run.turn.ID, run.lease.Version, run.lease.Token, o.leaseDuration)
		if err != nil {
			return "", fmt.Errorf("extending lease: %w", err)
		}
		run.lease = l
		run.rounds = round

		offered := specs
		if round == maxRounds {
			offered = nil
		}
		if ok, err := o.fireHook(ctx, run, HookPreModel, map[string]any{"round": round, "tools": len(offered)}); err != nil {
			log.Warn().Err(err).Str("turn_id", run.turn.ID).Msg("pre_model_hook_failed")
		} else if !ok {
			return "", ErrHookAborted
		}

		result, err := fo.Execute(ctx, models, profiles, func(model string) *llm.Request {
			return &llm.Request{
				Model:       model,
				Messages:    msgs,
				Temperature: o.policy.Platform.Temperature,
				MaxTokens:   o.policy.Platform.MaxTokens,
				Tools:       offered,
			}
		})
		if result != nil {
			run.routing.Attempts = append(run.routing.Attempts, result.Attempts...)
		}
		if err != nil {
			return "", err
		}
		run.routing.ModelUsed = result.ModelID
		run.routing.ProfileID = result.ProfileID
		run.routing.BillingSource = result.BillingSource
		run.res.ModelUsed = result.ModelID
		run.pin = &store.RoutingPin{ModelID: result.ModelID, ProfileID: result.ProfileID, Reason: "success", PinnedAt: o.now()}

		resp := result.Response
		run.tokens.Input += resp.Usage.PromptTokens
		run.tokens.Output += resp.Usage.CompletionTokens
		status := "ok"
		if len(resp.ToolCalls) > 0 {
			status = "tool_calls"
		}
		if _, err := o.fireHook(ctx, run, HookPostModel, map[string]any{"status": status, "model": result.ModelID, "round": round}); err != nil {
			log.Warn().Err(err).Str("turn_id", run.turn.ID).Msg("post_model_hook_failed")
		}

		if len(resp.ToolCalls) == 0 || offered == nil {
			if strings.TrimSpace(resp.Content) == "" {
				return "", fmt.Errorf("%w: no answer after %d rounds", ErrToolLoop, round)
			}
			return resp.Content, nil
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		disabledNow := false
		for _, call := range resp.ToolCalls {
			sig := call.Name + "\x00" + string(call.Arguments)
			seen[sig]++
			if seen[sig] > maxIdenticalToolCalls {
				return "", fmt.Errorf("%w: %s called %d times with identical arguments", ErrToolLoop, call.Name, seen[sig])
			}

			out, err := o.callTool(ctx, run, scope, call)
			if err != nil {
				return "", err
			}
			if out.suspended {
				return "", nil
			}
			disabledNow = disabledNow || out.disabled
			msgs = append(msgs, llm.Message{Role: "tool", ToolCallID: call.ID, Content: out.content})
		}

		if disabledNow {
			sess, err := o.store.GetSession(ctx, run.sess.ID)
			if err != nil {
				return "", err
			}
			run.sess = sess
			if trig := escalation.EvaluateToolFailures(len(sess.DisabledTools), run.settings); trig != nil {
				return "", o.escalate(ctx, run, escalation.CheckpointToolFailure, trig)
			}
		}
	}
	return "", fmt.Errorf("%w: tool rounds exhausted", ErrToolLoop)
}

type toolOutcome struct {
	content   string
	suspended bool
	disabled  bool
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// callTool gates one tool call through scope, hooks and the approval policy,
// then executes it. Only infrastructure failures are returned as errors; tool
// failures go back to the model as an error result.
func (o *Orchestrator) callTool(ctx context.Context, run *turnRun, scope toolscope.Result, call llm.ToolCall) (toolOutcome, error) {
	ctx, span := tracer.Start(ctx, "tool.call", trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	rec := evidence.ToolCall{Name: call.Name}
	defer func() { run.toolCalls = append(run.toolCalls, rec) }()

	if _, registered := o.tools.Get(call.Name); !registered || !scope.Allows(call.Name) {
		rec.Status = "rejected"
		rec.Error = "tool not in scope"
		log.Warn().
			Str("turn_id", run.turn.ID).
			Str("tool", call.Name).
			Str("removed_by", scope.Audit.RemovedBy(call.Name)).
			Msg("tool_call_out_of_scope")
		return toolOutcome{content: toolError("tool " + call.Name + " is not available")}, nil
	}

	if ok, err := o.fireHook(ctx, run, HookPreTool, map[string]any{"tool": call.Name, "args": call.Arguments}); err == nil && !ok {
		rec.Status = "rejected"
		rec.Error = "vetoed by hook"
		return toolOutcome{content: toolError("tool call was rejected")}, nil
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		_ = json.Unmarshal(call.Arguments, &args)
	}
	dec, err := o.gate.Decide(ctx, policy.ToolCallInput{
		OrgID:    run.ev.OrgID,
		AgentID:  run.ev.AgentID,
		Tool:     call.Name,
		ReadOnly: o.policy.Tools[call.Name].ReadOnly,
		Autonomy: run.agentCfg.Autonomy,
		Args:     args,
	})
	if err != nil {
		// no verdict means no execution
		log.Error().Err(err).Str("tool", call.Name).Msg("approval_decision_failed")
		dec = &policy.Decision{Action: policy.DecisionBlocked, Reasons: []string{"approval policy unavailable"}}
	}
	rec.Decision = dec.Action

	switch dec.Action {
	case policy.DecisionBlocked:
		rec.Status = "blocked"
		rec.Error = strings.Join(dec.Reasons, "; ")
		return toolOutcome{content: toolError("tool call blocked by policy: " + rec.Error)}, nil

	case policy.DecisionApprovalRequired:
		a := &Approval{
			ID:         "appr_" + uuid.New().String()[:12],
			OrgID:      run.ev.OrgID,
			AgentID:    run.ev.AgentID,
			SessionID:  run.sess.ID,
			TurnID:     run.turn.ID,
			Channel:    run.ev.Channel,
			ContactID:  run.ev.ContactID,
			Tool:       call.Name,
			ToolCallID: call.ID,
			Args:       call.Arguments,
			Reasons:    dec.Reasons,
		}
		if err := o.approvals.Save(ctx, a); err != nil {
			return toolOutcome{}, fmt.Errorf("saving approval: %w", err)
		}
		rec.Status = "awaiting_approval"
		rec.ApprovalID = a.ID
		run.approvalID = a.ID
		run.outcome = OutcomeAwaitingApproval
		run.nextState = store.TurnSuspended
		run.notice = UserMessage(MsgApprovalPending)
		run.receiptRef = "approval:" + a.ID
		log.Info().
			Str("turn_id", run.turn.ID).
			Str("approval_id", a.ID).
			Str("tool", call.Name).
			Strs("reasons", dec.Reasons).
			Msg("tool_call_awaiting_approval")
		return toolOutcome{suspended: true}, nil
	}

	start := o.now()
	out, execErr := o.tools.Execute(ctx, call.Name, call.Arguments)
	rec.DurationMS = o.now().Sub(start).Milliseconds()
	hookStatus := "ok"
	var result toolOutcome
	if execErr != nil {
		hookStatus = "error"
		rec.Status = "error"
		rec.Error = evidence.Redact(execErr.Error())
		span.RecordError(execErr)
		disabled, err := o.failures.RecordToolFailure(ctx, run.ev.OrgID, run.sess.ID, call.Name, rec.Error)
		if err != nil {
			return toolOutcome{}, err
		}
		if disabled {
			run.degraded.DisabledTools = appendUnique(run.degraded.DisabledTools, call.Name)
		}
		result = toolOutcome{content: toolError("tool " + call.Name + " failed"), disabled: disabled}
	} else {
		rec.Status = "ok"
		result = toolOutcome{content: string(out)}
	}
	if _, err := o.fireHook(ctx, run, HookPostTool, map[string]any{"status": hookStatus, "tool": call.Name}); err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("post_tool_hook_failed")
	}
	return result, nil
}

// escalate fires the trigger and switches the turn to the hold path. A
// model answer produced before a post-call trigger is still delivered.
func (o *Orchestrator) escalate(ctx context.Context, run *turnRun, checkpoint string, trig *escalation.Trigger) error {
	esc, err := o.escalation.Fire(ctx, escalation.FireInput{
		OrgID:      run.ev.OrgID,
		SessionID:  run.sess.ID,
		TurnID:     run.turn.ID,
		TurnState:  store.TurnRunning,
		Version:    run.lease.Version,
		Checkpoint: checkpoint,
		Trigger:    *trig,
	})
	if err != nil {
		return fmt.Errorf("firing escalation: %w", err)
	}
	status := escalation.StatusPending
	if esc.Status == escalation.RecordTakenOver {
		status = escalation.StatusTakenOver
	}
	run.outcome = OutcomeEscalated
	run.notice = escalation.HoldMessage(status, trig.Urgency, run.settings)
	run.receiptRef = "escalation:" + esc.ID
	run.escalation = &evidence.Escalation{
		ID:          esc.ID,
		TriggerType: string(trig.Type),
		Urgency:     string(trig.Urgency),
		Checkpoint:  checkpoint,
		Reason:      trig.Reason,
	}
	return nil
}

// settle is the finally step: it runs on every path once the receipt exists.
func (o *Orchestrator) settle(ctx context.Context, run *turnRun) {
	ctx = context.WithoutCancel(ctx)
	res := run.res

	if run.outcome == OutcomeLeaseConflict {
		// the lease holder settles the turn; this receipt only points at it
		res.Outcome = OutcomeLeaseConflict
		if err := o.ingestor.Finalize(ctx, res.ReceiptID, store.ReceiptDuplicate, "turn:"+run.turn.ID); err != nil {
			log.Error().Err(err).Str("receipt_id", res.ReceiptID).Msg("receipt_finalize_failed")
		}
		recordOutcome(ctx, OutcomeLeaseConflict, run.ev.Channel, o.now().Sub(run.start).Milliseconds())
		return
	}

	turnID := ""
	if run.turn != nil {
		turnID = run.turn.ID
	}
	persisted := o.persistOutbound(ctx, run, turnID)
	run.delivered = o.deliverAll(ctx, run, turnID)

	if run.sess != nil {
		tokens := run.tokens.Input + run.tokens.Output
		if err := o.store.AddSessionStats(ctx, run.sess.ID, 1+persisted, tokens); err != nil {
			log.Warn().Err(err).Str("session_id", run.sess.ID).Msg("session_stats_not_updated")
		}
		if run.pin != nil && run.err == nil {
			if err := o.store.SetRoutingPin(ctx, run.sess.ID, *run.pin); err != nil {
				log.Warn().Err(err).Str("session_id", run.sess.ID).Msg("routing_pin_not_saved")
			}
		}
	}

	if run.lease != nil {
		var err error
		if run.err != nil {
			_, err = o.leases.Fail(ctx, turnID, run.lease.Version, run.lease.Token, string(res.ErrorClass)+": "+evidence.Redact(run.err.Error()))
		} else {
			_, err = o.leases.Release(ctx, turnID, run.lease.Version, run.lease.Token, run.nextState)
		}
		if err != nil {
			log.Error().Err(err).Str("turn_id", turnID).Msg("lease_settle_failed")
		}
	}

	receiptStatus := store.ReceiptCompleted
	if run.err != nil {
		receiptStatus = store.ReceiptFailed
	}
	ref := run.receiptRef
	switch {
	case ref != "":
	case run.delivered.MessageID != "":
		ref = "message:" + run.delivered.MessageID
	case run.delivered.DeadLetterID != "":
		ref = "dead_letter:" + run.delivered.DeadLetterID
	case turnID != "":
		ref = "turn:" + turnID
	}
	if err := o.ingestor.Finalize(ctx, res.ReceiptID, receiptStatus, ref); err != nil {
		log.Error().Err(err).Str("receipt_id", res.ReceiptID).Msg("receipt_finalize_failed")
	}

	if res.ErrorClass == ClassFatal || res.ErrorClass == ClassLoop {
		o.escalation.NotifyOwner(ctx, notify.Notification{
			OrgID:     run.ev.OrgID,
			SessionID: run.ev.SessionID,
			TurnID:    turnID,
			Reason:    "turn failed: " + string(res.ErrorClass),
			Urgency:   string(escalation.UrgencyHigh),
			Detail:    evidence.Redact(run.err.Error()),
		})
	}

	durationMS := o.now().Sub(run.start).Milliseconds()
	o.recordEvidence(ctx, run, turnID, durationMS)

	res.Outcome = run.outcome
	res.Reply = run.reply
	res.Notice = run.notice
	res.DeliveryStatus = run.delivered.Status
	res.ApprovalID = run.approvalID
	if run.err != nil {
		res.Error = evidence.Redact(run.err.Error())
	}

	status := "ok"
	if run.err != nil {
		status = "error"
	}
	if _, err := o.fireHook(ctx, run, HookTurnSettled, map[string]any{
		"status":      status,
		"outcome":     res.Outcome,
		"turn_id":     turnID,
		"evidence_id": res.EvidenceID,
	}); err != nil {
		log.Warn().Err(err).Str("turn_id", turnID).Msg("turn_settled_hook_failed")
	}

	recordOutcome(ctx, res.Outcome, run.ev.Channel, durationMS)
	evt := log.Info()
	if run.err != nil {
		evt = log.Warn().Err(run.err)
	}
	evt.Func(tkotel.LogTraceFields(ctx)).
		Str("correlation_id", run.correlationID).
		Str("org_id", run.ev.OrgID).
		Str("session_id", run.ev.SessionID).
		Str("turn_id", turnID).
		Str("outcome", string(res.Outcome)).
		Str("error_class", string(res.ErrorClass)).
		Str("delivery_status", res.DeliveryStatus).
		Int("rounds", run.rounds).
		Int64("duration_ms", durationMS).
		Msg("turn_settled")
}

// persistOutbound stores the reply and notice and returns how many messages
// were written.
func (o *Orchestrator) persistOutbound(ctx context.Context, run *turnRun, turnID string) int {
	if run.sess == nil {
		return 0
	}
	n := 0
	for _, m := range []struct {
		content string
		notice  bool
	}{
		{run.reply, false},
		{run.notice, true},
	} {
		if m.content == "" {
			continue
		}
		err := o.store.AppendMessage(ctx, &store.Message{
			ID:        "msg_" + uuid.New().String(),
			SessionID: run.sess.ID,
			TurnID:    turnID,
			Role:      store.RoleAssistant,
			Content:   m.content,
			Notice:    m.notice,
		})
		if err != nil {
			log.Warn().Err(err).Str("session_id", run.sess.ID).Bool("notice", m.notice).Msg("message_not_persisted")
			continue
		}
		n++
	}
	return n
}

// deliverAll sends the reply and then the notice. The returned result is the
// worst one: a dead letter outranks a successful send.
func (o *Orchestrator) deliverAll(ctx context.Context, run *turnRun, turnID string) delivery.Result {
	var worst delivery.Result
	for _, content := range []string{run.reply, run.notice} {
		if content == "" {
			continue
		}
		r, err := o.delivery.Deliver(ctx, delivery.Outbound{
			OrgID:           run.ev.OrgID,
			SessionID:       run.ev.SessionID,
			TurnID:          turnID,
			Channel:         run.ev.Channel,
			RecipientID:     run.ev.ContactID,
			Content:         content,
			ConversationRef: run.ev.ConversationRef,
		})
		if err != nil {
			log.Error().Err(err).Str("turn_id", turnID).Msg("delivery_failed")
		}
		if worst.Status == "" || worst.Status == delivery.StatusSent || r.Status == delivery.StatusDeadLettered {
			worst = r
		}
	}
	if worst.Status == "" {
		worst.Status = delivery.StatusSkipped
	}
	return worst
}

func (o *Orchestrator) recordEvidence(ctx context.Context, run *turnRun, turnID string, durationMS int64) {
	if o.evidence == nil {
		return
	}
	errMsg := ""
	if run.err != nil {
		errMsg = run.err.Error()
	}
	ev, err := o.evidence.Generate(ctx, evidence.GenerateParams{
		CorrelationID: run.correlationID,
		OrgID:         run.ev.OrgID,
		AgentID:       run.ev.AgentID,
		SessionID:     run.ev.SessionID,
		TurnID:        turnID,
		ReceiptID:     run.res.ReceiptID,
		Channel:       run.ev.Channel,
		Outcome:       string(run.outcome),
		ErrorClass:    string(run.res.ErrorClass),
		PolicyVersion: o.policy.VersionTag,
		Routing:       run.routing,
		ToolScope:     run.scope,
		Knowledge:     run.knowledge,
		ToolCalls:     run.toolCalls,
		Escalation:    run.escalation,
		Rounds:        run.rounds,
		Tokens:        run.tokens,
		DurationMS:    durationMS,
		Degraded:      run.degraded.reasons(),
		Error:         errMsg,
		Delivery: evidence.Delivery{
			Status:       run.delivered.Status,
			MessageID:    run.delivered.MessageID,
			DeadLetterID: run.delivered.DeadLetterID,
		},
		InputText:  run.ev.Message,
		OutputText: run.reply + run.notice,
	})
	if err != nil {
		log.Error().Err(err).Str("turn_id", turnID).Msg("failed_to_generate_evidence")
		return
	}
	run.res.EvidenceID = ev.ID
}

// fireHook is a nil-safe helper. It reports continue=true when no hook is
// registered or none aborted.
func (o *Orchestrator) fireHook(ctx context.Context, run *turnRun, point HookPoint, payload any) (bool, error) {
	if o.hooks == nil || o.hooks.Len() == 0 {
		return true, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return true, nil
	}
	turnID := ""
	if run.turn != nil {
		turnID = run.turn.ID
	}
	result, err := o.hooks.Execute(ctx, point, &HookData{
		OrgID:         run.ev.OrgID,
		AgentID:       run.ev.AgentID,
		SessionID:     run.ev.SessionID,
		TurnID:        turnID,
		CorrelationID: run.correlationID,
		Stage:         point,
		Payload:       raw,
	})
	if err != nil {
		return true, err
	}
	return result.Continue, nil
}

func contents(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
