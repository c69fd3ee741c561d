package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voundbrand/vc83-com-sub003/internal/notify"
	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/escalation")

// TaskNotify is the scheduler task kind that delivers notifications.
const TaskNotify = "escalation.notify"

// Escalation record statuses.
const (
	RecordOpen      = "open"
	RecordTakenOver = "taken_over"
	RecordResolved  = "resolved"
)

// ErrInvalidTransition is returned when takeover or resolve does not match
// the session's current escalation status.
var ErrInvalidTransition = errors.New("invalid escalation transition")

// Store is the persistence the engine needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	SetSessionStatus(ctx context.Context, id, status string) error
	TransitionEscalationStatus(ctx context.Context, id string, from []string, to string) (bool, error)
	CreateEscalation(ctx context.Context, e *store.Escalation) error
	UpdateEscalations(ctx context.Context, sessionID, status string, resolvedAt time.Time) error
	AppendTransition(ctx context.Context, tr store.Transition) error
}

// Scheduler queues delayed callbacks.
type Scheduler interface {
	Schedule(ctx context.Context, kind string, payload any, delay time.Duration) (string, error)
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Engine fires, takes over and resolves escalations.
type Engine struct {
	store    Store
	sched    Scheduler
	notifier Notifier
	settings Settings
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithSettings sets the platform-wide settings used for reminders.
func WithSettings(s Settings) EngineOption {
	return func(e *Engine) { e.settings = s.Merge() }
}

// NewEngine wires the engine. sched may be nil, in which case notifications
// are only logged.
func NewEngine(st Store, sched Scheduler, n Notifier, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		sched:    sched,
		notifier: n,
		settings: DefaultSettings(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FireInput identifies where a trigger fired.
type FireInput struct {
	OrgID      string
	SessionID  string
	TurnID     string
	TurnState  store.TurnState
	Version    int64
	Checkpoint string
	Trigger    Trigger
}

// Fire records the escalation, moves the session to pending and schedules
// notifications. Firing again while pending adds another record and another
// notification. When an operator already took over, the record is kept but
// nobody is notified. Notification scheduling failures are logged and never
// returned.
func (e *Engine) Fire(ctx context.Context, in FireInput) (*store.Escalation, error) {
	ctx, span := tracer.Start(ctx, "escalation.fire",
		trace.WithAttributes(
			attribute.String("session_id", in.SessionID),
			attribute.String("escalation.trigger", string(in.Trigger.Type)),
			attribute.String("escalation.urgency", string(in.Trigger.Urgency)),
			attribute.String("escalation.checkpoint", in.Checkpoint),
		))
	defer span.End()

	changed, err := e.store.TransitionEscalationStatus(ctx, in.SessionID, []string{StatusNone, StatusPending}, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("marking session escalated: %w", err)
	}

	esc := &store.Escalation{
		ID:          "esc_" + uuid.New().String()[:12],
		OrgID:       in.OrgID,
		SessionID:   in.SessionID,
		TurnID:      in.TurnID,
		Reason:      in.Trigger.Reason,
		Urgency:     string(in.Trigger.Urgency),
		TriggerType: string(in.Trigger.Type),
		Checkpoint:  in.Checkpoint,
		Status:      RecordOpen,
		CreatedAt:   e.now(),
	}
	if !changed {
		esc.Status = RecordTakenOver
	}
	if err := e.store.CreateEscalation(ctx, esc); err != nil {
		return nil, err
	}

	if in.TurnID != "" {
		err := e.store.AppendTransition(ctx, store.Transition{
			TurnID:     in.TurnID,
			From:       in.TurnState,
			To:         in.TurnState,
			Version:    in.Version,
			Checkpoint: "escalation_" + in.Checkpoint,
			Metadata: map[string]string{
				"escalation_id": esc.ID,
				"trigger_type":  esc.TriggerType,
				"urgency":       esc.Urgency,
				"reason":        esc.Reason,
			},
		})
		if err != nil {
			log.Warn().Err(err).Str("turn_id", in.TurnID).Msg("escalation_transition_append_failed")
		}
	}

	recordFired(ctx, in.Trigger)
	log.Info().
		Func(tkotel.LogTraceFields(ctx)).
		Str("org_id", in.OrgID).
		Str("session_id", in.SessionID).
		Str("turn_id", in.TurnID).
		Str("escalation_id", esc.ID).
		Str("trigger_type", esc.TriggerType).
		Str("urgency", esc.Urgency).
		Str("checkpoint", in.Checkpoint).
		Bool("already_taken_over", !changed).
		Msg("escalation_fired")

	if !changed {
		return esc, nil
	}

	n := notify.Notification{
		Kind:         notify.KindEscalation,
		OrgID:        in.OrgID,
		SessionID:    in.SessionID,
		TurnID:       in.TurnID,
		EscalationID: esc.ID,
		Reason:       in.Trigger.Reason,
		Urgency:      string(in.Trigger.Urgency),
		TriggerType:  string(in.Trigger.Type),
		CreatedAt:    esc.CreatedAt,
	}
	e.schedule(ctx, n, 0)
	if in.Trigger.Urgency == UrgencyHigh {
		reminder := n
		reminder.Reminder = true
		e.schedule(ctx, reminder, e.settings.ReminderDelay)
	}
	return esc, nil
}

// NotifyOwner queues an internal alert for the account owner.
func (e *Engine) NotifyOwner(ctx context.Context, n notify.Notification) {
	n.Kind = notify.KindOwnerAlert
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}
	e.schedule(ctx, n, 0)
}

func (e *Engine) schedule(ctx context.Context, n notify.Notification, delay time.Duration) {
	if e.sched == nil {
		log.Warn().Str("kind", string(n.Kind)).Str("org_id", n.OrgID).Str("reason", n.Reason).Msg("notification_not_scheduled")
		return
	}
	if _, err := e.sched.Schedule(ctx, TaskNotify, n, delay); err != nil {
		log.Error().Err(err).Str("kind", string(n.Kind)).Str("org_id", n.OrgID).Msg("notification_schedule_failed")
	}
}

// HandleNotify is the scheduler handler for TaskNotify. Reminders for an
// escalation that was already taken over or resolved are dropped.
func (e *Engine) HandleNotify(ctx context.Context, raw json.RawMessage) error {
	var n notify.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("decoding notification: %w", err)
	}
	if n.Reminder && n.Kind == notify.KindEscalation && n.SessionID != "" {
		sess, err := e.store.GetSession(ctx, n.SessionID)
		if err != nil {
			return err
		}
		if sess.EscalationStatus != StatusPending {
			log.Debug().Str("session_id", n.SessionID).Str("escalation_status", sess.EscalationStatus).Msg("escalation_reminder_skipped")
			return nil
		}
	}
	if e.notifier == nil {
		return nil
	}
	return e.notifier.Notify(ctx, n)
}

// Takeover hands a pending session to an operator.
func (e *Engine) Takeover(ctx context.Context, sessionID string) error {
	changed, err := e.store.TransitionEscalationStatus(ctx, sessionID, []string{StatusPending}, StatusTakenOver)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("takeover of session %s: %w", sessionID, ErrInvalidTransition)
	}
	if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionHandedOff); err != nil {
		return err
	}
	if err := e.store.UpdateEscalations(ctx, sessionID, RecordTakenOver, time.Time{}); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Msg("escalation_taken_over")
	return nil
}

// Resolve returns an escalated session to the assistant.
func (e *Engine) Resolve(ctx context.Context, sessionID string) error {
	changed, err := e.store.TransitionEscalationStatus(ctx, sessionID, []string{StatusPending, StatusTakenOver}, StatusNone)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("resolve of session %s: %w", sessionID, ErrInvalidTransition)
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionHandedOff {
		if err := e.store.SetSessionStatus(ctx, sessionID, store.SessionOpen); err != nil {
			return err
		}
	}
	if err := e.store.UpdateEscalations(ctx, sessionID, RecordResolved, e.now()); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Msg("escalation_resolved")
	return nil
}

// Settings returns the engine's platform settings.
func (e *Engine) Settings() Settings { return e.settings }
