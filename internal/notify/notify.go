// Package notify delivers out-of-band notifications (escalations, owner
// alerts) to chat-ops, a message bus, webhooks and email. Sinks are called by
// the scheduler, never from the turn pipeline itself.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/notify")

// Kind distinguishes the two audiences of a notification.
type Kind string

const (
	// KindEscalation tells operators a conversation needs a human.
	KindEscalation Kind = "escalation"
	// KindOwnerAlert tells the account owner something failed internally.
	// End users never see its text.
	KindOwnerAlert Kind = "owner_alert"
)

// Notification is the payload every sink receives.
type Notification struct {
	Kind         Kind      `json:"kind"`
	OrgID        string    `json:"org_id"`
	SessionID    string    `json:"session_id,omitempty"`
	TurnID       string    `json:"turn_id,omitempty"`
	EscalationID string    `json:"escalation_id,omitempty"`
	Reason       string    `json:"reason"`
	Urgency      string    `json:"urgency,omitempty"`
	TriggerType  string    `json:"trigger_type,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Reminder     bool      `json:"reminder,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Title is a one-line summary used by chat and log sinks.
func (n Notification) Title() string {
	prefix := "Escalation"
	if n.Kind == KindOwnerAlert {
		prefix = "Owner alert"
	}
	if n.Reminder {
		prefix += " (reminder)"
	}
	if n.Urgency != "" {
		return fmt.Sprintf("%s [%s]: %s", prefix, n.Urgency, n.Reason)
	}
	return fmt.Sprintf("%s: %s", prefix, n.Reason)
}

// Notifier is implemented by every sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Fanout sends to every sink and joins their errors. One failing sink does
// not stop the others.
type Fanout struct {
	sinks []Notifier
}

// NewFanout builds a fan-out over the non-nil sinks.
func NewFanout(sinks ...Notifier) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Name implements Notifier.
func (f *Fanout) Name() string { return "fanout" }

// Len reports the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	ctx, span := tracer.Start(ctx, "notify.fanout",
		trace.WithAttributes(
			attribute.String("notify.kind", string(n.Kind)),
			attribute.String("org_id", n.OrgID),
			attribute.Int("notify.sinks", len(f.sinks)),
		))
	defer span.End()

	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, n); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Str("org_id", n.OrgID).Msg("notification_sink_failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		span.SetAttributes(attribute.Int("notify.failed", len(errs)))
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log. It is always
// configured so that an install without chat-ops still records them.
type LogNotifier struct{}

// Name implements Notifier.
func (LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log.Warn().
		Func(tkotel.LogTraceFields(ctx)).
		Str("kind", string(n.Kind)).
		Str("org_id", n.OrgID).
		Str("session_id", n.SessionID).
		Str("turn_id", n.TurnID).
		Str("escalation_id", n.EscalationID).
		Str("urgency", n.Urgency).
		Bool("reminder", n.Reminder).
		Str("reason", n.Reason).
		Msg("notification")
	return nil
}
