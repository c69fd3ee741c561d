// Package delivery sends assistant replies to channels and records anything
// that could not be delivered as a dead letter.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/delivery")

// ErrNoSender is returned when no sender handles a channel.
var ErrNoSender = errors.New("no sender for channel")

// Delivery statuses.
const (
	StatusSent         = "sent"
	StatusDeadLettered = "dead_lettered"
	StatusSkipped      = "skipped"
)

// Outbound is one message to a contact.
type Outbound struct {
	OrgID           string
	SessionID       string
	TurnID          string
	Channel         string
	RecipientID     string
	Content         string
	ConversationRef string
}

// Result reports what happened to an Outbound.
type Result struct {
	Status       string `json:"status"`
	MessageID    string `json:"message_id,omitempty"`
	DeadLetterID string `json:"dead_letter_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Sender delivers to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Outbound) (messageID string, err error)
}

// DeadLetterStore keeps undelivered content.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, d *store.DeadLetter) error
}

// Router picks a sender per channel. Channels listed as HTML keep safe
// markup; every other channel receives plain text.
type Router struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	fallback Sender
	dead     DeadLetterStore
	html     map[string]bool
	strict   *bluemonday.Policy
	ugc      *bluemonday.Policy
	now      func() time.Time
}

// NewRouter creates a router that dead-letters into dead.
func NewRouter(dead DeadLetterStore) *Router {
	return &Router{
		senders: map[string]Sender{},
		dead:    dead,
		html:    map[string]bool{"webchat": true},
		strict:  bluemonday.StrictPolicy(),
		ugc:     bluemonday.UGCPolicy(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register routes channel to s.
func (r *Router) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[strings.ToLower(channel)] = s
}

// SetFallback handles channels without a registered sender.
func (r *Router) SetFallback(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// SetHTMLChannels replaces the set of channels that render markup.
func (r *Router) SetHTMLChannels(channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.html = map[string]bool{}
	for _, c := range channels {
		r.html[strings.ToLower(c)] = true
	}
}

func (r *Router) sender(channel string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.senders[strings.ToLower(channel)]; ok {
		return s, true
	}
	return r.fallback, r.fallback != nil
}

// Sanitize prepares content for channel.
func (r *Router) Sanitize(channel, content string) string {
	r.mu.RLock()
	rich := r.html[strings.ToLower(channel)]
	r.mu.RUnlock()
	if rich {
		return r.ugc.Sanitize(content)
	}
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(content)))
}

// Deliver sends msg. A send failure is recorded as a dead letter and is not
// an error; only a failure to record the dead letter is returned.
func (r *Router) Deliver(ctx context.Context, msg Outbound) (Result, error) {
	ctx, span := tracer.Start(ctx, "delivery.send",
		trace.WithAttributes(
			attribute.String("org_id", msg.OrgID),
			attribute.String("delivery.channel", msg.Channel),
		))
	defer span.End()

	msg.Content = r.Sanitize(msg.Channel, msg.Content)
	if msg.Content == "" {
		return Result{Status: StatusSkipped}, nil
	}

	var sendErr error
	s, ok := r.sender(msg.Channel)
	if !ok {
		sendErr = fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
	} else {
		id, err := s.Send(ctx, msg)
		if err == nil {
			span.SetAttributes(attribute.String("delivery.sender", s.Name()))
			return Result{Status: StatusSent, MessageID: id}, nil
		}
		sendErr = err
	}

	span.RecordError(sendErr)
	dl := &store.DeadLetter{
		ID:              "dl_" + uuid.New().String()[:12],
		OrgID:           msg.OrgID,
		SessionID:       msg.SessionID,
		TurnID:          msg.TurnID,
		Channel:         msg.Channel,
		RecipientID:     msg.RecipientID,
		Content:         msg.Content,
		ConversationRef: msg.ConversationRef,
		Error:           sendErr.Error(),
		CreatedAt:       r.now(),
	}
	if err := r.dead.InsertDeadLetter(ctx, dl); err != nil {
		return Result{Error: sendErr.Error()}, fmt.Errorf("recording dead letter after %v: %w", sendErr, err)
	}
	recordDeadLetter(ctx, msg.Channel)
	log.Warn().
		Func(tkotel.LogTraceFields(ctx)).
		Str("org_id", msg.OrgID).
		Str("session_id", msg.SessionID).
		Str("turn_id", msg.TurnID).
		Str("channel", msg.Channel).
		Str("dead_letter_id", dl.ID).
		Err(sendErr).
		Msg("delivery_dead_lettered")
	return Result{Status: StatusDeadLettered, DeadLetterID: dl.ID, Error: sendErr.Error()}, nil
}

var (
	deadLetterCounter metric.Int64Counter
	metricsOnce       sync.Once
	metricsRegistered bool
)

func recordDeadLetter(ctx context.Context, channel string) {
	metricsOnce.Do(func() {
		var err error
		deadLetterCounter, err = otel.Meter("github.com/voundbrand/vc83-com-sub003/internal/delivery").Int64Counter(
			"turnkeeper.delivery.dead_letter",
			metric.WithDescription("Outbound messages recorded as dead letters by channel"),
		)
		metricsRegistered = err == nil
	})
	if !metricsRegistered {
		return
	}
	deadLetterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
