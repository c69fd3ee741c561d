package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// LogSender writes replies to the log. It is the default for local runs.
type LogSender struct{}

// Name implements Sender.
func (LogSender) Name() string { return "log" }

// Send implements Sender.
func (LogSender) Send(_ context.Context, msg Outbound) (string, error) {
	id := "log_" + uuid.New().String()[:12]
	log.Info().
		Str("org_id", msg.OrgID).
		Str("channel", msg.Channel).
		Str("recipient_id", msg.RecipientID).
		Str("message_id", id).
		Int("content_len", len(msg.Content)).
		Msg("delivery_logged")
	return id, nil
}

// WebhookSender posts replies to an outbound bridge that owns the actual
// channel integration.
type WebhookSender struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewWebhookSender creates a sender that POSTs JSON to url.
func NewWebhookSender(name, url, token string) *WebhookSender {
	return &WebhookSender{name: name, url: url, token: token, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Sender.
func (w *WebhookSender) Name() string { return w.name }

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, msg Outbound) (string, error) {
	if strings.TrimSpace(w.url) == "" {
		return "", fmt.Errorf("%s: outbound url not configured", w.name)
	}
	id := "out_" + uuid.New().String()[:12]
	body, err := json.Marshal(map[string]any{
		"message_id":       id,
		"org_id":           msg.OrgID,
		"session_id":       msg.SessionID,
		"channel":          msg.Channel,
		"recipient_id":     msg.RecipientID,
		"conversation_ref": msg.ConversationRef,
		"content":          msg.Content,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s outbound bridge status: %d", w.name, resp.StatusCode)
	}
	return id, nil
}

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSender replies in Slack. The recipient id is the Slack channel and the
// conversation ref, when set, the thread timestamp.
type SlackSender struct {
	client slackPoster
}

// NewSlackSender creates a Slack sender with a bot token.
func NewSlackSender(token string, opts ...slack.Option) *SlackSender {
	return &SlackSender{client: slack.New(token, opts...)}
}

// Name implements Sender.
func (s *SlackSender) Name() string { return "slack" }

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, msg Outbound) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ConversationRef != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ConversationRef))
	}
	_, ts, err := s.client.PostMessageContext(ctx, msg.RecipientID, opts...)
	if err != nil {
		return "", fmt.Errorf("posting to slack: %w", err)
	}
	return ts, nil
}
