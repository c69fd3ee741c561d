package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// slackPoster is the part of *slack.Client the notifier uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notifications to a chat-ops channel.
type SlackNotifier struct {
	client  slackPoster
	channel string
}

// NewSlackNotifier creates a notifier with a bot token. Empty token or
// channel yields nil, meaning chat-ops is not configured.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{client: slack.New(token, opts...), channel: channel}
}

// Name implements Notifier.
func (s *SlackNotifier) Name() string { return "slack" }

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	if s.channel == "" {
		return errors.New("slack channel not configured")
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Title(), false),
		slack.MsgOptionAttachments(slackAttachment(n)),
	)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}

func slackAttachment(n Notification) slack.Attachment {
	color := "#daa038"
	switch {
	case n.Kind == KindOwnerAlert, n.Urgency == "high":
		color = "#d40e0d"
	case n.Urgency == "low":
		color = "#439fe0"
	}
	fields := []slack.AttachmentField{{Title: "Org", Value: n.OrgID, Short: true}}
	if n.SessionID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Session", Value: n.SessionID, Short: true})
	}
	if n.TriggerType != "" {
		fields = append(fields, slack.AttachmentField{Title: "Trigger", Value: n.TriggerType, Short: true})
	}
	if n.TurnID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Turn", Value: n.TurnID, Short: true})
	}
	return slack.Attachment{
		Color:  color,
		Title:  string(n.Kind),
		Text:   n.Detail,
		Fields: fields,
	}
}
