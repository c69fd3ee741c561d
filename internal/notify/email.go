package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// mailSender is the part of *mail.Client the notifier uses.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailConfig describes the SMTP relay and the addresses notifications go to.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailNotifier mails notifications to the account owner and on-call list.
type EmailNotifier struct {
	client mailSender
	from   string
	to     []string
}

// NewEmailNotifier returns nil for an empty host. Authentication is only
// negotiated when a username is set; STARTTLS is used when offered.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(10 * time.Second),
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	return &EmailNotifier{client: client, from: cfg.From, to: cfg.To}, nil
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return "email" }

// Notify implements Notifier.
func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	msg, err := e.message(n)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) message(n Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return nil, fmt.Errorf("email sender %q: %w", e.from, err)
	}
	if err := msg.To(e.to...); err != nil {
		return nil, fmt.Errorf("email recipients: %w", err)
	}
	msg.Subject("[turnkeeper] " + n.Title())
	msg.SetBodyString(mail.TypeTextPlain, emailBody(n))
	return msg, nil
}

func emailBody(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", n.Title())
	fmt.Fprintf(&b, "Org: %s\n", n.OrgID)
	for _, f := range []struct{ label, value string }{
		{"Session", n.SessionID},
		{"Turn", n.TurnID},
		{"Escalation", n.EscalationID},
		{"Trigger", n.TriggerType},
		{"Detail", n.Detail},
	} {
		if f.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
		}
	}
	return b.String()
}
