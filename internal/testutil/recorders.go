package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/voundbrand/vc83-com-sub003/internal/delivery"
	"github.com/voundbrand/vc83-com-sub003/internal/notify"
)

// ErrSendFailed is what RecordingSender returns when Fail is set.
var ErrSendFailed = errors.New("channel send failed")

// RecordingSender implements delivery.Sender and keeps every message.
type RecordingSender struct {
	Channel string
	Fail    bool

	mu   sync.Mutex
	sent []delivery.Outbound
}

// Name returns the channel name.
func (s *RecordingSender) Name() string { return s.Channel }

// Send records msg or fails when Fail is set.
func (s *RecordingSender) Send(_ context.Context, msg delivery.Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return "", ErrSendFailed
	}
	s.sent = append(s.sent, msg)
	return "out_" + msg.TurnID, nil
}

// Sent returns the delivered messages in order.
func (s *RecordingSender) Sent() []delivery.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.Outbound(nil), s.sent...)
}

// Contents returns just the delivered texts.
func (s *RecordingSender) Contents() []string {
	var out []string
	for _, m := range s.Sent() {
		out = append(out, m.Content)
	}
	return out
}

// RecordingNotifier implements notify.Notifier and keeps every notification.
type RecordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

// Name returns "recording".
func (n *RecordingNotifier) Name() string { return "recording" }

// Notify records the notification.
func (n *RecordingNotifier) Notify(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

// Notifications returns what was received, optionally filtered by kind.
func (n *RecordingNotifier) Notifications(kind notify.Kind) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notification
	for _, note := range n.got {
		if kind == "" || note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}
