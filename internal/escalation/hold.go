package escalation

// Hold message catalog keys. Settings.HoldMessages may override any of them.
const (
	HoldPending   = "pending"
	HoldUrgent    = "urgent"
	HoldTakenOver = "taken_over"
)

var defaultHoldMessages = map[string]string{
	HoldPending:   "Thanks for your patience. I've asked a member of our team to take over and they will reply here shortly.",
	HoldUrgent:    "I've flagged this as urgent and a member of our team will be with you as soon as possible.",
	HoldTakenOver: "A member of our team is handling this conversation and will reply here.",
}

// HoldMessage returns the fixed reply sent while a session is escalated.
// urgency is only consulted for pending escalations.
func HoldMessage(escalationStatus string, urgency Urgency, s Settings) string {
	key := HoldPending
	switch {
	case escalationStatus == StatusTakenOver:
		key = HoldTakenOver
	case urgency == UrgencyHigh:
		key = HoldUrgent
	}
	if msg := s.HoldMessages[key]; msg != "" {
		return msg
	}
	return defaultHoldMessages[key]
}
