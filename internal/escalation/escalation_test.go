package escalation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

func TestEvaluatePreCall(t *testing.T) {
	s := DefaultSettings()
	tests := []struct {
		name    string
		message string
		recent  []string
		want    TriggerType
		urgency Urgency
	}{
		{"human request", "Can I speak to a human please?", nil, TriggerPattern, UrgencyNormal},
		{"manager", "get me your MANAGER", nil, TriggerPattern, UrgencyNormal},
		{"legal threat is urgent", "I will call my lawyer about this", nil, TriggerPattern, UrgencyHigh},
		{"urgent beats human", "speak to a human or I sue", nil, TriggerPattern, UrgencyHigh},
		{"sentiment across window", "this is ridiculous", []string{"hello", "your service is terrible"}, TriggerSentiment, UrgencyNormal},
		{"two keywords in one message", "awful and useless", nil, TriggerSentiment, UrgencyNormal},
		{"word boundary", "what is the issue with my order", nil, "", ""},
		{"management is not manager", "our management team asked", nil, "", ""},
		{"single negative word", "that is frustrating? no, I'm frustrated", nil, "", ""},
		{"plain question", "what are your opening hours?", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePreCall(tt.message, tt.recent, s)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.urgency, got.Urgency)
		})
	}
}

func TestEvaluatePreCall_WindowIsBounded(t *testing.T) {
	s := DefaultSettings()
	s.SentimentWindow = 2
	recent := []string{"awful", "fine thanks", "ok"}
	assert.Nil(t, EvaluatePreCall("terrible", recent, s), "only the last message joins the window")
	assert.NotNil(t, EvaluatePreCall("terrible", []string{"awful"}, s))
}

func TestEvaluatePreCall_Disabled(t *testing.T) {
	s := DefaultSettings()
	s.Disabled = true
	assert.Nil(t, EvaluatePreCall("speak to a human", nil, s))
}

func TestEvaluateToolFailures(t *testing.T) {
	s := DefaultSettings()
	assert.Nil(t, EvaluateToolFailures(1, s))
	tr := EvaluateToolFailures(2, s)
	require.NotNil(t, tr)
	assert.Equal(t, TriggerToolFailure, tr.Type)
}

func TestEvaluatePostCall(t *testing.T) {
	s := DefaultSettings()

	loop := []string{"Please restart the router.", "please  restart the router.", "Please restart the router."}
	tr := EvaluatePostCall(loop, s)
	require.NotNil(t, tr)
	assert.Equal(t, TriggerResponseLoop, tr.Type)

	uncertain := []string{"I'm not sure about that.", "Our hours are 9-5.", "I don’t know, sorry."}
	tr = EvaluatePostCall(uncertain, s)
	require.NotNil(t, tr)
	assert.Equal(t, TriggerUncertainty, tr.Type)
	assert.Equal(t, UrgencyLow, tr.Urgency)

	assert.Nil(t, EvaluatePostCall([]string{"I'm not sure.", "Here you go."}, s))
	assert.Nil(t, EvaluatePostCall([]string{"a", "a"}, s), "fewer messages than the loop window")
	assert.Nil(t, EvaluatePostCall(nil, s))
}

func TestEvaluatePostCall_NearIdenticalPrefix(t *testing.T) {
	s := DefaultSettings()
	s.LoopPrefixRunes = 20
	msgs := []string{
		"I can help you reset your password. Step one.",
		"I can help you reset your password. Step two.",
		"I can help you reset your password. Try again.",
	}
	tr := EvaluatePostCall(msgs, s)
	require.NotNil(t, tr)
	assert.Equal(t, TriggerResponseLoop, tr.Type)
}

func TestSettingsMerge(t *testing.T) {
	s := Settings{ToolFailureThreshold: 5, Urgency: map[TriggerType]Urgency{TriggerUncertainty: UrgencyHigh}}.Merge()
	assert.Equal(t, 5, s.ToolFailureThreshold)
	assert.Equal(t, 3, s.LoopWindow)
	assert.Equal(t, UrgencyHigh, s.Urgency[TriggerUncertainty])
	assert.Equal(t, UrgencyNormal, s.Urgency[TriggerPattern])
	assert.NotEmpty(t, s.HumanPatterns)
}

func TestDeriveDeliveryState(t *testing.T) {
	tests := []struct {
		session string
		esc     string
		turn    store.TurnState
		want    DeliveryState
	}{
		{store.SessionHandedOff, StatusNone, store.TurnCompleted, DeliveryBlocked},
		{store.SessionOpen, StatusPending, store.TurnRunning, DeliveryBlocked},
		{store.SessionOpen, StatusTakenOver, store.TurnFailed, DeliveryBlocked},
		{store.SessionOpen, StatusNone, store.TurnSuspended, DeliveryBlocked},
		{store.SessionOpen, StatusNone, store.TurnFailed, DeliveryFailed},
		{store.SessionClosed, StatusNone, store.TurnFailed, DeliveryFailed},
		{store.SessionOpen, StatusNone, store.TurnRunning, DeliveryRunning},
		{store.SessionOpen, StatusNone, store.TurnQueued, DeliveryQueued},
		{store.SessionOpen, StatusNone, store.TurnCompleted, DeliveryDone},
		{store.SessionOpen, StatusNone, store.TurnCancelled, DeliveryDone},
		{store.SessionExpired, StatusNone, "", DeliveryDone},
		{store.SessionOpen, StatusNone, "", DeliveryQueued},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveDeliveryState(tt.session, tt.esc, tt.turn), "%s/%s/%s", tt.session, tt.esc, tt.turn)
	}
}

func TestHoldMessage(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, defaultHoldMessages[HoldPending], HoldMessage(StatusPending, UrgencyNormal, s))
	assert.Equal(t, defaultHoldMessages[HoldUrgent], HoldMessage(StatusPending, UrgencyHigh, s))
	assert.Equal(t, defaultHoldMessages[HoldTakenOver], HoldMessage(StatusTakenOver, UrgencyHigh, s))

	s.HoldMessages = map[string]string{HoldPending: "One moment."}
	assert.Equal(t, "One moment.", HoldMessage(StatusPending, UrgencyLow, s))
}
