// Package escalation decides when a conversation must be handed to a human,
// records the handoff and schedules operator notifications.
package escalation

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Urgency of a trigger.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// TriggerType names what fired.
type TriggerType string

const (
	TriggerPattern      TriggerType = "pattern"
	TriggerSentiment    TriggerType = "sentiment"
	TriggerToolFailure  TriggerType = "tool_failure"
	TriggerUncertainty  TriggerType = "uncertainty"
	TriggerResponseLoop TriggerType = "response_loop"
)

// Checkpoints where triggers are evaluated.
const (
	CheckpointPreCall     = "pre_call"
	CheckpointToolFailure = "tool_failure"
	CheckpointPostCall    = "post_call"
)

// Session escalation statuses.
const (
	StatusNone      = "none"
	StatusPending   = "pending"
	StatusTakenOver = "taken_over"
)

// Trigger is a fired escalation condition.
type Trigger struct {
	Type    TriggerType `json:"type"`
	Urgency Urgency     `json:"urgency"`
	Reason  string      `json:"reason"`
}

// Settings tune the triggers. Zero values fall back to DefaultSettings.
type Settings struct {
	Disabled             bool                    `yaml:"disabled"`
	HumanPatterns        []string                `yaml:"human_patterns"`
	UrgentPatterns       []string                `yaml:"urgent_patterns"`
	NegativeKeywords     []string                `yaml:"negative_keywords"`
	SentimentWindow      int                     `yaml:"sentiment_window"`
	SentimentThreshold   int                     `yaml:"sentiment_threshold"`
	ToolFailureThreshold int                     `yaml:"tool_failure_threshold"`
	UncertaintyPhrases   []string                `yaml:"uncertainty_phrases"`
	UncertaintyWindow    int                     `yaml:"uncertainty_window"`
	UncertaintyThreshold int                     `yaml:"uncertainty_threshold"`
	LoopWindow           int                     `yaml:"loop_window"`
	LoopPrefixRunes      int                     `yaml:"loop_prefix_runes"`
	Urgency              map[TriggerType]Urgency `yaml:"urgency"`
	ReminderDelay        time.Duration           `yaml:"reminder_delay"`
	HoldMessages         map[string]string       `yaml:"hold_messages"`
}

// DefaultSettings returns the shipped trigger configuration.
func DefaultSettings() Settings {
	return Settings{
		HumanPatterns: []string{
			"speak to a human", "talk to a human", "real person", "human agent",
			"agent please", "speak to someone", "talk to someone", "manager", "supervisor",
		},
		UrgentPatterns: []string{
			"lawyer", "attorney", "legal action", "sue", "lawsuit", "police", "fraud", "chargeback",
		},
		NegativeKeywords: []string{
			"angry", "terrible", "awful", "useless", "ridiculous", "worst", "frustrated",
			"unacceptable", "horrible", "disappointed", "waste of time",
		},
		SentimentWindow:      3,
		SentimentThreshold:   2,
		ToolFailureThreshold: 2,
		UncertaintyPhrases: []string{
			"i'm not sure", "i am not sure", "i don't know", "i do not know",
			"unable to help", "i can't help with", "i cannot help with",
		},
		UncertaintyWindow:    4,
		UncertaintyThreshold: 2,
		LoopWindow:           3,
		LoopPrefixRunes:      80,
		Urgency: map[TriggerType]Urgency{
			TriggerPattern:      UrgencyNormal,
			TriggerSentiment:    UrgencyNormal,
			TriggerToolFailure:  UrgencyNormal,
			TriggerUncertainty:  UrgencyLow,
			TriggerResponseLoop: UrgencyNormal,
		},
		ReminderDelay: 5 * time.Minute,
	}
}

// Merge fills zero fields of s from DefaultSettings.
func (s Settings) Merge() Settings {
	d := DefaultSettings()
	if s.HumanPatterns == nil {
		s.HumanPatterns = d.HumanPatterns
	}
	if s.UrgentPatterns == nil {
		s.UrgentPatterns = d.UrgentPatterns
	}
	if s.NegativeKeywords == nil {
		s.NegativeKeywords = d.NegativeKeywords
	}
	if s.SentimentWindow <= 0 {
		s.SentimentWindow = d.SentimentWindow
	}
	if s.SentimentThreshold <= 0 {
		s.SentimentThreshold = d.SentimentThreshold
	}
	if s.ToolFailureThreshold <= 0 {
		s.ToolFailureThreshold = d.ToolFailureThreshold
	}
	if s.UncertaintyPhrases == nil {
		s.UncertaintyPhrases = d.UncertaintyPhrases
	}
	if s.UncertaintyWindow <= 0 {
		s.UncertaintyWindow = d.UncertaintyWindow
	}
	if s.UncertaintyThreshold <= 0 {
		s.UncertaintyThreshold = d.UncertaintyThreshold
	}
	if s.LoopWindow <= 1 {
		s.LoopWindow = d.LoopWindow
	}
	if s.LoopPrefixRunes <= 0 {
		s.LoopPrefixRunes = d.LoopPrefixRunes
	}
	if s.ReminderDelay <= 0 {
		s.ReminderDelay = d.ReminderDelay
	}
	urg := make(map[TriggerType]Urgency, len(d.Urgency))
	for k, v := range d.Urgency {
		urg[k] = v
	}
	for k, v := range s.Urgency {
		urg[k] = v
	}
	s.Urgency = urg
	return s
}

func (s Settings) urgencyFor(t TriggerType) Urgency {
	if u, ok := s.Urgency[t]; ok && u != "" {
		return u
	}
	return UrgencyNormal
}

// EvaluatePreCall runs before any model call is spent. Patterns are matched
// against the inbound message; sentiment looks at it together with the last
// SentimentWindow-1 user messages. Urgent patterns win over human-request
// patterns, which win over sentiment.
func EvaluatePreCall(message string, recentUserMessages []string, s Settings) *Trigger {
	if s.Disabled {
		return nil
	}
	text := normalize(message)
	if p := firstMatch(text, s.UrgentPatterns); p != "" {
		return &Trigger{Type: TriggerPattern, Urgency: UrgencyHigh, Reason: "urgent keyword: " + p}
	}
	if p := firstMatch(text, s.HumanPatterns); p != "" {
		return &Trigger{Type: TriggerPattern, Urgency: s.urgencyFor(TriggerPattern), Reason: "requested a human: " + p}
	}

	window := recentUserMessages
	if n := s.SentimentWindow - 1; n >= 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	hits := countMatches(text, s.NegativeKeywords)
	for _, m := range window {
		hits += countMatches(normalize(m), s.NegativeKeywords)
	}
	if s.SentimentThreshold > 0 && hits >= s.SentimentThreshold {
		return &Trigger{Type: TriggerSentiment, Urgency: s.urgencyFor(TriggerSentiment), Reason: "negative sentiment across recent messages"}
	}
	return nil
}

// EvaluateToolFailures fires once the number of tools disabled for repeated
// failures reaches the threshold.
func EvaluateToolFailures(disabledCount int, s Settings) *Trigger {
	if s.Disabled || s.ToolFailureThreshold <= 0 || disabledCount < s.ToolFailureThreshold {
		return nil
	}
	return &Trigger{Type: TriggerToolFailure, Urgency: s.urgencyFor(TriggerToolFailure), Reason: "repeated tool failures disabled tools"}
}

// EvaluatePostCall inspects the assistant's recent replies, oldest first and
// including the one just produced, for repeated uncertainty or a loop.
func EvaluatePostCall(recentAssistantMessages []string, s Settings) *Trigger {
	if s.Disabled || len(recentAssistantMessages) == 0 {
		return nil
	}
	if isLoop(recentAssistantMessages, s.LoopWindow, s.LoopPrefixRunes) {
		return &Trigger{Type: TriggerResponseLoop, Urgency: s.urgencyFor(TriggerResponseLoop), Reason: "assistant is repeating itself"}
	}
	window := recentAssistantMessages
	if s.UncertaintyWindow > 0 && len(window) > s.UncertaintyWindow {
		window = window[len(window)-s.UncertaintyWindow:]
	}
	uncertain := 0
	for _, m := range window {
		if firstMatch(normalize(m), s.UncertaintyPhrases) != "" {
			uncertain++
		}
	}
	if s.UncertaintyThreshold > 0 && uncertain >= s.UncertaintyThreshold {
		return &Trigger{Type: TriggerUncertainty, Urgency: s.urgencyFor(TriggerUncertainty), Reason: "assistant repeatedly uncertain"}
	}
	return nil
}

func isLoop(msgs []string, window, prefixRunes int) bool {
	if window < 2 || len(msgs) < window {
		return false
	}
	tail := msgs[len(msgs)-window:]
	first := normalize(tail[0])
	if first == "" {
		return false
	}
	for _, m := range tail[1:] {
		if !nearIdentical(first, normalize(m), prefixRunes) {
			return false
		}
	}
	return true
}

func nearIdentical(a, b string, prefixRunes int) bool {
	if a == b {
		return true
	}
	if prefixRunes <= 0 || utf8.RuneCountInString(a) < prefixRunes || utf8.RuneCountInString(b) < prefixRunes {
		return false
	}
	return string([]rune(a)[:prefixRunes]) == string([]rune(b)[:prefixRunes])
}

var patternCache sync.Map

func normalize(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

func phraseRegexp(p string) *regexp.Regexp {
	if re, ok := patternCache.Load(p); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(^|[^\pL\pN'])` + regexp.QuoteMeta(normalize(p)) + `($|[^\pL\pN'])`)
	patternCache.Store(p, re)
	return re
}

func firstMatch(text string, patterns []string) string {
	for _, p := range patterns {
		if p != "" && phraseRegexp(p).MatchString(text) {
			return p
		}
	}
	return ""
}

func countMatches(text string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if p != "" && phraseRegexp(p).MatchString(text) {
			n++
		}
	}
	return n
}
