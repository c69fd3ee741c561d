// Package toolscope computes the tools an agent may use in one turn. Five
// subtractive layers run in a fixed order and every removal is recorded in
// an audit so support can answer "why can't the agent do X".
package toolscope

import (
	"path"
	"slices"
	"strings"
)

// UniversalTool is the read-only org-data query that survives every layer.
const UniversalTool = "query_org_data"

// Autonomy levels.
const (
	AutonomyAutonomous = "autonomous"
	AutonomySupervised = "supervised"
	AutonomyDraftOnly  = "draft_only"
)

// ProfileAll is the admin preset that keeps everything.
const ProfileAll = "*"

// Tool is the scoping metadata of one tool.
type Tool struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
	// Integration names the org connection the tool needs, e.g. "stripe".
	Integration string `json:"integration,omitempty"`
}

// Input is everything the resolver looks at. Presets and ChannelRestrictions
// fall back to DefaultPresets and DefaultChannelRestrictions when nil.
type Input struct {
	AllTools              []Tool
	PlatformBlocked       []string
	OrgEnabled            []string
	OrgDisabled           []string
	ConnectedIntegrations []string
	AgentProfile          string
	AgentEnabled          []string
	AgentDisabled         []string
	Autonomy              string
	SessionDisabled       []string
	Channel               string
	Presets               map[string][]string
	ChannelRestrictions   map[string][]string
}

// AgentAudit splits agent-layer removals by cause.
type AgentAudit struct {
	Profile  []string `json:"profile,omitempty"`
	Explicit []string `json:"explicit,omitempty"`
	Autonomy []string `json:"autonomy,omitempty"`
}

// SessionAudit splits session-layer removals by cause.
type SessionAudit struct {
	Disabled []string `json:"disabled,omitempty"`
	Channel  []string `json:"channel,omitempty"`
}

// Audit lists, per layer, exactly which tool names were removed.
type Audit struct {
	InputCount    int          `json:"input_count"`
	Platform      []string     `json:"platform,omitempty"`
	OrgAllow      []string     `json:"org_allow,omitempty"`
	OrgDeny       []string     `json:"org_deny,omitempty"`
	Integration   []string     `json:"integration,omitempty"`
	Agent         AgentAudit   `json:"agent"`
	Session       SessionAudit `json:"session"`
	ForceIncluded []string     `json:"force_included,omitempty"`
	OutputCount   int          `json:"output_count"`
}

// RemovedBy names the layer that removed tool, or "" if it was kept.
func (a Audit) RemovedBy(tool string) string {
	if slices.Contains(a.ForceIncluded, tool) {
		return ""
	}
	layers := []struct {
		name  string
		names []string
	}{
		{"platform", a.Platform},
		{"org_allow", a.OrgAllow},
		{"org_deny", a.OrgDeny},
		{"integration", a.Integration},
		{"agent_profile", a.Agent.Profile},
		{"agent_explicit", a.Agent.Explicit},
		{"agent_autonomy", a.Agent.Autonomy},
		{"session_disabled", a.Session.Disabled},
		{"session_channel", a.Session.Channel},
	}
	for _, l := range layers {
		if slices.Contains(l.names, tool) {
			return l.name
		}
	}
	return ""
}

// Result is the resolved tool set and its audit.
type Result struct {
	Tools []Tool `json:"tools"`
	Audit Audit  `json:"audit"`
}

// Names returns the resolved tool names in order.
func (r Result) Names() []string {
	out := make([]string, len(r.Tools))
	for i, t := range r.Tools {
		out[i] = t.Name
	}
	return out
}

// Allows reports whether name is in the resolved set.
func (r Result) Allows(name string) bool {
	for _, t := range r.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Resolve applies the layers in order: platform block-list, org allow then
// deny, integration availability, agent profile/explicit lists/autonomy,
// session disabled tools and channel restrictions. No layer re-adds a tool.
// Afterwards UniversalTool is put back if it was in AllTools. Resolve is
// pure: equal inputs give equal results.
func Resolve(in Input) Result {
	audit := Audit{InputCount: len(in.AllTools)}
	tools := slices.Clone(in.AllTools)

	// 1. platform
	tools, audit.Platform = partition(tools, func(t Tool) bool { return !matchAny(t.Name, in.PlatformBlocked) })

	// 2. org allow, then org deny
	if len(in.OrgEnabled) > 0 {
		tools, audit.OrgAllow = partition(tools, func(t Tool) bool { return matchAny(t.Name, in.OrgEnabled) })
	}
	tools, audit.OrgDeny = partition(tools, func(t Tool) bool { return !matchAny(t.Name, in.OrgDisabled) })

	// 3. integrations
	connected := makeSet(lowerAll(in.ConnectedIntegrations))
	tools, audit.Integration = partition(tools, func(t Tool) bool {
		return t.Integration == "" || connected[strings.ToLower(t.Integration)]
	})

	// 4. agent
	if preset, ok := presetFor(in.AgentProfile, in.Presets); ok {
		tools, audit.Agent.Profile = partition(tools, func(t Tool) bool { return matchAny(t.Name, preset) })
	}
	if len(in.AgentEnabled) > 0 {
		var removed []string
		tools, removed = partition(tools, func(t Tool) bool { return matchAny(t.Name, in.AgentEnabled) })
		audit.Agent.Explicit = append(audit.Agent.Explicit, removed...)
	}
	var removed []string
	tools, removed = partition(tools, func(t Tool) bool { return !matchAny(t.Name, in.AgentDisabled) })
	audit.Agent.Explicit = append(audit.Agent.Explicit, removed...)
	if in.Autonomy == AutonomyDraftOnly {
		tools, audit.Agent.Autonomy = partition(tools, func(t Tool) bool { return t.ReadOnly })
	}

	// 5. session
	tools, audit.Session.Disabled = partition(tools, func(t Tool) bool { return !slices.Contains(in.SessionDisabled, t.Name) })
	restrictions := in.ChannelRestrictions
	if restrictions == nil {
		restrictions = DefaultChannelRestrictions
	}
	if blocked := restrictions[strings.ToLower(in.Channel)]; len(blocked) > 0 {
		tools, audit.Session.Channel = partition(tools, func(t Tool) bool { return !matchAny(t.Name, blocked) })
	}

	if universal, ok := find(in.AllTools, UniversalTool); ok && !containsTool(tools, UniversalTool) {
		tools = append(tools, universal)
		audit.ForceIncluded = []string{UniversalTool}
	}

	audit.OutputCount = len(tools)
	return Result{Tools: tools, Audit: audit}
}

// presetFor returns the allow patterns of a named profile. An empty or "*"
// profile applies no filter. Unknown names fall back to the readonly preset.
func presetFor(profile string, presets map[string][]string) ([]string, bool) {
	profile = strings.TrimSpace(strings.ToLower(profile))
	if profile == "" || profile == ProfileAll {
		return nil, false
	}
	if presets == nil {
		presets = DefaultPresets
	}
	if p, ok := presets[profile]; ok {
		if slices.Contains(p, ProfileAll) {
			return nil, false
		}
		return p, true
	}
	if p, ok := presets["readonly"]; ok {
		return p, true
	}
	return DefaultPresets["readonly"], true
}

func partition(tools []Tool, keep func(Tool) bool) (kept []Tool, removed []string) {
	kept = tools[:0:0]
	for _, t := range tools {
		if keep(t) {
			kept = append(kept, t)
		} else {
			removed = append(removed, t.Name)
		}
	}
	return kept, removed
}

// matchAny checks name against exact names and path.Match globs, case-insensitively.
func matchAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == lower {
			return true
		}
		if matched, _ := path.Match(p, lower); matched {
			return true
		}
	}
	return false
}

func find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func containsTool(tools []Tool, name string) bool {
	_, ok := find(tools, name)
	return ok
}

func makeSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

func lowerAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
