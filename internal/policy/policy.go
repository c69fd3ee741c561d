// Package policy loads the runtime policy: platform limits, tool metadata,
// agent profile presets, per-org and per-agent overrides and escalation
// settings. It also evaluates tool-call approvals with embedded OPA.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/toolscope"
)

// DefaultContextLength is assumed for models without a configured length.
const DefaultContextLength = 32000

// DefaultMaxToolRounds bounds model rounds per turn.
const DefaultMaxToolRounds = 4

// Policy is the parsed runtime policy.
type Policy struct {
	Version             string                 `yaml:"version" json:"version"`
	Platform            PlatformConfig         `yaml:"platform" json:"platform"`
	Tools               map[string]ToolMeta    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Presets             map[string][]string    `yaml:"presets,omitempty" json:"presets,omitempty"`
	ChannelRestrictions map[string][]string    `yaml:"channel_restrictions,omitempty" json:"channel_restrictions,omitempty"`
	Orgs                map[string]OrgConfig   `yaml:"orgs,omitempty" json:"orgs,omitempty"`
	Agents              map[string]AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`
	Escalation          escalation.Settings    `yaml:"escalation,omitempty" json:"-"`

	// Computed fields (not in YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// PlatformConfig applies to every org.
type PlatformConfig struct {
	BlockedTools          []string       `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`
	EnabledModels         []string       `yaml:"enabled_models" json:"enabled_models"`
	DefaultModel          string         `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	SafeFallbackModel     string         `yaml:"safe_fallback_model,omitempty" json:"safe_fallback_model,omitempty"`
	ModelContextLengths   map[string]int `yaml:"model_context_lengths,omitempty" json:"model_context_lengths,omitempty"`
	ApprovalRequiredTools []string       `yaml:"approval_required_tools,omitempty" json:"approval_required_tools,omitempty"`
	MaxToolRounds         int            `yaml:"max_tool_rounds,omitempty" json:"max_tool_rounds,omitempty"`
	Temperature           float64        `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens             int            `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// ToolMeta is the scoping metadata of a tool known to the platform.
type ToolMeta struct {
	ReadOnly    bool   `yaml:"read_only" json:"read_only"`
	Integration string `yaml:"integration,omitempty" json:"integration,omitempty"`
}

// OrgConfig holds per-org overrides.
type OrgConfig struct {
	EnabledTools          []string `yaml:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`
	DisabledTools         []string `yaml:"disabled_tools,omitempty" json:"disabled_tools,omitempty"`
	ConnectedIntegrations []string `yaml:"connected_integrations,omitempty" json:"connected_integrations,omitempty"`
	EnabledModels         []string `yaml:"enabled_models,omitempty" json:"enabled_models,omitempty"`
	DefaultModel          string   `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	ApprovalRequiredTools []string `yaml:"approval_required_tools,omitempty" json:"approval_required_tools,omitempty"`
	KnowledgeDisabled     bool     `yaml:"knowledge_disabled,omitempty" json:"knowledge_disabled,omitempty"`
}

// AgentConfig holds per-agent settings.
type AgentConfig struct {
	OrgID         string   `yaml:"org_id" json:"org_id"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Profile       string   `yaml:"profile,omitempty" json:"profile,omitempty"`
	EnabledTools  []string `yaml:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`
	DisabledTools []string `yaml:"disabled_tools,omitempty" json:"disabled_tools,omitempty"`
	Autonomy      string   `yaml:"autonomy,omitempty" json:"autonomy,omitempty"`
	PrimaryModel  string   `yaml:"primary_model,omitempty" json:"primary_model,omitempty"`
	SystemPrompt  string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// ComputeHash sets Hash and VersionTag "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

// Agent returns an agent's config. Unknown agents get an empty config with
// the readonly profile and supervised autonomy.
func (p *Policy) Agent(agentID string) AgentConfig {
	a, ok := p.Agents[agentID]
	if !ok {
		return AgentConfig{Name: agentID, Profile: "readonly", Autonomy: toolscope.AutonomySupervised}
	}
	if a.Autonomy == "" {
		a.Autonomy = toolscope.AutonomySupervised
	}
	return a
}

// Org returns an org's overrides, empty when unknown.
func (p *Policy) Org(orgID string) OrgConfig {
	return p.Orgs[orgID]
}

// ToolCatalog returns the tool metadata for the given names, sorted by name.
// Names without metadata are treated as side-effecting with no integration.
func (p *Policy) ToolCatalog(names []string) []toolscope.Tool {
	out := make([]toolscope.Tool, 0, len(names))
	for _, n := range names {
		m := p.Tools[n]
		out = append(out, toolscope.Tool{Name: n, ReadOnly: m.ReadOnly, Integration: m.Integration})
	}
	slices.SortFunc(out, func(a, b toolscope.Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// ScopeInput assembles the tool scope resolver input for one turn.
func (p *Policy) ScopeInput(orgID, agentID string, tools []toolscope.Tool, sessionDisabled []string, channel string) toolscope.Input {
	org := p.Org(orgID)
	agent := p.Agent(agentID)
	return toolscope.Input{
		AllTools:              tools,
		PlatformBlocked:       p.Platform.BlockedTools,
		OrgEnabled:            org.EnabledTools,
		OrgDisabled:           org.DisabledTools,
		ConnectedIntegrations: org.ConnectedIntegrations,
		AgentProfile:          agent.Profile,
		AgentEnabled:          agent.EnabledTools,
		AgentDisabled:         agent.DisabledTools,
		Autonomy:              agent.Autonomy,
		SessionDisabled:       sessionDisabled,
		Channel:               channel,
		Presets:               p.Presets,
		ChannelRestrictions:   p.ChannelRestrictions,
	}
}

// ModelPolicy assembles the model candidate input for one turn.
func (p *Policy) ModelPolicy(orgID, agentID, sessionPin string) llm.ModelPolicy {
	org := p.Org(orgID)
	orgDefault := org.DefaultModel
	if orgDefault == "" {
		orgDefault = p.Platform.DefaultModel
	}
	return llm.ModelPolicy{
		Primary:         p.Agent(agentID).PrimaryModel,
		SessionPin:      sessionPin,
		OrgDefault:      orgDefault,
		OrgEnabled:      org.EnabledModels,
		PlatformEnabled: p.Platform.EnabledModels,
		SafeFallback:    p.Platform.SafeFallbackModel,
	}
}

// ContextLength returns the configured context length of model.
func (p *Policy) ContextLength(model string) int {
	if n := p.Platform.ModelContextLengths[model]; n > 0 {
		return n
	}
	return DefaultContextLength
}

// MaxToolRounds returns the model round limit per turn.
func (p *Policy) MaxToolRounds() int {
	if p.Platform.MaxToolRounds > 0 {
		return p.Platform.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

// EscalationSettings returns the escalation settings with defaults filled in.
func (p *Policy) EscalationSettings() escalation.Settings {
	return p.Escalation.Merge()
}

// Default returns the policy used when no runtime policy file is configured.
func Default() *Policy {
	p := &Policy{
		Version: "0.0.0",
		Platform: PlatformConfig{
			EnabledModels:     []string{"gpt-4o-mini", "gpt-4o"},
			DefaultModel:      "gpt-4o-mini",
			SafeFallbackModel: "gpt-4o-mini",
			ModelContextLengths: map[string]int{
				"gpt-4o-mini": 128000,
				"gpt-4o":      128000,
			},
		},
		Tools: map[string]ToolMeta{
			toolscope.UniversalTool: {ReadOnly: true},
			"search_knowledge":      {ReadOnly: true},
		},
	}
	p.ComputeHash([]byte("default"))
	return p
}
