package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/testutil"
	"github.com/voundbrand/vc83-com-sub003/internal/toolscope"
)

func loadFixture(t *testing.T) *Policy {
	t.Helper()
	dir := t.TempDir()
	path := testutil.WriteRuntimePolicyFile(t, dir)
	pol, err := Load(context.Background(), path, dir)
	require.NoError(t, err)
	return pol
}

func TestLoad_Fixture(t *testing.T) {
	pol := loadFixture(t)

	assert.Equal(t, "1.0.0", pol.Version)
	assert.Regexp(t, `^1\.0\.0:sha256:[0-9a-f]{8}$`, pol.VersionTag)
	assert.Len(t, pol.Hash, 64)
	assert.Equal(t, []string{"m-primary", "m-secondary", "m-safe"}, pol.Platform.EnabledModels)
	assert.True(t, pol.Tools["create_invoice"].Integration == "stripe")
	assert.Equal(t, 3, pol.MaxToolRounds())
	assert.Equal(t, 8000, pol.ContextLength("m-primary"))
	assert.Equal(t, DefaultContextLength, pol.ContextLength("m-safe"))

	esc := pol.EscalationSettings()
	assert.Equal(t, 1, esc.ToolFailureThreshold)
	assert.Equal(t, 5*time.Minute, esc.ReminderDelay)
	assert.NotEmpty(t, esc.HumanPatterns, "unset lists fall back to defaults")
}

func TestLoad_RejectsPathOutsideBase(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()
	path := testutil.WriteRuntimePolicyFile(t, other)

	_, err := Load(context.Background(), path, base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base directory")
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(context.Background(), filepath.Join(dir, "nope.yaml"), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "minimal",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
`,
		},
		{
			name: "missing platform",
			yaml: `
version: "1.0.0"
`,
			wantErr: "schema validation",
		},
		{
			name: "unknown top-level key",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
agent:
  name: legacy
`,
			wantErr: "schema validation",
		},
		{
			name: "bad autonomy",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
agents:
  a1:
    org_id: o1
    autonomy: yolo
`,
			wantErr: "schema validation",
		},
		{
			name: "default model not enabled",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
  default_model: m2
`,
			wantErr: "not platform-enabled",
		},
		{
			name: "agent primary model not enabled",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
agents:
  a1:
    org_id: o1
    primary_model: m9
`,
			wantErr: "agents.a1.primary_model",
		},
		{
			name: "unknown profile with custom presets",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
presets:
  billing: [create_invoice]
agents:
  a1:
    org_id: o1
    profile: sales
`,
			wantErr: "unknown profile",
		},
		{
			name: "escalation urgency for unknown trigger",
			yaml: `
version: "1.0.0"
platform:
  enabled_models: [m1]
escalation:
  urgency:
    vibes: high
`,
			wantErr: "schema validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "m1", pol.Platform.SafeFallbackModel, "first enabled model becomes the safe fallback")
			assert.True(t, pol.Tools[toolscope.UniversalTool].ReadOnly)
		})
	}
}

func TestParse_SemanticErrorsWrapSentinel(t *testing.T) {
	_, err := Parse([]byte(`
version: "1.0.0"
platform:
  enabled_models: [m1]
  safe_fallback_model: m2
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestAgent_UnknownGetsReadonly(t *testing.T) {
	pol := loadFixture(t)

	a := pol.Agent("ghost")
	assert.Equal(t, "readonly", a.Profile)
	assert.Equal(t, toolscope.AutonomySupervised, a.Autonomy)

	known := pol.Agent("agent_support")
	assert.Equal(t, "org_acme", known.OrgID)
	assert.Equal(t, toolscope.AutonomyAutonomous, known.Autonomy)
}

func TestScopeInput_FeedsResolver(t *testing.T) {
	pol := loadFixture(t)
	names := make([]string, 0, len(pol.Tools))
	for n := range pol.Tools {
		names = append(names, n)
	}
	catalog := pol.ToolCatalog(names)
	require.Len(t, catalog, len(names))
	assert.Equal(t, "create_invoice", catalog[0].Name, "catalog is sorted")

	res := toolscope.Resolve(pol.ScopeInput("org_acme", "agent_draft", catalog, nil, "sms"))
	got := res.Names()
	assert.Contains(t, got, "lookup_contact")
	assert.NotContains(t, got, "create_invoice", "draft_only keeps read-only tools")
	assert.NotContains(t, got, "delete_everything")
	assert.Equal(t, "platform", res.Audit.RemovedBy("delete_everything"))
}

func TestModelPolicy(t *testing.T) {
	pol := loadFixture(t)

	mp := pol.ModelPolicy("org_acme", "agent_support", "m-secondary")
	assert.Equal(t, llm.ModelPolicy{
		Primary:         "m-primary",
		SessionPin:      "m-secondary",
		OrgDefault:      "m-primary",
		OrgEnabled:      []string{"m-primary"},
		PlatformEnabled: []string{"m-primary", "m-secondary", "m-safe"},
		SafeFallback:    "m-safe",
	}, mp)

	other := pol.ModelPolicy("org_unknown", "ghost", "")
	assert.Equal(t, "m-secondary", other.OrgDefault, "platform default applies to unknown orgs")
	assert.Equal(t, []string{"m-secondary", "m-safe", "m-primary"}, llm.ResolveModelCandidates(other))
}

func TestDefault(t *testing.T) {
	pol := Default()
	require.NoError(t, pol.Validate())
	assert.NotEmpty(t, pol.VersionTag)
	assert.Equal(t, escalation.DefaultSettings().SentimentWindow, pol.EscalationSettings().SentimentWindow)
}

func TestResolvePathUnderBase(t *testing.T) {
	base := t.TempDir()
	p, err := ResolvePathUnderBase(base, "policies/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "policies", "a.yaml"), p)

	_, err = ResolvePathUnderBase(base, "../escape.yaml")
	require.Error(t, err)
}
