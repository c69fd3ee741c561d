package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/config"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
)

func TestAuditCmd_HasSubcommands(t *testing.T) {
	expected := []string{"list", "verify", "export"}
	registered := make(map[string]bool)
	for _, cmd := range auditCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "audit subcommand %q should be registered", name)
	}
}

func TestAuditVerifyCmd_RequiresOneArg(t *testing.T) {
	assert.NotNil(t, auditVerifyCmd.Args)
	err := auditVerifyCmd.Args(auditVerifyCmd, []string{})
	assert.Error(t, err)
	err = auditVerifyCmd.Args(auditVerifyCmd, []string{"ev_123"})
	assert.NoError(t, err)
}

func TestAuditListCmd_Flags(t *testing.T) {
	for _, name := range []string{"org", "agent", "session", "outcome", "limit"} {
		assert.NotNil(t, auditListCmd.Flags().Lookup(name), "audit list flag %q should be registered", name)
	}
	limit := auditListCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "20", limit.DefValue)

	format := auditExportCmd.Flags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "csv", format.DefValue)
}

// seedEvidence writes one signed record into the isolated data dir.
func seedEvidence(t *testing.T, params evidence.GenerateParams) *evidence.Evidence {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())
	st, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	require.NoError(t, err)
	defer st.Close()
	ev, err := evidence.NewGenerator(st).Generate(context.Background(), params)
	require.NoError(t, err)
	return ev
}

func TestAuditCmd_ListVerifyExport(t *testing.T) {
	isolatedDataDir(t)
	ev := seedEvidence(t, evidence.GenerateParams{
		CorrelationID: "corr_1",
		OrgID:         "org_acme",
		AgentID:       "agent_support",
		SessionID:     "sess_1",
		TurnID:        "turn_1",
		Outcome:       "success",
		Routing:       evidence.Routing{ModelUsed: "m-primary"},
		Tokens:        evidence.TokenUsage{Input: 10, Output: 5},
		InputText:     "hello",
		OutputText:    "hi there",
	})

	out, err := executeRoot(t, "", "audit", "list", "--org", "org_acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Audit Records (showing 1)")
	assert.Contains(t, out, ev.ID)
	assert.Contains(t, out, "m-primary")

	out, err = executeRoot(t, "", "audit", "verify", ev.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "signature VALID")

	// a turn id resolves to the newest record of that turn
	out, err = executeRoot(t, "", "audit", "verify", "turn_1")
	require.NoError(t, err)
	assert.Contains(t, out, ev.ID)

	out, err = executeRoot(t, "", "audit", "export", "--org", "org_acme", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"turn_id": "turn_1"`)
}

func TestAuditCmd_VerifyUnknownID(t *testing.T) {
	isolatedDataDir(t)
	_, err := executeRoot(t, "", "audit", "verify", "ev_missing")
	require.Error(t, err)
}

func TestAuditCmd_ExportRejectsUnknownFormat(t *testing.T) {
	isolatedDataDir(t)
	_, err := executeRoot(t, "", "audit", "export", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
	auditFormat = "csv"
}

func TestRenderAuditList(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)
	index := []evidence.Index{
		{ID: "ev_1", Timestamp: ts, OrgID: "org_acme", AgentID: "agent", TurnID: "turn_1", Outcome: "success", ModelUsed: "m-primary", Tokens: 42, DurationMS: 100},
		{ID: "ev_2", Timestamp: ts, OrgID: "org_acme", AgentID: "agent", TurnID: "turn_2", Outcome: "escalated", DurationMS: 200},
		{ID: "ev_3", Timestamp: ts, OrgID: "org_acme", AgentID: "agent", TurnID: "turn_3", Outcome: "error", DurationMS: 300, HasError: true},
	}
	renderAuditList(&buf, index)
	out := buf.String()
	assert.Contains(t, out, "Audit Records (showing 3)")
	assert.Contains(t, out, "✓ ev_1")
	assert.Contains(t, out, "• ev_2")
	assert.Contains(t, out, "✗ ev_3")
	assert.Contains(t, out, "42 tok")
	assert.Contains(t, out, "[ERROR]")
	assert.Contains(t, out, "| - |", "a turn without a model shows a dash")
}

func TestRenderVerifyResult(t *testing.T) {
	var bufValid, bufInvalid bytes.Buffer
	renderVerifyResult(&bufValid, "ev_abc", true)
	renderVerifyResult(&bufInvalid, "ev_xyz", false)
	assert.Contains(t, bufValid.String(), "VALID")
	assert.Contains(t, bufValid.String(), "ev_abc")
	assert.Contains(t, bufInvalid.String(), "INVALID")
	assert.Contains(t, bufInvalid.String(), "ev_xyz")
}
