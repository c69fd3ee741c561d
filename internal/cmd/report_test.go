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
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

func TestReportCmd_RequiresOrg(t *testing.T) {
	flag := reportCmd.Flags().Lookup("org")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestReportCmd_RunOnEmptyDataDir(t *testing.T) {
	isolatedDataDir(t)

	out, err := executeRoot(t, "", "report", "--org", "org_acme")
	require.NoError(t, err)

	assert.Contains(t, out, "Turn summary for org org_acme")
	assert.Contains(t, out, "Turns today:             0")
	assert.Contains(t, out, "Escalated (7d):          0 (0.0%)")
	assert.NotContains(t, out, "Recent dead letters")
}

// TestReportCmd_EnrichedOutput runs report over seeded audit records and a
// dead letter to cover the escalation rate, model breakdown and failures.
func TestReportCmd_EnrichedOutput(t *testing.T) {
	isolatedDataDir(t)
	ctx := context.Background()

	seedEvidence(t, evidence.GenerateParams{
		OrgID: "org_acme", AgentID: "agent_support", TurnID: "turn_1", Outcome: "success",
		Routing: evidence.Routing{ModelUsed: "m-primary"}, Tokens: evidence.TokenUsage{Input: 100, Output: 20},
	})
	seedEvidence(t, evidence.GenerateParams{
		OrgID: "org_acme", AgentID: "agent_support", TurnID: "turn_2", Outcome: "escalated",
		Routing: evidence.Routing{ModelUsed: "m-secondary"}, Degraded: []string{"knowledge"},
	})
	seedEvidence(t, evidence.GenerateParams{
		OrgID: "org_acme", AgentID: "agent_support", TurnID: "turn_3", Outcome: "error", Error: "provider down",
	})
	seedEvidence(t, evidence.GenerateParams{
		OrgID: "org_other", AgentID: "agent_x", TurnID: "turn_4", Outcome: "escalated",
	})

	cfg, err := config.Load()
	require.NoError(t, err)
	st, err := store.Open(cfg.StoreDBPath())
	require.NoError(t, err)
	require.NoError(t, st.InsertDeadLetter(ctx, &store.DeadLetter{
		ID: "dl_1", OrgID: "org_acme", Channel: "sms", RecipientID: "+15550001",
		Content: "hello", Error: "carrier rejected", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.Close())

	out, err := executeRoot(t, "", "report", "--org", "org_acme")
	require.NoError(t, err)

	assert.Contains(t, out, "Turns (7d):              3")
	assert.Contains(t, out, "Escalated (7d):          1 (33.3%)")
	assert.Contains(t, out, "Failed (7d):             1 (33.3%)")
	assert.Contains(t, out, "Degraded turns (7d):     1")
	assert.Contains(t, out, "Tokens (7d):             120")
	assert.Contains(t, out, "- m-primary: 1")
	assert.Contains(t, out, "- m-secondary: 1")
	assert.Contains(t, out, "sms -> +15550001 | carrier rejected")
}

func TestRenderOrgReport_Percentages(t *testing.T) {
	var buf bytes.Buffer
	renderOrgReport(&buf, &orgReport{
		OrgID:  "org_acme",
		Today:  map[string]int{"success": 2},
		Week:   map[string]int{"success": 3, "escalated": 1},
		Models: map[string]int{},
	})
	out := buf.String()
	assert.Contains(t, out, "Turns today:             2")
	assert.Contains(t, out, "Escalated (7d):          1 (25.0%)")
	assert.Contains(t, out, "    - escalated: 1\n    - success: 3")
	assert.NotContains(t, out, "Model breakdown")
}

func TestPct(t *testing.T) {
	assert.Equal(t, 0.0, pct(0, 0))
	assert.Equal(t, 0.0, pct(5, 0))
	assert.InDelta(t, 50.0, pct(1, 2), 0.001)
	assert.InDelta(t, 100.0, pct(3, 3), 0.001)
}
