package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalEngine_Decide(t *testing.T) {
	pol := loadFixture(t)
	eng, err := NewApprovalEngine(context.Background(), pol)
	require.NoError(t, err)

	tests := []struct {
		name       string
		in         ToolCallInput
		wantAction string
		wantReason string
	}{
		{
			name:       "autonomous side effect executes",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_support", Tool: "create_invoice", Autonomy: "autonomous"},
			wantAction: DecisionExecute,
		},
		{
			name:       "read-only tool executes under supervision",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_supervised", Tool: "lookup_contact", ReadOnly: true, Autonomy: "supervised"},
			wantAction: DecisionExecute,
		},
		{
			name:       "supervised side effect needs approval",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_supervised", Tool: "create_invoice", Autonomy: "supervised"},
			wantAction: DecisionApprovalRequired,
			wantReason: "supervised autonomy requires approval for side-effecting tools",
		},
		{
			name:       "platform approval list",
			in:         ToolCallInput{OrgID: "org_other", AgentID: "agent_support", Tool: "issue_refund", Autonomy: "autonomous"},
			wantAction: DecisionApprovalRequired,
			wantReason: "tool requires approval by platform policy",
		},
		{
			name:       "org approval list",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_support", Tool: "update_contact", Autonomy: "autonomous"},
			wantAction: DecisionApprovalRequired,
			wantReason: "tool requires approval by org policy",
		},
		{
			name:       "org list does not leak to other orgs",
			in:         ToolCallInput{OrgID: "org_other", AgentID: "agent_support", Tool: "update_contact", Autonomy: "autonomous"},
			wantAction: DecisionExecute,
		},
		{
			name:       "draft_only blocks side effects even when listed",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_draft", Tool: "issue_refund", Autonomy: "draft_only"},
			wantAction: DecisionBlocked,
			wantReason: "draft_only autonomy forbids side-effecting tools",
		},
		{
			name:       "draft_only allows read-only",
			in:         ToolCallInput{OrgID: "org_acme", AgentID: "agent_draft", Tool: "query_org_data", ReadOnly: true, Autonomy: "draft_only"},
			wantAction: DecisionExecute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := eng.Decide(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, pol.VersionTag, d.PolicyVersion)
			if tt.wantReason != "" {
				assert.Contains(t, d.Reasons, tt.wantReason)
			} else {
				assert.Empty(t, d.Reasons)
			}
		})
	}
}

func TestApprovalEngine_DefaultPolicy(t *testing.T) {
	eng, err := NewApprovalEngine(context.Background(), Default())
	require.NoError(t, err)

	d, err := eng.Decide(context.Background(), ToolCallInput{OrgID: "o", Tool: "anything", Autonomy: "autonomous"})
	require.NoError(t, err)
	assert.Equal(t, DecisionExecute, d.Action)
}
