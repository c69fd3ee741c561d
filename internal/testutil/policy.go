package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// FixturePolicyYAML is a runtime policy with one org ("org_acme") and three
// agents covering every autonomy level.
const FixturePolicyYAML = `
version: "1.0.0"
platform:
  blocked_tools: [delete_everything]
  enabled_models: [m-primary, m-secondary, m-safe]
  default_model: m-secondary
  safe_fallback_model: m-safe
  model_context_lengths:
    m-primary: 8000
  approval_required_tools: [issue_refund]
  max_tool_rounds: 3
tools:
  query_org_data: {read_only: true}
  search_knowledge: {read_only: true}
  lookup_contact: {read_only: true}
  update_contact: {read_only: false}
  create_invoice: {read_only: false, integration: stripe}
  issue_refund: {read_only: false, integration: stripe}
  send_media: {read_only: false}
  delete_everything: {read_only: false}
orgs:
  org_acme:
    disabled_tools: [send_media]
    connected_integrations: [stripe]
    enabled_models: [m-primary]
    default_model: m-primary
    approval_required_tools: [update_contact]
agents:
  agent_support:
    org_id: org_acme
    name: Support
    profile: "*"
    autonomy: autonomous
    primary_model: m-primary
    system_prompt: You are a helpful support agent.
  agent_supervised:
    org_id: org_acme
    profile: "*"
    autonomy: supervised
  agent_draft:
    org_id: org_acme
    profile: "*"
    autonomy: draft_only
escalation:
  tool_failure_threshold: 1
  reminder_delay: 5m
`

// WriteRuntimePolicyFile writes FixturePolicyYAML to dir and returns its path.
func WriteRuntimePolicyFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "runtime-policy.yaml")
	if err := os.WriteFile(path, []byte(FixturePolicyYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
