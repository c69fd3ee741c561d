package toolscope

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var catalog = []Tool{
	{Name: UniversalTool, ReadOnly: true},
	{Name: "search_knowledge", ReadOnly: true},
	{Name: "lookup_order", ReadOnly: true},
	{Name: "create_ticket"},
	{Name: "create_invoice", Integration: "stripe"},
	{Name: "create_deal"},
	{Name: "send_message"},
	{Name: "upload_media"},
	{Name: "delete_contact"},
}

func TestResolve_NoRestrictions(t *testing.T) {
	res := Resolve(Input{AllTools: catalog, ConnectedIntegrations: []string{"stripe"}})
	assert.Len(t, res.Tools, len(catalog))
	assert.Equal(t, len(catalog), res.Audit.InputCount)
	assert.Equal(t, len(catalog), res.Audit.OutputCount)
	assert.Empty(t, res.Audit.ForceIncluded)
}

func TestResolve_LayersRecordRemovals(t *testing.T) {
	res := Resolve(Input{
		AllTools:              catalog,
		PlatformBlocked:       []string{"delete_*"},
		OrgEnabled:            []string{"query_org_data", "search_knowledge", "lookup_order", "create_ticket", "create_invoice", "send_message", "upload_media"},
		OrgDisabled:           []string{"send_message"},
		ConnectedIntegrations: nil,
		AgentProfile:          "support",
		AgentDisabled:         []string{"lookup_order"},
		SessionDisabled:       []string{"create_ticket"},
		Channel:               "sms",
	})

	assert.Equal(t, []string{"delete_contact"}, res.Audit.Platform)
	assert.Equal(t, []string{"create_deal"}, res.Audit.OrgAllow)
	assert.Equal(t, []string{"send_message"}, res.Audit.OrgDeny)
	assert.Equal(t, []string{"create_invoice"}, res.Audit.Integration)
	assert.Equal(t, []string{"upload_media"}, res.Audit.Agent.Profile)
	assert.Equal(t, []string{"lookup_order"}, res.Audit.Agent.Explicit)
	assert.Equal(t, []string{"create_ticket"}, res.Audit.Session.Disabled)
	assert.Empty(t, res.Audit.Session.Channel, "upload_media was already gone")
	assert.Equal(t, []string{UniversalTool, "search_knowledge"}, res.Names())

	assert.Equal(t, "integration", res.Audit.RemovedBy("create_invoice"))
	assert.Equal(t, "platform", res.Audit.RemovedBy("delete_contact"))
	assert.Equal(t, "", res.Audit.RemovedBy("search_knowledge"))
}

func TestResolve_DraftOnlyExcludesWriteTools(t *testing.T) {
	res := Resolve(Input{
		AllTools:              catalog,
		OrgEnabled:            []string{"create_invoice", "query_org_data"},
		ConnectedIntegrations: []string{"stripe"},
		AgentProfile:          ProfileAll,
		AgentEnabled:          []string{"create_invoice"},
		Autonomy:              AutonomyDraftOnly,
	})
	assert.False(t, res.Allows("create_invoice"))
	assert.Equal(t, []string{"create_invoice"}, res.Audit.Agent.Autonomy)
	assert.Equal(t, "agent_autonomy", res.Audit.RemovedBy("create_invoice"))
}

func TestResolve_ForceIncludesUniversalTool(t *testing.T) {
	res := Resolve(Input{
		AllTools:        catalog,
		PlatformBlocked: []string{"*"},
	})
	assert.Equal(t, []string{UniversalTool}, res.Names())
	assert.Equal(t, []string{UniversalTool}, res.Audit.ForceIncluded)
	assert.Equal(t, "", res.Audit.RemovedBy(UniversalTool))

	without := Resolve(Input{AllTools: catalog[1:], PlatformBlocked: []string{"*"}})
	assert.Empty(t, without.Tools, "never added when absent from the input")
}

func TestResolve_ChannelRestriction(t *testing.T) {
	res := Resolve(Input{AllTools: catalog, ConnectedIntegrations: []string{"stripe"}, Channel: "SMS"})
	assert.False(t, res.Allows("upload_media"))
	assert.Equal(t, []string{"upload_media"}, res.Audit.Session.Channel)

	web := Resolve(Input{AllTools: catalog, ConnectedIntegrations: []string{"stripe"}, Channel: "web"})
	assert.True(t, web.Allows("upload_media"))
}

func TestResolve_UnknownProfileFallsBackToReadonly(t *testing.T) {
	res := Resolve(Input{AllTools: catalog, ConnectedIntegrations: []string{"stripe"}, AgentProfile: "mystery"})
	assert.ElementsMatch(t, []string{UniversalTool, "search_knowledge", "lookup_order"}, res.Names())
}

func TestResolve_CustomPresets(t *testing.T) {
	res := Resolve(Input{
		AllTools:              catalog,
		AgentProfile:          "billing",
		Presets:               map[string][]string{"billing": {"create_*"}},
		ConnectedIntegrations: []string{"stripe"},
	})
	assert.Equal(t, []string{"create_ticket", "create_invoice", "create_deal", UniversalTool}, res.Names())
}

func TestResolve_EmptyOrgAllowListIsNoop(t *testing.T) {
	in := Input{AllTools: catalog, ConnectedIntegrations: []string{"stripe"}}
	withNil := Resolve(in)
	in.OrgEnabled = []string{}
	withEmpty := Resolve(in)
	assert.Equal(t, withNil.Names(), withEmpty.Names())
	assert.Empty(t, withEmpty.Audit.OrgAllow)
}

// Every random configuration yields a subset of the input, and the audit
// accounts for every removed tool exactly once.
func TestResolve_AlwaysSubtractive(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	names := make([]string, len(catalog))
	for i, tl := range catalog {
		names[i] = tl.Name
	}
	pick := func() []string {
		var out []string
		for _, n := range names {
			if r.IntN(4) == 0 {
				out = append(out, n)
			}
		}
		return out
	}
	profiles := []string{"", "*", "support", "sales", "readonly", "unknown"}
	autonomy := []string{"", AutonomyAutonomous, AutonomySupervised, AutonomyDraftOnly}
	channels := []string{"", "sms", "web", "whatsapp"}

	for i := 0; i < 500; i++ {
		var tools []Tool
		for _, tl := range catalog {
			if r.IntN(3) > 0 {
				tools = append(tools, tl)
			}
		}
		in := Input{
			AllTools:              tools,
			PlatformBlocked:       pick(),
			OrgEnabled:            pick(),
			OrgDisabled:           pick(),
			ConnectedIntegrations: []string{"stripe"}[:r.IntN(2)],
			AgentProfile:          profiles[r.IntN(len(profiles))],
			AgentEnabled:          pick(),
			AgentDisabled:         pick(),
			Autonomy:              autonomy[r.IntN(len(autonomy))],
			SessionDisabled:       pick(),
			Channel:               channels[r.IntN(len(channels))],
		}
		res := Resolve(in)
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			input := map[string]bool{}
			for _, tl := range tools {
				input[tl.Name] = true
			}
			for _, tl := range res.Tools {
				require.True(t, input[tl.Name], "output tool %s not in input", tl.Name)
			}
			a := res.Audit
			removed := len(a.Platform) + len(a.OrgAllow) + len(a.OrgDeny) + len(a.Integration) +
				len(a.Agent.Profile) + len(a.Agent.Explicit) + len(a.Agent.Autonomy) +
				len(a.Session.Disabled) + len(a.Session.Channel)
			assert.Equal(t, len(tools), len(res.Tools)+removed-len(a.ForceIncluded))
			assert.Equal(t, res, Resolve(in), "resolve is deterministic")
		})
	}
}
