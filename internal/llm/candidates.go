package llm

import "strings"

// ModelPolicy is the model selection input for one turn.
type ModelPolicy struct {
	Primary         string
	SessionPin      string
	OrgDefault      string
	OrgEnabled      []string
	PlatformEnabled []string
	SafeFallback    string
}

// ResolveModelCandidates returns the ordered, deduplicated model ids to try:
// primary, session pin, org default, org-enabled ids, safe fallback, then any
// remaining platform-enabled id. Ids the platform has not enabled are skipped.
func ResolveModelCandidates(p ModelPolicy) []string {
	enabled := make(map[string]bool, len(p.PlatformEnabled))
	for _, id := range p.PlatformEnabled {
		if id = strings.TrimSpace(id); id != "" {
			enabled[id] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !enabled[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(p.Primary)
	add(p.SessionPin)
	add(p.OrgDefault)
	for _, id := range p.OrgEnabled {
		add(id)
	}
	add(p.SafeFallback)
	for _, id := range p.PlatformEnabled {
		add(id)
	}
	return out
}
