package secrets

import (
	"path/filepath"
	"strings"
)

// ACL restricts which agents may use an auth profile.
type ACL struct {
	Agents          []string `json:"agents,omitempty"`           // Allowed agents (glob patterns)
	ForbiddenAgents []string `json:"forbidden_agents,omitempty"` // Explicitly denied agents
}

// CheckAccess verifies if an agent can use the profile. The forbidden list is
// checked first (explicit deny). An empty allow list means allow-all.
func (a ACL) CheckAccess(agentID string) bool {
	for _, pattern := range a.ForbiddenAgents {
		if matchGlob(pattern, agentID) {
			return false
		}
	}
	if len(a.Agents) == 0 {
		return true
	}
	for _, pattern := range a.Agents {
		if matchGlob(pattern, agentID) {
			return true
		}
	}
	return false
}

// matchGlob performs simple glob matching using filepath.Match.
func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == str
	}
	matched, _ := filepath.Match(pattern, str)
	return matched
}
