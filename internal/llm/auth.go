package llm

import (
	"sort"
	"strings"
	"time"
)

// Billing sources of an auth profile.
const (
	BillingOrg      = "org"
	BillingPlatform = "platform"
)

// Reserved profile ids for the fallback credentials.
const (
	LegacyProfileID = "legacy"
	EnvProfileID    = "env"
)

// AuthProfile is a named credential with its priority and health metadata.
type AuthProfile struct {
	ID            string    `json:"id"`
	APIKey        string    `json:"-"`
	Priority      int       `json:"priority"`
	BillingSource string    `json:"billing_source"`
	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// InCooldown reports whether the profile must be skipped at now.
func (p AuthProfile) InCooldown(now time.Time) bool {
	return !p.CooldownUntil.IsZero() && p.CooldownUntil.After(now)
}

// AuthInputs gathers every credential source for one org.
type AuthInputs struct {
	Profiles        []AuthProfile
	LegacyKey       string
	EnvKey          string
	PinnedProfileID string
	// Cooldowns holds cooldown deadlines by profile id, for credentials
	// whose health is tracked apart from the profile itself (legacy, env).
	Cooldowns map[string]time.Time
	Now       time.Time
}

const (
	legacyPriority = 100
	envPriority    = 1000
)

// ResolveAuthProfiles merges explicit profiles, the legacy single key and the
// environment key. Profiles in cooldown or without a key are skipped. Duplicate
// ids keep the lowest priority number; the result is sorted by priority with
// the session's pinned profile moved to the front.
func ResolveAuthProfiles(in AuthInputs) []AuthProfile {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	byID := make(map[string]AuthProfile)
	var order []string
	consider := func(p AuthProfile) {
		p.ID = strings.TrimSpace(p.ID)
		if until, ok := in.Cooldowns[p.ID]; ok && until.After(p.CooldownUntil) {
			p.CooldownUntil = until
		}
		if p.ID == "" || strings.TrimSpace(p.APIKey) == "" || p.InCooldown(now) {
			return
		}
		prev, ok := byID[p.ID]
		if !ok {
			order = append(order, p.ID)
			byID[p.ID] = p
			return
		}
		if p.Priority < prev.Priority {
			byID[p.ID] = p
		}
	}

	for _, p := range in.Profiles {
		if p.BillingSource == "" {
			p.BillingSource = BillingOrg
		}
		consider(p)
	}
	if in.LegacyKey != "" {
		consider(AuthProfile{ID: LegacyProfileID, APIKey: in.LegacyKey, Priority: legacyPriority, BillingSource: BillingOrg})
	}
	if in.EnvKey != "" {
		consider(AuthProfile{ID: EnvProfileID, APIKey: in.EnvKey, Priority: envPriority, BillingSource: BillingPlatform})
	}

	out := make([]AuthProfile, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })

	if in.PinnedProfileID != "" {
		for i, p := range out {
			if p.ID == in.PinnedProfileID && i > 0 {
				copy(out[1:i+1], out[0:i])
				out[0] = p
				break
			}
		}
	}
	return out
}

const (
	cooldownBase = 5 * time.Minute
	cooldownMax  = 60 * time.Minute
)

// CooldownFor returns the cooldown after a failure, given the number of
// failures recorded before it: 5m, 10m, 20m, 40m, then 60m. That is
// 5m × 2^(failures-1) in terms of the count after this failure, so the first
// failure cools down for 5m rather than the 10m of 5m × 2^failures.
func CooldownFor(priorFailures int) time.Duration {
	if priorFailures < 0 {
		priorFailures = 0
	}
	if priorFailures >= 4 {
		return cooldownMax
	}
	return min(cooldownBase<<uint(priorFailures), cooldownMax)
}
