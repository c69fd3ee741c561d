package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileIDs(ps []AuthProfile) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestResolveAuthProfiles(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("orders by priority and appends fallbacks", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			Profiles: []AuthProfile{
				{ID: "b", APIKey: "kb", Priority: 20},
				{ID: "a", APIKey: "ka", Priority: 10},
			},
			LegacyKey: "legacy-key",
			EnvKey:    "env-key",
			Now:       now,
		})
		assert.Equal(t, []string{"a", "b", LegacyProfileID, EnvProfileID}, profileIDs(got))
		assert.Equal(t, BillingOrg, got[0].BillingSource)
		assert.Equal(t, BillingPlatform, got[3].BillingSource)
	})

	t.Run("skips cooldown and empty keys", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			Profiles: []AuthProfile{
				{ID: "p1", APIKey: "k1", Priority: 1, CooldownUntil: now.Add(time.Minute)},
				{ID: "p2", APIKey: "k2", Priority: 2},
				{ID: "p3", APIKey: "", Priority: 0},
				{ID: "p4", APIKey: "k4", Priority: 3, CooldownUntil: now.Add(-time.Minute)},
			},
			Now: now,
		})
		assert.Equal(t, []string{"p2", "p4"}, profileIDs(got))
	})

	t.Run("dedupes keeping lowest priority", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			Profiles: []AuthProfile{
				{ID: "x", APIKey: "slow", Priority: 50},
				{ID: "y", APIKey: "ky", Priority: 10},
				{ID: "x", APIKey: "fast", Priority: 5},
			},
			Now: now,
		})
		require.Len(t, got, 2)
		assert.Equal(t, "x", got[0].ID)
		assert.Equal(t, "fast", got[0].APIKey)
	})

	t.Run("pinned profile moves to front", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			Profiles: []AuthProfile{
				{ID: "a", APIKey: "ka", Priority: 1},
				{ID: "b", APIKey: "kb", Priority: 2},
				{ID: "c", APIKey: "kc", Priority: 3},
			},
			PinnedProfileID: "c",
			Now:             now,
		})
		assert.Equal(t, []string{"c", "a", "b"}, profileIDs(got))
	})

	t.Run("tracked cooldown applies to legacy and env keys", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			LegacyKey: "legacy-key",
			EnvKey:    "env-key",
			Cooldowns: map[string]time.Time{LegacyProfileID: now.Add(time.Minute), EnvProfileID: now.Add(-time.Minute)},
			Now:       now,
		})
		assert.Equal(t, []string{EnvProfileID}, profileIDs(got))
	})

	t.Run("unknown pin ignored", func(t *testing.T) {
		got := ResolveAuthProfiles(AuthInputs{
			Profiles:        []AuthProfile{{ID: "a", APIKey: "ka"}},
			PinnedProfileID: "gone",
			Now:             now,
		})
		assert.Equal(t, []string{"a"}, profileIDs(got))
	})
}

func TestCooldownFor(t *testing.T) {
	assert.Equal(t, 5*time.Minute, CooldownFor(0))
	assert.Equal(t, 10*time.Minute, CooldownFor(1))
	assert.Equal(t, 20*time.Minute, CooldownFor(2))
	assert.Equal(t, 40*time.Minute, CooldownFor(3))
	assert.Equal(t, 60*time.Minute, CooldownFor(4))
	assert.Equal(t, 60*time.Minute, CooldownFor(30))
	assert.Equal(t, 5*time.Minute, CooldownFor(-1))
}
