package secrets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
)

const testKey = "12345678901234567890123456789012" // 32 bytes

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(filepath.Join(t.TempDir(), "vault.db"), testKey)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVault_WithHexKey(t *testing.T) {
	// 64 hex chars → 32 bytes (full AES-256 strength); recommended: openssl rand -hex 32
	key := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	v, err := NewVault(filepath.Join(t.TempDir(), "vault_hex.db"), key)
	require.NoError(t, err)
	defer v.Close()

	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "primary", APIKey: "sk-test"}))
	got, err := v.Profiles(ctx, "org_1", "support")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sk-test", got[0].APIKey)
	assert.Equal(t, llm.BillingOrg, got[0].BillingSource)
}

func TestNewVault_InvalidKey(t *testing.T) {
	_, err := NewVault(filepath.Join(t.TempDir(), "test.db"), "short-key")
	assert.ErrorIs(t, err, ErrInvalidEncryptionKey)
}

func TestVault_PutProfilesAndACL(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "backup", APIKey: "sk-b", Priority: 20}))
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "primary", APIKey: "sk-a", Priority: 10}))
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "sales-only", APIKey: "sk-s", Priority: 5,
		ACL: ACL{Agents: []string{"sales-*"}}}))
	require.NoError(t, v.Put(ctx, "org_2", Profile{ID: "other", APIKey: "sk-o"}))

	got, err := v.Profiles(ctx, "org_1", "support")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "primary", got[0].ID)
	assert.Equal(t, "backup", got[1].ID)

	sales, err := v.Profiles(ctx, "org_1", "sales-eu")
	require.NoError(t, err)
	require.Len(t, sales, 3)
	assert.Equal(t, "sales-only", sales[0].ID)

	log, err := v.AuditLog(ctx, "org_1", 0)
	require.NoError(t, err)
	denied := 0
	for _, r := range log {
		if !r.Allowed {
			denied++
			assert.Equal(t, "sales-only", r.ProfileID)
		}
	}
	assert.Equal(t, 1, denied)

	meta, err := v.List(ctx, "org_1")
	require.NoError(t, err)
	assert.Len(t, meta, 3)
}

func TestVault_PutOverwrites(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "p", APIKey: "old"}))
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "p", APIKey: "new", Priority: 3}))

	got, err := v.Profiles(ctx, "org_1", "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].APIKey)
	assert.Equal(t, 3, got[0].Priority)
}

func TestVault_ReservedIDs(t *testing.T) {
	v := newTestVault(t)
	for _, id := range []string{"", llm.LegacyProfileID, llm.EnvProfileID} {
		err := v.Put(context.Background(), "org_1", Profile{ID: id, APIKey: "k"})
		assert.ErrorIs(t, err, ErrReservedProfileID, "id %q", id)
	}
}

func TestVault_RotateAndDelete(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "p", APIKey: "sk-keep"}))
	require.NoError(t, v.Rotate(ctx, "org_1", "p"))

	got, err := v.Profiles(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Equal(t, "sk-keep", got[0].APIKey)

	assert.ErrorIs(t, v.Rotate(ctx, "org_1", "missing"), ErrProfileNotFound)
	require.NoError(t, v.Delete(ctx, "org_1", "p"))
	assert.ErrorIs(t, v.Delete(ctx, "org_1", "p"), ErrProfileNotFound)
}

func TestVault_HealthCooldownsAndReset(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, v.Put(ctx, "org_1", Profile{ID: "p1", APIKey: "k1"}))

	h := v.ForOrg("org_1")
	n, until, err := h.RecordFailure(ctx, "p1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, now.Add(5*time.Minute), until)

	n, until, err = h.RecordFailure(ctx, "p1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(10*time.Minute), until)

	_, _, err = h.RecordFailure(ctx, llm.LegacyProfileID, now)
	require.NoError(t, err)

	got, err := v.Profiles(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].FailureCount)
	assert.True(t, got[0].InCooldown(now))

	cds, err := v.Cooldowns(ctx, "org_1")
	require.NoError(t, err)
	assert.Contains(t, cds, llm.LegacyProfileID)
	assert.Contains(t, cds, "p1")

	require.NoError(t, h.RecordSuccess(ctx, "p1"))
	got, err = v.Profiles(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Zero(t, got[0].FailureCount)
	assert.False(t, got[0].InCooldown(now))
}

func TestACL(t *testing.T) {
	tests := []struct {
		name      string
		acl       ACL
		agentID   string
		wantAllow bool
	}{
		{"empty ACL allows all", ACL{}, "any", true},
		{"exact match", ACL{Agents: []string{"sales"}}, "sales", true},
		{"glob match", ACL{Agents: []string{"sales-*"}}, "sales-analyst", true},
		{"forbidden overrides allow", ACL{Agents: []string{"*"}, ForbiddenAgents: []string{"admin"}}, "admin", false},
		{"agent mismatch", ACL{Agents: []string{"sales"}}, "support", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAllow, tt.acl.CheckAccess(tt.agentID))
		})
	}
}

func TestVault_LegacyKey(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	key, err := v.LegacyKey(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, v.SetLegacyKey(ctx, "org_1", "sk-legacy"))
	key, err = v.LegacyKey(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Equal(t, "sk-legacy", key)

	other, err := v.LegacyKey(ctx, "org_2", "a")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, v.SetLegacyKey(ctx, "org_1", ""))
	key, err = v.LegacyKey(ctx, "org_1", "a")
	require.NoError(t, err)
	assert.Empty(t, key)

	log, err := v.AuditLog(ctx, "org_1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, llm.LegacyProfileID, log[0].ProfileID)
}
