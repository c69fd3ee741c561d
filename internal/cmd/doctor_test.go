package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/testutil"
)

func TestDoctorCmd_PassesOnFreshDataDir(t *testing.T) {
	dir := isolatedDataDir(t)

	out, err := executeRoot(t, "", "doctor")
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Data directory: "+dir+" (writable)")
	assert.Contains(t, out, "✓ Runtime policy: (none)")
	assert.Contains(t, out, "✓ Sweep interval: @every 1m")
	assert.Contains(t, out, "⚠ Secrets key: using derived default")
	assert.Contains(t, out, "✓ Turn store:")
	assert.Contains(t, out, "✓ Scheduled tasks: none dead")
	assert.Contains(t, out, "⚠ Model key:")
	assert.Contains(t, out, "All checks passed.")
}

func TestDoctorCmd_PassesWithPolicyAndEnvKey(t *testing.T) {
	dir := isolatedDataDir(t)
	t.Setenv("TURNKEEPER_RUNTIME_POLICY", testutil.WriteRuntimePolicyFile(t, dir))
	t.Setenv("OPENAI_API_KEY", "sk-test-key-for-doctor")

	out, err := executeRoot(t, "", "doctor")
	require.NoError(t, err)

	assert.Contains(t, out, "runtime-policy.yaml (1 orgs, 3 agents)")
	assert.Contains(t, out, "✓ Model key: environment key set")
	assert.Contains(t, out, "All checks passed.")
}

func TestDoctorCmd_FailsOnMissingPolicy(t *testing.T) {
	dir := isolatedDataDir(t)
	t.Setenv("TURNKEEPER_RUNTIME_POLICY", filepath.Join(dir, "nope.yaml"))

	out, err := executeRoot(t, "", "doctor")
	require.Error(t, err)

	assert.Contains(t, err.Error(), "preflight checks failed")
	assert.Contains(t, out, "✗ Runtime policy:")
	assert.NotContains(t, out, "All checks passed.")
}

func TestDoctorCmd_FailsOnBadSweepInterval(t *testing.T) {
	isolatedDataDir(t)
	t.Setenv("TURNKEEPER_SWEEP_INTERVAL", "every minute please")

	_, err := executeRoot(t, "", "doctor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep_interval")
}
