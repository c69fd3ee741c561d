package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/config"
	"github.com/voundbrand/vc83-com-sub003/internal/testutil"
)

func TestServeCmd_Flags(t *testing.T) {
	port := serveCmd.Flags().Lookup("port")
	require.NotNil(t, port)
	assert.Equal(t, "8080", port.DefValue)

	strict := serveCmd.Flags().Lookup("strict-channels")
	require.NotNil(t, strict)
	assert.Equal(t, "false", strict.DefValue)
}

func TestRegisterSweeps_AddsDueTaskAndStaleTurnJobs(t *testing.T) {
	isolatedDataDir(t)

	rt, err := openRuntime(context.Background())
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, registerSweeps(rt))
	assert.Equal(t, 2, rt.scheduler.Entries())
}

func TestRuntimeChannels(t *testing.T) {
	rt := &runtimeDeps{cfg: &config.Config{
		ChannelWebhooks: map[string]string{"whatsapp": "https://wa.example.com", "sms": "https://sms.example.com"},
		SlackToken:      "xoxb-test",
	}}
	assert.Equal(t, []string{"sms", "whatsapp", "slack"}, rt.Channels())

	rt = &runtimeDeps{cfg: &config.Config{}}
	assert.Empty(t, rt.Channels())
}

func TestEnvModelKey_PrefersConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	assert.Equal(t, "sk-config", envModelKey(&config.Config{OpenAIAPIKey: "sk-config"}))
	assert.Equal(t, "sk-env", envModelKey(&config.Config{}))
}

func TestLoadRuntimePolicy_PathOutsideWorkingDir(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteRuntimePolicyFile(t, dir)
	require.True(t, filepath.IsAbs(path))

	pol, err := loadRuntimePolicy(context.Background(), &config.Config{RuntimePolicy: path})
	require.NoError(t, err)
	assert.Len(t, pol.Orgs, 1)
}

func TestLoadRuntimePolicy_RelativePath(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteRuntimePolicyFile(t, dir)
	t.Chdir(dir)

	pol, err := loadRuntimePolicy(context.Background(), &config.Config{RuntimePolicy: "runtime-policy.yaml"})
	require.NoError(t, err)
	assert.Len(t, pol.Orgs, 1)
}
