package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	for _, k := range []string{
		"SECRETS_KEY", "SIGNING_KEY", "DATA_DIR", "RUNTIME_POLICY", "LEASE_DURATION",
		"KAFKA_BROKERS", "API_KEYS", "SLACK_TOKEN", "SLACK_CHANNEL", "SWEEP_INTERVAL", "INGEST_RATE_PER_ORG",
	} {
		t.Setenv("TURNKEEPER_"+k, "")
	}
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyDataDir, t.TempDir())
	return v
}

func TestLoad_Defaults(t *testing.T) {
	v := newViper(t)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultLeaseDuration, cfg.LeaseDuration)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, DefaultIngestRatePerOrg, cfg.IngestRatePerOrg)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.True(t, cfg.UsingDefaultKeys(), "should report default keys when none are set")
	assert.Len(t, cfg.SecretsKey, 64)
	assert.GreaterOrEqual(t, len(cfg.SigningKey), 32)
	assert.NotEqual(t, cfg.SecretsKey, cfg.SigningKey)
}

func TestLoad_DerivedKeysAreStablePerDataDir(t *testing.T) {
	v := newViper(t)
	dir := t.TempDir()
	v.Set(KeyDataDir, dir)
	a, err := LoadFrom(v)
	require.NoError(t, err)
	b, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, a.SecretsKey, b.SecretsKey)

	v.Set(KeyDataDir, filepath.Join(dir, "other"))
	c, err := LoadFrom(v)
	require.NoError(t, err)
	assert.NotEqual(t, a.SecretsKey, c.SecretsKey)
}

func TestLoad_ExplicitKeysFromEnv(t *testing.T) {
	v := newViper(t)
	t.Setenv("TURNKEEPER_SECRETS_KEY", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("TURNKEEPER_SIGNING_KEY", "my-signing-key-at-least-32-chars!")

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", cfg.SecretsKey)
	assert.Equal(t, "my-signing-key-at-least-32-chars!", cfg.SigningKey)
	assert.False(t, cfg.UsingDefaultKeys())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{"short secrets key", KeySecretsKey, "too-short", "secrets_key must be exactly 32 bytes"},
		{"short signing key", KeySigningKey, "short", "signing_key must be at least 32 bytes"},
		{"zero lease", KeyLeaseDuration, "0s", "lease_duration must be positive"},
		{"negative rate", KeyIngestRatePerOrg, -1, "ingest_rate_per_org"},
		{"bad cron", KeySweepInterval, "every minute", "sweep_interval"},
		{"slack token without channel", KeySlackToken, "xoxb-1", "slack_token and slack_channel"},
		{"smtp host without recipients", KeySMTPHost, "smtp.example.com", "smtp_host needs email_from and email_to"},
		{"api key without org", KeyAPIKeys, "tk_acme_key=", "has no org"},
		{"api key without separator", KeyAPIKeys, "tk_acme_key", "must be key=org"},
		{"duplicate api key", KeyAPIKeys, "tk_a=org_a,tk_a=org_b", "duplicate api key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)
			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_HexKeys(t *testing.T) {
	hexKey := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	v := newViper(t)
	v.Set(KeySecretsKey, hexKey)
	v.Set(KeySigningKey, hexKey)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, hexKey, cfg.SecretsKey)
}

func TestLoad_KafkaBrokersFromEnv(t *testing.T) {
	v := newViper(t)
	t.Setenv("TURNKEEPER_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	v := newViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "turnkeeper.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lease_duration: 90s
sweep_interval: "*/5 * * * *"
kafka_brokers:
  - kafka-1:9092
slack_token: xoxb-test
slack_channel: "#support-escalations"
smtp_host: smtp.example.com
email_from: turnkeeper@acme.test
email_to:
  - owner@acme.test
  - oncall@acme.test
api_keys:
  - key: tk_Acme_Key
    org: org_acme
channel_webhooks:
  sms: https://sms.example.com/send
tool_endpoints:
  lookup_contact: https://crm.example.com/tools/lookup_contact
`), 0o600))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, "*/5 * * * *", cfg.SweepInterval)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "#support-escalations", cfg.SlackChannel)
	assert.Equal(t, DefaultSMTPPort, cfg.SMTPPort)
	assert.Equal(t, []string{"owner@acme.test", "oncall@acme.test"}, cfg.EmailTo)
	assert.Equal(t, map[string]string{"tk_Acme_Key": "org_acme"}, cfg.APIKeys, "api keys keep their case")
	assert.Equal(t, "https://sms.example.com/send", cfg.ChannelWebhooks["sms"])
	assert.Contains(t, cfg.ToolEndpoints, "lookup_contact")
}

func TestLoad_APIKeysFromEnv(t *testing.T) {
	v := newViper(t)
	t.Setenv("TURNKEEPER_API_KEYS", "tk_a=org_acme, tk_b=org_beta")
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tk_a": "org_acme", "tk_b": "org_beta"}, cfg.APIKeys)
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/turnkeeper"}
	assert.Equal(t, "/var/lib/turnkeeper/turnkeeper.db", cfg.StoreDBPath())
	assert.Equal(t, "/var/lib/turnkeeper/secrets.db", cfg.SecretsDBPath())
	assert.Equal(t, "/var/lib/turnkeeper/evidence.db", cfg.EvidenceDBPath())
}
