// Package config holds OPERATOR-LEVEL configuration for a turnkeeper
// installation: where state lives, crypto keys, the runtime policy file,
// the environment model key and the notification sinks.
//
// Values come from viper, which merges flags bound by the CLI root, env vars
// with the TURNKEEPER_ prefix (e.g. "secrets_key" -> TURNKEEPER_SECRETS_KEY)
// and turnkeeper.config.yaml.
//
// Per-org model credentials do not belong here. They are auth profiles in
// the encrypted vault (internal/secrets); openai_api_key is only the
// lowest-priority environment profile.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/voundbrand/vc83-com-sub003/internal/cryptoutil"
)

// Viper keys.
const (
	KeyDataDir          = "data_dir"
	KeySecretsKey       = "secrets_key"
	KeySigningKey       = "signing_key"
	KeyRuntimePolicy    = "runtime_policy"
	KeyLeaseDuration    = "lease_duration"
	KeyOpenAIBaseURL    = "openai_base_url"
	KeyOpenAIAPIKey     = "openai_api_key"
	KeySlackToken       = "slack_token"
	KeySlackChannel     = "slack_channel"
	KeyKafkaBrokers     = "kafka_brokers"
	KeyKafkaTopic       = "kafka_topic"
	KeyNotifyWebhookURL = "notify_webhook_url"
	KeySMTPHost         = "smtp_host"
	KeySMTPPort         = "smtp_port"
	KeySMTPUsername     = "smtp_username"
	KeySMTPPassword     = "smtp_password"
	KeyEmailFrom        = "email_from"
	KeyEmailTo          = "email_to"
	KeySweepInterval    = "sweep_interval"
	KeyIngestRatePerOrg = "ingest_rate_per_org"
	KeyKnowledgeDir     = "knowledge_dir"
	KeyAPIKeys          = "api_keys"
	KeyChannelWebhooks  = "channel_webhooks"
	KeyChannelToken     = "channel_token"
	KeyToolEndpoints    = "tool_endpoints"
	KeyHooks            = "hooks"
)

// Defaults that do NOT involve crypto material.
const (
	DefaultLeaseDuration    = 3 * time.Minute
	DefaultSweepInterval    = "@every 1m"
	DefaultKafkaTopic       = "turnkeeper.notifications"
	DefaultIngestRatePerOrg = 20
	DefaultSMTPPort         = 587
)

// Config holds resolved operator-level configuration for a turnkeeper process.
type Config struct {
	DataDir          string        // Base directory for all state (~/.turnkeeper)
	SecretsKey       string        // AES-256 key for the credential vault (32 bytes or 64 hex)
	SigningKey       string        // HMAC-SHA256 key for audit records (>=32 bytes)
	RuntimePolicy    string        // Path to the runtime policy YAML; empty uses the built-in default
	LeaseDuration    time.Duration // Turn lease length
	OpenAIBaseURL    string        // OpenAI-compatible gateway; empty means api.openai.com
	OpenAIAPIKey     string        // Environment-level model key, lowest priority
	SlackToken       string
	SlackChannel     string
	KafkaBrokers     []string
	KafkaTopic       string
	NotifyWebhookURL string
	SMTPHost         string // Empty disables the email sink
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	EmailFrom        string
	EmailTo          []string
	SweepInterval    string // cron spec for the due-task and stale-turn sweeps
	IngestRatePerOrg int    // inbound events per second per org; 0 disables
	KnowledgeDir     string // Per-org knowledge documents; empty disables retrieval

	// APIKeys maps an HTTP API key to the org it authenticates.
	APIKeys map[string]string
	// ChannelWebhooks maps a channel name to the URL outbound messages are posted to.
	ChannelWebhooks map[string]string
	// ChannelToken is sent as a bearer token with every channel webhook post.
	ChannelToken string
	// ToolEndpoints maps a tool name to the URL its calls are posted to.
	ToolEndpoints map[string]string

	usingDefaultSecretsKey bool
	usingDefaultSigningKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to
// a generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSecretsKey || c.usingDefaultSigningKey
}

// UsingDefaultSecretsKey reports whether the vault key was derived.
func (c *Config) UsingDefaultSecretsKey() bool { return c.usingDefaultSecretsKey }

// UsingDefaultSigningKey reports whether the audit signing key was derived.
func (c *Config) UsingDefaultSigningKey() bool { return c.usingDefaultSigningKey }

// StoreDBPath returns the path of the turn state database.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.DataDir, "turnkeeper.db")
}

// SecretsDBPath returns the path of the credential vault database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// EvidenceDBPath returns the path of the signed audit database.
func (c *Config) EvidenceDBPath() string {
	return filepath.Join(c.DataDir, "evidence.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when TURNKEEPER_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSecretsKey {
		log.Warn().Msg("using generated default TURNKEEPER_SECRETS_KEY; set it via env var or config file for production")
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("using generated default TURNKEEPER_SIGNING_KEY; set it via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := strings.ToLower(os.Getenv("TURNKEEPER_QUICKSTART"))
	return v == "1" || v == "true"
}

// SetDefaults registers env handling and non-crypto defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix("TURNKEEPER")
	v.AutomaticEnv()
	v.SetDefault(KeyLeaseDuration, DefaultLeaseDuration)
	v.SetDefault(KeySweepInterval, DefaultSweepInterval)
	v.SetDefault(KeyKafkaTopic, DefaultKafkaTopic)
	v.SetDefault(KeyIngestRatePerOrg, DefaultIngestRatePerOrg)
	v.SetDefault(KeySMTPPort, DefaultSMTPPort)
}

func init() {
	SetDefaults(viper.GetViper())
}

// Load reads configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and returns a validated Config.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(v),
		SecretsKey:       v.GetString(KeySecretsKey),
		SigningKey:       v.GetString(KeySigningKey),
		RuntimePolicy:    v.GetString(KeyRuntimePolicy),
		LeaseDuration:    v.GetDuration(KeyLeaseDuration),
		OpenAIBaseURL:    v.GetString(KeyOpenAIBaseURL),
		OpenAIAPIKey:     v.GetString(KeyOpenAIAPIKey),
		SlackToken:       v.GetString(KeySlackToken),
		SlackChannel:     v.GetString(KeySlackChannel),
		KafkaBrokers:     splitList(v.GetString(KeyKafkaBrokers)),
		KafkaTopic:       v.GetString(KeyKafkaTopic),
		NotifyWebhookURL: v.GetString(KeyNotifyWebhookURL),
		SMTPHost:         v.GetString(KeySMTPHost),
		SMTPPort:         v.GetInt(KeySMTPPort),
		SMTPUsername:     v.GetString(KeySMTPUsername),
		SMTPPassword:     v.GetString(KeySMTPPassword),
		EmailFrom:        v.GetString(KeyEmailFrom),
		EmailTo:          splitList(v.GetString(KeyEmailTo)),
		SweepInterval:    v.GetString(KeySweepInterval),
		IngestRatePerOrg: v.GetInt(KeyIngestRatePerOrg),
		KnowledgeDir:     v.GetString(KeyKnowledgeDir),
		ChannelWebhooks:  v.GetStringMapString(KeyChannelWebhooks),
		ChannelToken:     v.GetString(KeyChannelToken),
		ToolEndpoints:    v.GetStringMapString(KeyToolEndpoints),
	}
	apiKeys, err := loadAPIKeys(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.APIKeys = apiKeys
	if len(cfg.KafkaBrokers) == 0 {
		// a YAML list arrives as a slice, not a comma separated string
		cfg.KafkaBrokers = v.GetStringSlice(KeyKafkaBrokers)
	}
	if len(cfg.EmailTo) == 0 {
		cfg.EmailTo = v.GetStringSlice(KeyEmailTo)
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "secrets-encryption")
		cfg.usingDefaultSecretsKey = true
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "evidence-signing--")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// APIKey binds one HTTP API key to an org. Keys are listed rather than used
// as map keys because viper lowercases map keys read from files.
type APIKey struct {
	Key string `mapstructure:"key"`
	Org string `mapstructure:"org"`
}

// loadAPIKeys reads api_keys either as a YAML list of {key, org} or, from
// the environment, as "key=org,key2=org2".
func loadAPIKeys(v *viper.Viper) (map[string]string, error) {
	out := map[string]string{}
	if raw := v.GetString(KeyAPIKeys); raw != "" {
		for _, pair := range splitList(raw) {
			key, org, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("api_keys entry %s... must be key=org", prefix(pair))
			}
			key = strings.TrimSpace(key)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("duplicate api key %s...", prefix(key))
			}
			out[key] = strings.TrimSpace(org)
		}
		return out, nil
	}
	var keys []APIKey
	if err := v.UnmarshalKey(KeyAPIKeys, &keys); err != nil {
		return nil, fmt.Errorf("api_keys: %w", err)
	}
	for _, k := range keys {
		if _, dup := out[k.Key]; dup {
			return nil, fmt.Errorf("duplicate api key %s...", prefix(k.Key))
		}
		out[k.Key] = k.Org
	}
	return out, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".turnkeeper"
	}
	return filepath.Join(home, ".turnkeeper")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. It is NOT cryptographically strong; it only
// lets a fresh install encrypt with a per-machine key before one is set.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("turnkeeper:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive")
	}
	if c.IngestRatePerOrg < 0 {
		return fmt.Errorf("ingest_rate_per_org must not be negative")
	}
	if _, err := cron.ParseStandard(c.SweepInterval); err != nil {
		return fmt.Errorf("sweep_interval %q: %w", c.SweepInterval, err)
	}
	if (c.SlackToken == "") != (c.SlackChannel == "") {
		return fmt.Errorf("slack_token and slack_channel must be set together")
	}
	if c.SMTPHost != "" && (c.EmailFrom == "" || len(c.EmailTo) == 0) {
		return fmt.Errorf("smtp_host needs email_from and email_to")
	}
	for key, org := range c.APIKeys {
		if key == "" {
			return fmt.Errorf("api key for org %s is empty", org)
		}
		if org == "" {
			return fmt.Errorf("api key %s... has no org", prefix(key))
		}
	}
	return nil
}

func prefix(s string) string {
	if len(s) > 4 {
		return s[:4]
	}
	return s
}

// validateSecretsKey accepts either 32 raw bytes or 64 hex characters (decodes to 32 bytes for AES-256).
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set TURNKEEPER_SECRETS_KEY", n)
}

// validateSigningKey accepts either >=32 raw bytes or >=64 hex characters.
// Hex is checked first so that a hex key is validated as hex.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set TURNKEEPER_SIGNING_KEY", n)
}
