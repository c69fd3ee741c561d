package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
	"github.com/voundbrand/vc83-com-sub003/internal/agent/tools"
	"github.com/voundbrand/vc83-com-sub003/internal/config"
	"github.com/voundbrand/vc83-com-sub003/internal/delivery"
	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/knowledge"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	"github.com/voundbrand/vc83-com-sub003/internal/notify"
	"github.com/voundbrand/vc83-com-sub003/internal/policy"
	"github.com/voundbrand/vc83-com-sub003/internal/scheduler"
	"github.com/voundbrand/vc83-com-sub003/internal/secrets"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

// staleSweepBatch bounds how many expired turns one recovery sweep fails.
const staleSweepBatch = 100

// runtimeDeps is everything a process needs to run turns. serve, ingest and
// sweep share it so a CLI-ingested event behaves exactly like an HTTP one.
type runtimeDeps struct {
	cfg       *config.Config
	store     *store.Store
	vault     *secrets.Vault
	audit     *evidence.Store
	policy    *policy.Policy
	scheduler *scheduler.Scheduler
	router    *delivery.Router
	orch      *agent.Orchestrator
	closers   []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	return cfg, nil
}

func loadRuntimePolicy(ctx context.Context, cfg *config.Config) (*policy.Policy, error) {
	if cfg.RuntimePolicy == "" {
		log.Info().Msg("no runtime_policy configured, using built-in default policy")
		return policy.Default(), nil
	}
	abs, err := filepath.Abs(cfg.RuntimePolicy)
	if err != nil {
		return nil, fmt.Errorf("resolving runtime policy path: %w", err)
	}
	// The path comes from operator config, so its own directory is the base.
	pol, err := policy.Load(ctx, abs, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("loading runtime policy: %w", err)
	}
	return pol, nil
}

//nolint:gocyclo // wiring is a linear list of optional collaborators
func openRuntime(ctx context.Context) (*runtimeDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtimeDeps{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	if rt.policy, err = loadRuntimePolicy(ctx, cfg); err != nil {
		return nil, err
	}
	if rt.store, err = store.Open(cfg.StoreDBPath()); err != nil {
		return nil, fmt.Errorf("opening turn store: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)
	if rt.vault, err = secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey); err != nil {
		return nil, fmt.Errorf("opening credential vault: %w", err)
	}
	rt.closers = append(rt.closers, rt.vault.Close)
	if rt.audit, err = evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey); err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	rt.closers = append(rt.closers, rt.audit.Close)

	fanout, err := rt.buildNotifiers()
	if err != nil {
		return nil, err
	}
	rt.scheduler = scheduler.New(rt.store)
	eng := escalation.NewEngine(rt.store, rt.scheduler, fanout,
		escalation.WithSettings(rt.policy.EscalationSettings()))
	rt.scheduler.Register(escalation.TaskNotify, eng.HandleNotify)

	rt.router = rt.buildRouter()

	registry := tools.NewRegistry()
	for _, name := range sortedKeys(cfg.ToolEndpoints) {
		if err := registry.Register(tools.NewHTTPTool(name, "", cfg.ToolEndpoints[name], nil)); err != nil {
			return nil, fmt.Errorf("registering tool %s: %w", name, err)
		}
	}

	var hookCfg map[string][]agent.HookConfig
	if err := viper.UnmarshalKey(config.KeyHooks, &hookCfg); err != nil {
		return nil, fmt.Errorf("parsing hooks: %w", err)
	}

	var source knowledge.Source
	if cfg.KnowledgeDir != "" {
		source = knowledge.NewDirSource(cfg.KnowledgeDir)
	}

	provider := llm.NewOpenAIProvider()
	if cfg.OpenAIBaseURL != "" {
		provider = llm.NewOpenAIProviderWithBaseURL(cfg.OpenAIBaseURL)
	}

	rt.orch, err = agent.NewOrchestrator(ctx, agent.Config{
		Store:         rt.store,
		Policy:        rt.policy,
		Provider:      provider,
		Credentials:   rt.vault,
		EnvAPIKey:     envModelKey(cfg),
		Tools:         registry,
		Knowledge:     source,
		Escalation:    eng,
		Delivery:      rt.router,
		Evidence:      evidence.NewGenerator(rt.audit),
		Hooks:         agent.LoadHooksFromConfig(hookCfg),
		LeaseOwner:    leaseOwner(),
		LeaseDuration: cfg.LeaseDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	log.Debug().
		Str("policy_version", rt.policy.VersionTag).
		Int("tools", len(registry.Names())).
		Bool("knowledge", source != nil).
		Msg("runtime_ready")
	ok = true
	return rt, nil
}

// buildNotifiers always logs; Slack, Kafka, the webhook and email are added
// when configured.
func (rt *runtimeDeps) buildNotifiers() (*notify.Fanout, error) {
	cfg := rt.cfg
	sinks := []notify.Notifier{notify.LogNotifier{}}
	if cfg.SlackToken != "" {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		rt.closers = append(rt.closers, kp.Close)
		sinks = append(sinks, kp)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}
	if cfg.SMTPHost != "" {
		email, err := notify.NewEmailNotifier(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			To:       cfg.EmailTo,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, email)
	}
	return notify.NewFanout(sinks...), nil
}

// buildRouter registers one webhook sender per configured channel. The
// "slack" channel posts through the Slack API when a token is set. Anything
// else falls back to the log sender.
func (rt *runtimeDeps) buildRouter() *delivery.Router {
	cfg := rt.cfg
	router := delivery.NewRouter(rt.store)
	for _, ch := range sortedKeys(cfg.ChannelWebhooks) {
		router.Register(ch, delivery.NewWebhookSender(ch, cfg.ChannelWebhooks[ch], cfg.ChannelToken))
	}
	if cfg.SlackToken != "" {
		router.Register("slack", delivery.NewSlackSender(cfg.SlackToken))
	}
	router.SetHTMLChannels("webchat")
	router.SetFallback(delivery.LogSender{})
	return router
}

// Channels lists the channels with a dedicated sender.
func (rt *runtimeDeps) Channels() []string {
	out := sortedKeys(rt.cfg.ChannelWebhooks)
	if rt.cfg.SlackToken != "" {
		out = append(out, "slack")
	}
	return out
}

// Close releases stores and producers in reverse order of opening.
func (rt *runtimeDeps) Close() {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("runtime_close_failed")
	}
}

func envModelKey(cfg *config.Config) string {
	if cfg.OpenAIAPIKey != "" {
		return cfg.OpenAIAPIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "turnkeeper"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
