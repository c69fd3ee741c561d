package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/voundbrand/vc83-com-sub003/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect turnkeeper configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration (keys are masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg, viper.ConfigFileUsed())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// renderConfig writes the resolved configuration to w without revealing any
// key material.
func renderConfig(w io.Writer, cfg *config.Config, file string) {
	if file == "" {
		file = "(none, env and defaults only)"
	}
	exists := ""
	if dirExists(cfg.DataDir) {
		exists = " (exists)"
	}
	fmt.Fprintf(w, "Config file:        %s\n", file)
	fmt.Fprintf(w, "Data directory:     %s%s\n", cfg.DataDir, exists)
	fmt.Fprintf(w, "Turn store DB:      %s\n", cfg.StoreDBPath())
	fmt.Fprintf(w, "Secrets DB:         %s\n", cfg.SecretsDBPath())
	fmt.Fprintf(w, "Audit DB:           %s\n", cfg.EvidenceDBPath())
	fmt.Fprintf(w, "Secrets key:        %s\n", keySource(cfg.UsingDefaultSecretsKey(), cfg.SecretsKey))
	fmt.Fprintf(w, "Signing key:        %s\n", keySource(cfg.UsingDefaultSigningKey(), cfg.SigningKey))

	pol := cfg.RuntimePolicy
	switch {
	case pol == "":
		pol = "(built-in default)"
	case !fileExists(pol):
		pol += " (missing)"
	}
	fmt.Fprintf(w, "Runtime policy:     %s\n", pol)
	fmt.Fprintf(w, "Lease duration:     %s\n", cfg.LeaseDuration)
	fmt.Fprintf(w, "Sweep interval:     %s\n", cfg.SweepInterval)
	fmt.Fprintf(w, "Ingest rate/org:    %d/s\n", cfg.IngestRatePerOrg)

	base := cfg.OpenAIBaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	fmt.Fprintf(w, "Model gateway:      %s\n", base)
	fmt.Fprintf(w, "Model key (env):    %s\n", setOrNot(envModelKey(cfg) != ""))
	fmt.Fprintf(w, "API keys:           %d\n", len(cfg.APIKeys))
	fmt.Fprintf(w, "Channel webhooks:   %s\n", listOrNone(sortedKeys(cfg.ChannelWebhooks)))
	fmt.Fprintf(w, "Tool endpoints:     %s\n", listOrNone(sortedKeys(cfg.ToolEndpoints)))
	fmt.Fprintf(w, "Knowledge dir:      %s\n", orNone(cfg.KnowledgeDir))

	var sinks []string
	if cfg.SlackToken != "" {
		sinks = append(sinks, "slack:"+cfg.SlackChannel)
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, "kafka:"+cfg.KafkaTopic)
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, "webhook")
	}
	if cfg.SMTPHost != "" {
		sinks = append(sinks, "email:"+strings.Join(cfg.EmailTo, ","))
	}
	fmt.Fprintf(w, "Notification sinks: log%s\n", prefixed(sinks))
}

func keySource(derived bool, key string) string {
	if derived {
		return "derived default (set an explicit key for production)"
	}
	return fmt.Sprintf("configured (%d chars)", len(key))
}

func setOrNot(ok bool) string {
	if ok {
		return "set"
	}
	return "not set"
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func prefixed(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return ", " + strings.Join(items, ", ")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
