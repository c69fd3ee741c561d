package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/config"
	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/policy"
	"github.com/voundbrand/vc83-com-sub003/internal/secrets"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, model key, databases, task backlog)",
	Long:  "Verifies the data directory is writable, the runtime policy loads and compiles, a model key is available, every database opens, and no scheduled task has died.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

//nolint:gocyclo // preflight runs a linear sequence of independent checks
func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out := cmd.OutOrStdout()
	ok := true
	fail := func(format string, a ...any) {
		fmt.Fprintf(out, "✗ "+format+"\n", a...)
		ok = false
	}

	// 1. data directory writable
	if err := cfg.EnsureDataDir(); err != nil {
		fail("Data directory: %s: %v", cfg.DataDir, err)
	} else {
		probe := filepath.Join(cfg.DataDir, ".doctor-write-test")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			fail("Data directory: %s not writable: %v", cfg.DataDir, err)
		} else {
			_ = os.Remove(probe)
			fmt.Fprintf(out, "✓ Data directory: %s (writable)\n", cfg.DataDir)
		}
	}

	// 2. runtime policy
	pol, err := loadRuntimePolicy(ctx, cfg)
	if err != nil {
		fail("Runtime policy: %v", err)
	} else if _, err := policy.NewApprovalEngine(ctx, pol); err != nil {
		fail("Runtime policy: approval rules do not compile: %v", err)
	} else {
		fmt.Fprintf(out, "✓ Runtime policy: %s (%d orgs, %d agents)\n", orNone(cfg.RuntimePolicy), len(pol.Orgs), len(pol.Agents))
	}

	// 3. sweep schedule
	if sched, err := cron.ParseStandard(cfg.SweepInterval); err != nil {
		fail("Sweep interval: %q: %v", cfg.SweepInterval, err)
	} else {
		fmt.Fprintf(out, "✓ Sweep interval: %s (next run %s)\n", cfg.SweepInterval, sched.Next(time.Now()).Format("15:04:05"))
	}

	// 4. crypto keys, warn only
	if cfg.UsingDefaultSecretsKey() {
		fmt.Fprintf(out, "⚠ Secrets key: using derived default, set TURNKEEPER_SECRETS_KEY for production\n")
	} else {
		fmt.Fprintf(out, "✓ Secrets key: configured\n")
	}
	if cfg.UsingDefaultSigningKey() {
		fmt.Fprintf(out, "⚠ Signing key: using derived default, set TURNKEEPER_SIGNING_KEY for production\n")
	} else {
		fmt.Fprintf(out, "✓ Signing key: configured\n")
	}

	// 5. databases
	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		fail("Credential vault: %v", err)
	} else {
		_ = vault.Close()
		fmt.Fprintf(out, "✓ Credential vault: %s\n", cfg.SecretsDBPath())
	}
	audit, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if err != nil {
		fail("Audit DB: %v", err)
	} else {
		_ = audit.Close()
		fmt.Fprintf(out, "✓ Audit DB: %s\n", cfg.EvidenceDBPath())
	}
	st, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		fail("Turn store: %v", err)
	} else {
		fmt.Fprintf(out, "✓ Turn store: %s\n", cfg.StoreDBPath())
		// 6. dead tasks mean escalation notifications never went out
		dead, err := st.ListTasks(ctx, store.TaskDead, 100)
		switch {
		case err != nil:
			fail("Scheduled tasks: %v", err)
		case len(dead) > 0:
			fmt.Fprintf(out, "⚠ Scheduled tasks: %d dead (last error: %s)\n", len(dead), dead[0].LastError)
		default:
			fmt.Fprintf(out, "✓ Scheduled tasks: none dead\n")
		}
		_ = st.Close()
	}

	// 7. model key; per-org vault profiles can still serve turns without one
	if envModelKey(cfg) == "" {
		fmt.Fprintf(out, "⚠ Model key: no openai_api_key or OPENAI_API_KEY, turns rely on vault profiles\n")
	} else {
		fmt.Fprintf(out, "✓ Model key: environment key set\n")
	}

	if !ok {
		return fmt.Errorf("preflight checks failed")
	}
	fmt.Fprintf(out, "\nAll checks passed.\n")
	return nil
}
