package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with the runtime policy",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a runtime policy file",
	Long:  "Validates a runtime policy YAML against its schema and semantic rules, then compiles the tool approval policy.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "policy.validate")
		defer span.End()

		file := ""
		if len(args) == 1 {
			file = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			file = cfg.RuntimePolicy
		}
		if file == "" {
			return fmt.Errorf("no policy file given and runtime_policy is not configured")
		}

		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		pol, err := policy.Load(ctx, abs, filepath.Dir(abs))
		if err != nil {
			log.Error().Err(err).Str("file", file).Msg("policy_validation_failed")
			fmt.Fprintf(out, "✗ Validation failed: %s\n", file)
			return fmt.Errorf("validation failed: %w", err)
		}
		if _, err := policy.NewApprovalEngine(ctx, pol); err != nil {
			fmt.Fprintf(out, "✗ Approval policy compilation failed: %s\n", file)
			return fmt.Errorf("approval engine initialization failed: %w", err)
		}

		log.Info().Str("file", file).Str("version", pol.VersionTag).Msg("policy_validated")
		fmt.Fprintf(out, "✓ Policy valid: %s\n", file)
		fmt.Fprintf(out, "  Version: %s\n", pol.VersionTag)
		fmt.Fprintf(out, "  Orgs:    %d\n", len(pol.Orgs))
		fmt.Fprintf(out, "  Agents:  %d\n", len(pol.Agents))
		fmt.Fprintf(out, "  Tools:   %d\n", len(pol.Tools))
		fmt.Fprintf(out, "  Models:  %v\n", pol.Platform.EnabledModels)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}
