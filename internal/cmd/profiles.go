package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/secrets"
)

var (
	profilePriority int
	profileBilling  string
	profileAgents   []string
	profileDenied   []string
	profileKeyEnv   string
	profileLimit    int
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage model auth profiles in the encrypted vault",
}

var profilesPutCmd = &cobra.Command{
	Use:   "put [org-id] [profile-id]",
	Short: "Store or replace an auth profile (key read from stdin or --key-env)",
	Args:  cobra.ExactArgs(2),
	RunE:  profilesPut,
}

var profilesListCmd = &cobra.Command{
	Use:   "list [org-id]",
	Short: "List auth profiles (metadata only, keys not shown)",
	Args:  cobra.ExactArgs(1),
	RunE:  profilesList,
}

var profilesRotateCmd = &cobra.Command{
	Use:   "rotate [org-id] [profile-id]",
	Short: "Re-encrypt a profile key with a fresh nonce",
	Args:  cobra.ExactArgs(2),
	RunE:  profilesRotate,
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete [org-id] [profile-id]",
	Short: "Delete an auth profile and its cooldown state",
	Args:  cobra.ExactArgs(2),
	RunE:  profilesDelete,
}

var profilesAuditCmd = &cobra.Command{
	Use:   "audit [org-id]",
	Short: "View the key access log of an org",
	Args:  cobra.ExactArgs(1),
	RunE:  profilesAudit,
}

func init() {
	profilesPutCmd.Flags().IntVar(&profilePriority, "priority", 0, "lower is tried first")
	profilesPutCmd.Flags().StringVar(&profileBilling, "billing", "org", "billing source (org, platform)")
	profilesPutCmd.Flags().StringSliceVar(&profileAgents, "agents", nil, "agents allowed to use the profile (globs, default all)")
	profilesPutCmd.Flags().StringSliceVar(&profileDenied, "deny-agents", nil, "agents never allowed to use the profile (globs)")
	profilesPutCmd.Flags().StringVar(&profileKeyEnv, "key-env", "", "read the API key from this environment variable instead of stdin")
	profilesAuditCmd.Flags().IntVar(&profileLimit, "limit", 50, "Maximum records to show")

	profilesCmd.AddCommand(profilesPutCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesRotateCmd)
	profilesCmd.AddCommand(profilesDeleteCmd)
	profilesCmd.AddCommand(profilesAuditCmd)
	rootCmd.AddCommand(profilesCmd)
}

func openVault() (*secrets.Vault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
}

// readAPIKey keeps keys out of shell history and process listings.
func readAPIKey(in io.Reader) (string, error) {
	if profileKeyEnv != "" {
		key := strings.TrimSpace(os.Getenv(profileKeyEnv))
		if key == "" {
			return "", fmt.Errorf("environment variable %s is empty", profileKeyEnv)
		}
		return key, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("no API key on stdin")
	}
	return key, nil
}

func profilesPut(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	orgID, id := args[0], args[1]
	key, err := readAPIKey(cmd.InOrStdin())
	if err != nil {
		return err
	}
	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	err = vault.Put(ctx, orgID, secrets.Profile{
		ID:            id,
		APIKey:        key,
		Priority:      profilePriority,
		BillingSource: profileBilling,
		ACL:           secrets.ACL{Agents: profileAgents, ForbiddenAgents: profileDenied},
	})
	if err != nil {
		return fmt.Errorf("storing profile: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Profile '%s' stored for %s (encrypted at rest)\n", id, orgID)
	return nil
}

func profilesList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	list, err := vault.List(ctx, args[0])
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}
	renderProfiles(cmd.OutOrStdout(), list, time.Now().UTC())
	return nil
}

func profilesRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Rotate(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("rotating profile: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Profile '%s' rotated (new nonce generated)\n", args[1])
	return nil
}

func profilesDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Delete(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Profile '%s' deleted\n", args[1])
	return nil
}

func profilesAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	records, err := vault.AuditLog(ctx, args[0], profileLimit)
	if err != nil {
		return fmt.Errorf("fetching access log: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No key access records yet.")
		return nil
	}
	fmt.Fprintf(out, "Key Access Log (last %d):\n", profileLimit)
	for _, entry := range records {
		status := "✓ ALLOWED"
		if !entry.Allowed {
			status = "✗ DENIED"
		}
		reason := ""
		if entry.Reason != "" {
			reason = " (" + entry.Reason + ")"
		}
		fmt.Fprintf(out, "  %s | %s | %s/%s | %s%s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			status,
			entry.OrgID,
			entry.AgentID,
			entry.ProfileID,
			reason,
		)
	}
	return nil
}

// renderProfiles writes profile metadata to w (testable). Profiles cooling
// down after failures show when they become eligible again.
func renderProfiles(w io.Writer, list []secrets.ProfileMetadata, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No auth profiles stored yet.")
		return
	}
	fmt.Fprintln(w, "Auth profiles (metadata only, keys not shown):")
	for i := range list {
		p := &list[i]
		state := "ready"
		if p.CooldownUntil.After(now) {
			state = fmt.Sprintf("cooling down until %s", p.CooldownUntil.Format("15:04:05"))
		}
		agents := "all agents"
		if len(p.ACL.Agents) > 0 {
			agents = strings.Join(p.ACL.Agents, ",")
		}
		fmt.Fprintf(w, "  - %s (priority %d, billing %s, %s, %d failures) %s\n",
			p.ID, p.Priority, p.BillingSource, agents, p.FailureCount, state)
	}
}
