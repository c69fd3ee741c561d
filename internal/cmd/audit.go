package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
)

var (
	auditOrg     string
	auditAgent   string
	auditSession string
	auditOutcome string
	auditLimit   int
	auditFormat  string
	auditSince   time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and export the signed turn audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [evidence-id|turn-id]",
	Short: "Verify the HMAC signature of an audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records as CSV or JSON to stdout",
	RunE:  auditExport,
}

func init() {
	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVar(&auditOrg, "org", "", "Filter by org ID")
		c.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent ID")
		c.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
		c.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (success, escalated, error, ...)")
	}
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")
	auditExportCmd.Flags().StringVar(&auditFormat, "format", "csv", "Export format (csv, json)")
	auditExportCmd.Flags().DurationVar(&auditSince, "since", 0, "Only records newer than this (e.g. 24h)")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func openEvidenceStore() (*evidence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
}

func auditFilter() evidence.Filter {
	return evidence.Filter{
		OrgID:     auditOrg,
		AgentID:   auditAgent,
		SessionID: auditSession,
		Outcome:   auditOutcome,
	}
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	f := auditFilter()
	f.Limit = auditLimit
	index, err := store.ListIndex(ctx, f)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(index) == 0 {
		fmt.Fprintln(out, "No audit records found.")
		return nil
	}
	renderAuditList(out, index)
	return nil
}

// auditVerify accepts an evidence id or a turn id; a turn id verifies the
// newest record of that turn.
func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	id := args[0]
	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, id)
	if errors.Is(err, evidence.ErrNotFound) {
		var ev *evidence.Evidence
		ev, valid, err = store.VerifyTurn(ctx, id)
		if err == nil {
			id = ev.ID
		}
	}
	if err != nil {
		return fmt.Errorf("verifying audit record: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), id, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", id)
	}
	return nil
}

func auditExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	if auditFormat != "csv" && auditFormat != "json" {
		return fmt.Errorf("unsupported format %q (use csv or json)", auditFormat)
	}
	store, err := openEvidenceStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	f := auditFilter()
	if auditSince > 0 {
		f.From = time.Now().UTC().Add(-auditSince)
	}
	records, err := store.List(ctx, f)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}
	if auditFormat == "json" {
		return evidence.WriteJSON(cmd.OutOrStdout(), records)
	}
	return evidence.WriteCSV(cmd.OutOrStdout(), records)
}

// renderAuditList writes audit index lines to w (testable).
func renderAuditList(w io.Writer, index []evidence.Index) {
	fmt.Fprintf(w, "Audit Records (showing %d):\n\n", len(index))
	for i := range index {
		entry := &index[i]
		status := "✓"
		if entry.Outcome != "success" && entry.Outcome != "duplicate" {
			status = "•"
		}
		errorMark := ""
		if entry.HasError {
			status = "✗"
			errorMark = " [ERROR]"
		}
		model := entry.ModelUsed
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s/%s | %s | %s | %s | %d tok | %dms%s\n",
			status,
			entry.ID,
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.OrgID,
			entry.AgentID,
			entry.TurnID,
			entry.Outcome,
			model,
			entry.Tokens,
			entry.DurationMS,
			errorMark,
		)
	}
}

// renderVerifyResult writes verify outcome to w (testable).
func renderVerifyResult(w io.Writer, evidenceID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Audit record %s: signature VALID (HMAC-SHA256 intact)\n", evidenceID)
	} else {
		fmt.Fprintf(w, "✗ Audit record %s: signature INVALID (possible tampering)\n", evidenceID)
	}
}
