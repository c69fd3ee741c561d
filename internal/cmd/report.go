package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/evidence"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var reportOrg string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print an org summary (turn outcomes, escalations, models, dead letters)",
	Long:  "Summarizes the signed audit log and undeliverable replies of one org over today and the last 7 days.",
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportOrg, "org", "", "Org ID to summarize (required)")
	_ = reportCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(reportCmd)
}

// orgReport is the data behind the report output.
type orgReport struct {
	OrgID       string
	Today       map[string]int
	Week        map[string]int
	Models      map[string]int
	Tokens      int
	Degraded    int
	DeadLetters []store.DeadLetter
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	audit, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer audit.Close()
	st, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		return fmt.Errorf("opening turn store: %w", err)
	}
	defer st.Close()

	rep, err := buildOrgReport(ctx, audit, st, reportOrg, time.Now().UTC())
	if err != nil {
		return err
	}
	renderOrgReport(cmd.OutOrStdout(), rep)
	return nil
}

func buildOrgReport(ctx context.Context, audit *evidence.Store, st *store.Store, orgID string, now time.Time) (*orgReport, error) {
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := todayStart.AddDate(0, 0, -6)

	rep := &orgReport{OrgID: orgID, Models: map[string]int{}}
	var err error
	if rep.Today, err = audit.OutcomeCounts(ctx, orgID, todayStart); err != nil {
		return nil, fmt.Errorf("counting today's outcomes: %w", err)
	}
	if rep.Week, err = audit.OutcomeCounts(ctx, orgID, weekStart); err != nil {
		return nil, fmt.Errorf("counting weekly outcomes: %w", err)
	}

	list, err := audit.List(ctx, evidence.Filter{OrgID: orgID, From: weekStart, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	for i := range list {
		ev := &list[i]
		if ev.Routing.ModelUsed != "" {
			rep.Models[ev.Routing.ModelUsed]++
		}
		rep.Tokens += ev.Execution.Tokens.Input + ev.Execution.Tokens.Output
		if len(ev.Execution.Degraded) > 0 {
			rep.Degraded++
		}
	}

	if rep.DeadLetters, err = st.ListDeadLetters(ctx, orgID, 5); err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return rep, nil
}

func total(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// renderOrgReport writes the summary to w (testable).
func renderOrgReport(w io.Writer, rep *orgReport) {
	weekTotal := total(rep.Week)
	fmt.Fprintf(w, "Turn summary for org %s\n", rep.OrgID)
	fmt.Fprintf(w, "  Turns today:             %d\n", total(rep.Today))
	fmt.Fprintf(w, "  Turns (7d):              %d\n", weekTotal)
	fmt.Fprintf(w, "  Escalated (7d):          %d (%.1f%%)\n", rep.Week["escalated"], pct(rep.Week["escalated"], weekTotal))
	failed := rep.Week["error"] + rep.Week["fatal"] + rep.Week["loop"]
	fmt.Fprintf(w, "  Failed (7d):             %d (%.1f%%)\n", failed, pct(failed, weekTotal))
	fmt.Fprintf(w, "  Degraded turns (7d):     %d\n", rep.Degraded)
	fmt.Fprintf(w, "  Tokens (7d):             %d\n", rep.Tokens)

	if len(rep.Week) > 0 {
		fmt.Fprintf(w, "  Outcomes (7d):\n")
		for _, o := range sortedCountKeys(rep.Week) {
			fmt.Fprintf(w, "    - %s: %d\n", o, rep.Week[o])
		}
	}
	if len(rep.Models) > 0 {
		fmt.Fprintf(w, "  Model breakdown (7d):\n")
		for _, m := range sortedCountKeys(rep.Models) {
			fmt.Fprintf(w, "    - %s: %d\n", m, rep.Models[m])
		}
	}
	if len(rep.DeadLetters) > 0 {
		fmt.Fprintf(w, "  Recent dead letters:\n")
		for _, d := range rep.DeadLetters {
			fmt.Fprintf(w, "    - %s | %s -> %s | %s\n", d.CreatedAt.Format("2006-01-02 15:04:05"), d.Channel, d.RecipientID, d.Error)
		}
	}
	fmt.Fprintln(w)
}

func sortedCountKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
