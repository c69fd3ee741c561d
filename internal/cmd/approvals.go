package cmd

import (
	"fmt"
	"io"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
)

var (
	approvalsOrg      string
	approvalsReviewer string
	approvalsReason   string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review tool calls waiting for human approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals of an org",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [approval-id]",
	Short: "Approve a gated tool call and resume its turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalDecision(cmd, args[0], true)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject [approval-id]",
	Short: "Reject a gated tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalDecision(cmd, args[0], false)
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsOrg, "org", "", "org id (required)")
	_ = approvalsListCmd.MarkFlagRequired("org")
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		c.Flags().StringVar(&approvalsReviewer, "reviewer", "", "reviewer name (default: current OS user)")
		c.Flags().StringVar(&approvalsReason, "reason", "", "review note stored with the decision")
		approvalsCmd.AddCommand(c)
	}
	approvalsCmd.AddCommand(approvalsListCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.list")
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	pending, err := rt.orch.PendingApprovals(ctx, approvalsOrg)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}
	renderApprovals(cmd.OutOrStdout(), pending)
	return nil
}

func runApprovalDecision(cmd *cobra.Command, id string, approve bool) error {
	ctx, span := tracer.Start(cmd.Context(), "approvals.decide")
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	reviewer := approvalsReviewer
	if reviewer == "" {
		reviewer = "cli"
		if u, err := user.Current(); err == nil && u.Username != "" {
			reviewer = "cli:" + u.Username
		}
	}
	res, err := rt.orch.ResolveApproval(ctx, id, reviewer, approve, approvalsReason)
	if err != nil {
		return fmt.Errorf("resolving approval %s: %w", id, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Approval %s: %s by %s\n", id, res.Approval.Status, reviewer)
	fmt.Fprintf(out, "  Turn:     %s (%s)\n", res.Approval.TurnID, res.TurnState)
	fmt.Fprintf(out, "  Outcome:  %s\n", res.Outcome)
	if res.DeliveryStatus != "" {
		fmt.Fprintf(out, "  Delivery: %s\n", res.DeliveryStatus)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "  Error:    %s\n", res.Error)
	}
	return nil
}

// renderApprovals writes pending approvals to w (testable).
func renderApprovals(w io.Writer, pending []*agent.Approval) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending approvals.")
		return
	}
	fmt.Fprintf(w, "Pending approvals (%d):\n\n", len(pending))
	for _, a := range pending {
		fmt.Fprintf(w, "  %s | %s | %s/%s | %s | expires %s\n",
			a.ID,
			a.CreatedAt.Format("2006-01-02 15:04:05"),
			a.AgentID,
			a.SessionID,
			a.Tool,
			a.TimeoutAt.Format("15:04:05"),
		)
		if len(a.Reasons) > 0 {
			fmt.Fprintf(w, "      reasons: %s\n", strings.Join(a.Reasons, "; "))
		}
	}
}
