package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
	"github.com/voundbrand/vc83-com-sub003/internal/escalation"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session, its latest turn and the derived delivery state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Operator controls for escalated sessions",
}

var escalationTakeoverCmd = &cobra.Command{
	Use:   "takeover [session-id]",
	Short: "Take over a session with a pending escalation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEscalationAction(cmd, args[0], "takeover")
	},
}

var escalationResolveCmd = &cobra.Command{
	Use:   "resolve [session-id]",
	Short: "Hand a session back to the agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEscalationAction(cmd, args[0], "resolve")
	},
}

func init() {
	escalationCmd.AddCommand(escalationTakeoverCmd)
	escalationCmd.AddCommand(escalationResolveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(escalationCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "status")
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.orch.SessionStatus(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading session %s: %w", args[0], err)
	}
	renderSessionView(cmd.OutOrStdout(), view)
	return nil
}

func runEscalationAction(cmd *cobra.Command, sessionID, action string) error {
	ctx, span := tracer.Start(cmd.Context(), "escalation."+action)
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	switch action {
	case "takeover":
		err = rt.orch.Takeover(ctx, sessionID)
	default:
		err = rt.orch.Resolve(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, sessionID, err)
	}
	view, err := rt.orch.SessionStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	renderSessionView(cmd.OutOrStdout(), view)
	return nil
}

// deliveryColor maps a delivery state to how loudly an operator should see it.
func deliveryColor(state escalation.DeliveryState) *color.Color {
	switch state {
	case escalation.DeliveryDone:
		return color.New(color.FgGreen)
	case escalation.DeliveryBlocked:
		return color.New(color.FgYellow, color.Bold)
	case escalation.DeliveryFailed:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}

// renderSessionView writes the status view to w (testable).
func renderSessionView(w io.Writer, view *agent.SessionView) {
	s := view.Session
	fmt.Fprintf(w, "Session %s\n", s.ID)
	fmt.Fprintf(w, "  Org/Agent:      %s/%s\n", s.OrgID, s.AgentID)
	fmt.Fprintf(w, "  Channel:        %s (%s)\n", s.Channel, s.ContactID)
	fmt.Fprintf(w, "  Status:         %s\n", s.Status)
	escalationStatus := s.EscalationStatus
	if escalationStatus == "" {
		escalationStatus = escalation.StatusNone
	}
	fmt.Fprintf(w, "  Escalation:     %s\n", escalationStatus)
	fmt.Fprintf(w, "  Delivery state: %s\n", deliveryColor(view.DeliveryState).Sprint(string(view.DeliveryState)))
	fmt.Fprintf(w, "  Messages:       %d (%d tokens)\n", s.MessageCount, s.TokensUsed)
	if len(s.DisabledTools) > 0 {
		fmt.Fprintf(w, "  Disabled tools: %s\n", strings.Join(s.DisabledTools, ", "))
	}
	if s.Pin.ModelID != "" {
		fmt.Fprintf(w, "  Routing pin:    %s\n", s.Pin.ModelID)
	}
	if t := view.LatestTurn; t != nil {
		fmt.Fprintf(w, "  Latest turn:    %s %s (v%d, %s)\n", t.ID, t.State, t.Version, t.UpdatedAt.Format("2006-01-02 15:04:05"))
		if t.FailureReason != "" {
			fmt.Fprintf(w, "  Failure:        %s\n", t.FailureReason)
		}
	}
}
