package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/agent"
)

var (
	ingestOrg      string
	ingestAgent    string
	ingestChannel  string
	ingestContact  string
	ingestSession  string
	ingestKey      string
	ingestMetadata map[string]string
	ingestConvoRef string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [message]",
	Short: "Run one inbound event through a full turn",
	Long: `Runs a single inbound event exactly as the HTTP inbound route would and
prints the turn result as JSON. Escalation notifications are queued and sent
by the next sweep (turnkeeper sweep, or a running turnkeeper serve).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOrg, "org", "", "org id (required)")
	ingestCmd.Flags().StringVar(&ingestAgent, "agent", "", "agent id (required)")
	ingestCmd.Flags().StringVar(&ingestChannel, "channel", "cli", "inbound channel")
	ingestCmd.Flags().StringVar(&ingestContact, "contact", "cli-user", "contact id on the channel")
	ingestCmd.Flags().StringVar(&ingestSession, "session", "", "session id (derived from org, agent, channel and contact when empty)")
	ingestCmd.Flags().StringVar(&ingestKey, "key", "", "idempotency key (derived from metadata or content when empty)")
	ingestCmd.Flags().StringToStringVar(&ingestMetadata, "meta", nil, "event metadata, e.g. --meta messageId=SM123")
	ingestCmd.Flags().StringVar(&ingestConvoRef, "conversation-ref", "", "channel conversation reference for replies")
	_ = ingestCmd.MarkFlagRequired("org")
	_ = ingestCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "ingest")
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.orch.Run(ctx, agent.InboundEvent{
		OrgID:           ingestOrg,
		SessionID:       ingestSession,
		AgentID:         ingestAgent,
		Channel:         ingestChannel,
		ContactID:       ingestContact,
		IdempotencyKey:  ingestKey,
		Message:         strings.Join(args, " "),
		Metadata:        ingestMetadata,
		ConversationRef: ingestConvoRef,
	})
	if err != nil {
		return fmt.Errorf("running turn: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Outcome == agent.OutcomeError || res.Outcome == agent.OutcomeFatal {
		return fmt.Errorf("turn %s ended with %s: %s", res.TurnID, res.Outcome, res.Error)
	}
	return nil
}
