package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the due-task and stale-turn sweeps once",
	Long: `Dispatches every scheduled task that is due (escalation notifications and
their retries) and fails running turns whose lease expired. turnkeeper serve
runs the same sweeps on the sweep_interval cron spec.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "sweep")
	defer span.End()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	recovered, err := rt.orch.RecoverStaleTurns(ctx, staleSweepBatch)
	if err != nil {
		return fmt.Errorf("recovering stale turns: %w", err)
	}
	dispatched, err := rt.scheduler.RunDue(ctx)
	if err != nil {
		return fmt.Errorf("running due tasks: %w", err)
	}

	log.Info().Int("stale_turns", recovered).Int("tasks", dispatched).Msg("sweep_completed")
	fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stale turn(s), dispatched %d task(s).\n", recovered, dispatched)
	return nil
}
