package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voundbrand/vc83-com-sub003/internal/server"
	"github.com/voundbrand/vc83-com-sub003/internal/tenant"
)

var (
	servePort           int
	serveStrictChannels bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the due-task and stale-turn sweeps",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().BoolVar(&serveStrictChannels, "strict-channels", false, "reject inbound events for channels without a configured sender")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := registerSweeps(rt); err != nil {
		return err
	}
	rt.scheduler.Start()
	defer rt.scheduler.Stop()

	if len(rt.cfg.APIKeys) == 0 {
		log.Warn().Msg("no api_keys configured, every API route except /health will return 401")
	}

	opts := []server.Option{
		server.WithTenantManager(tenant.NewManager(rt.cfg.IngestRatePerOrg, nil, rt.audit)),
	}
	if serveStrictChannels {
		opts = append(opts, server.WithChannels(rt.Channels()...))
	}
	srv := server.NewServer(rt.orch, rt.audit, rt.cfg.APIKeys, opts...)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", rt.scheduler.Entries()).
		Str("policy_version", rt.policy.VersionTag).
		Strs("channels", rt.Channels()).
		Int("ingest_rate_per_org", rt.cfg.IngestRatePerOrg).
		Msg("turnkeeper_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// registerSweeps adds the two cron jobs every serving process runs: claiming
// due tasks and failing turns whose lease expired without a release.
func registerSweeps(rt *runtimeDeps) error {
	if err := rt.scheduler.AddDueTaskSweep(rt.cfg.SweepInterval); err != nil {
		return fmt.Errorf("registering due-task sweep: %w", err)
	}
	err := rt.scheduler.AddSweep(rt.cfg.SweepInterval, "stale_turns", time.Minute, func(ctx context.Context) error {
		_, err := rt.orch.RecoverStaleTurns(ctx, staleSweepBatch)
		return err
	})
	if err != nil {
		return fmt.Errorf("registering stale-turn sweep: %w", err)
	}
	return nil
}
