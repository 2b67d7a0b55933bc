package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/movingally/smsrelay/internal/config"
	"github.com/movingally/smsrelay/internal/retention"
	"github.com/movingally/smsrelay/internal/server"
)

var (
	servePort        int
	serveCORSOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP server and the retention job",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", []string{"*"}, "allowed CORS origins")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	set, err := loadProfiles(ctx, b)
	if err != nil {
		return err
	}

	sched, err := retention.NewScheduler(retention.Config{
		Schedule:          cfg.RetentionSchedule,
		EvidenceRetention: cfg.EvidenceRetention,
		Evidence:          b.evidence,
		Ledger:            b.ledger,
	})
	if err != nil {
		return fmt.Errorf("retention schedule: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("SMSRELAY_API_KEYS not set; the /v1 operator API will return 401")
	}

	srv := server.NewServer(set, b.evidence,
		server.WithAPIKeys(cfg.APIKeys),
		server.WithInboundAuth(cfg.InboundAuth),
		server.WithCORSOrigins(serveCORSOrigins),
		server.WithRateLimits(cfg.RateLimitGlobal, cfg.RateLimitPerLead),
		server.WithTurnTimeout(cfg.TurnTimeout),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TurnTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Strs("profiles", set.Names()).
		Bool("inbound_auth", cfg.InboundAuth).
		Time("next_retention", sched.Next()).
		Msg("smsrelay_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// In-flight turns finish before the stores close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TurnTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
