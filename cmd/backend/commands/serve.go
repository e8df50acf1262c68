package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biodoia/hacp/internal/gateway"
	"github.com/biodoia/hacp/internal/health"
	"github.com/biodoia/hacp/internal/ratelimit"
	"github.com/biodoia/hacp/internal/retention"
	"github.com/biodoia/hacp/pkg/auth"
	"github.com/biodoia/hacp/pkg/tracing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	devMode     bool
	verbose     bool
	autoMigrate bool
)

// ServeCmd rappresenta il comando serve
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HACP gateway server",
	Long: `Start the HACP gateway server.

This command wires both providers, the escalation coordinator and the
console service, then exposes them over HTTP for the console front end.`,
	Example: `  # Start server with default settings
  hacp serve

  # Start in development mode with verbose logging
  hacp serve --dev --verbose

  # Start with custom config
  hacp serve -c /path/to/config.yaml`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (pretty logging)")
	ServeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (debug level)")
	ServeCmd.Flags().BoolVar(&autoMigrate, "migrate", true, "Auto-run database migrations on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogger(cmd, cfg, verbose, devMode)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Type).
		Bool("auth", cfg.Auth.Enabled).
		Bool("dev_mode", devMode).
		Msg("Starting HACP gateway")

	tc := cfg.Monitoring.Tracing
	shutdownTracing, err := tracing.Setup(cmd.Context(), tracing.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	st, err := buildStack(cmd.Context(), cfg, autoMigrate)
	if err != nil {
		return err
	}
	defer st.Close()

	monitor := health.NewMonitor(st.adapters, st.metrics, cfg.Providers.HealthCheckInterval)
	monitor.Start()
	defer monitor.Stop()

	st.coordinator.Start()
	defer st.coordinator.Stop()

	if rc := cfg.Monitoring.Retention; rc.Enabled {
		janitor, err := retention.New(st.store, retention.Config{Schedule: rc.Schedule, MaxAge: rc.MaxAge})
		if err != nil {
			return err
		}
		janitor.Start()
		defer janitor.Stop()
	}

	deps := gateway.Deps{
		Console: st.console,
		DB:      st.db,
		Health:  monitor,
		Metrics: st.metrics.Handler(),
	}
	if cfg.Auth.Enabled {
		deps.JWT = auth.NewJWTManager(auth.JWTConfig{
			SecretKey:      cfg.Auth.JWTSecret,
			Issuer:         cfg.Auth.Issuer,
			AccessDuration: cfg.Auth.TokenTTL,
		})
	}

	deps.Limiter = buildLimiter(st)
	deps.Stream = st.stream

	gw, err := gateway.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	log.Info().Msgf("Gateway running on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.Monitoring.Prometheus.Enabled {
		log.Info().Msgf("Metrics exposed on %s:%d/metrics", cfg.Server.Host, cfg.Server.Port)
	}

	return waitForShutdown(gw, errCh)
}

// buildLimiter crea il rate limiter per owner; ripiega sulla memoria se redis manca
func buildLimiter(st *stack) ratelimit.Limiter {
	rc := st.config.Server.RateLimit
	if !rc.Enabled {
		return nil
	}

	limits := ratelimit.Config{
		Limit:  int64(rc.RequestsPerMinute),
		Window: time.Minute,
		Burst:  int64(rc.Burst),
	}
	if rc.Distributed {
		if st.redis != nil {
			return ratelimit.NewDistributedLimiter(limits, st.redis.Client())
		}
		log.Warn().Msg("Redis unavailable, falling back to in-memory rate limiting")
	}
	return ratelimit.NewTokenBucketLimiter(limits)
}

func waitForShutdown(gw *gateway.Gateway, errCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway stopped: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	log.Info().Msg("HACP gateway stopped cleanly")
	return nil
}
