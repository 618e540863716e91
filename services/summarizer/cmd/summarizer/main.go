package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"reportd/pkg/db"
	"reportd/pkg/telemetry"
	"reportd/services/summarizer/internal/config"
	"reportd/services/summarizer/internal/janitor"
)

const serviceName = "summarizer"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Package, deliver and expire report archives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional YAML file overriding non-secret settings")

	cmd.AddCommand(newServeCommand(&configFile))
	cmd.AddCommand(newSweepCommand(&configFile))
	cmd.AddCommand(newMigrateCommand(&configFile))
	return cmd
}

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newSweepCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale scratch folders once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			j, err := janitor.New(cfg.ScratchDir, cfg.ScratchMaxAge, nil, logger)
			if err != nil {
				return err
			}
			removed, err := j.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale scratch folder(s)\n", removed)
			return err
		},
	}
}

func newMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply delivery ledger migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd.Context(), *configFile)
			if err != nil {
				return err
			}
			if cfg.DBDSN == "" {
				return errors.New("DB_DSN is required to migrate")
			}
			conn, err := db.Open(cmd.Context(), cfg.DBDSN, db.WithTimeout(cfg.DBTimeout))
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer conn.Close()
			version, err := conn.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Int64("schema_version", version).Msg("ledger migrations applied")
			return nil
		},
	}
}

func setup(ctx context.Context, configFile string) (config.Config, zerolog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if configFile != "" {
		if err := cfg.ApplyFile(configFile); err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTelemetry, middleware, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	svc, err := build(ctx, cfg, logger, middleware)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           svc.api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("mode", cfg.DeliveryMode).Msg("starting summarizer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	if err := svc.api.Wait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("wait for background deliveries")
	}
	if err := svc.lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown sessions")
	}
	return nil
}
