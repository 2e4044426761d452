package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/digkill/motiongif/internal/app"
	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "motiongif",
		Short:         "Animate photos into GIFs through hosted video models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), reprocessCmd())
	return root
}

// setup loads configuration and the logger shared by every command.
func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.AppEnv), nil
}

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the polling sweep and the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log, skipMigrate)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			defer a.Close()

			if err := a.Serve(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("stopped with error")
				return err
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations on start")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if err := app.Migrate(cfg); err != nil {
				log.Error().Err(err).Msg("migrate failed")
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one polling sweep over processing jobs and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := app.New(ctx, cfg, log, true)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			defer a.Close()

			stats, err := a.Sweeper.RunOnce(ctx)
			log.Info().
				Int("listed", stats.Listed).
				Int("completed", stats.Completed).
				Int("failed", stats.Failed).
				Int("pending", stats.Pending).
				Int("errors", stats.Errors).
				Bool("skipped", stats.Skipped).
				Msg("sweep finished")
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "upper bound for the whole sweep")
	return cmd
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <job-id>",
		Short: "Poll the provider for one job and apply the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log, true)
			if err != nil {
				log.Error().Err(err).Msg("startup failed")
				return err
			}
			defer a.Close()

			outcome, err := a.Reconciler.Reprocess(cmd.Context(), args[0])
			if err != nil {
				log.Error().Err(err).Str("job_id", args[0]).Msg("reprocess failed")
				return err
			}
			log.Info().Str("job_id", args[0]).Str("outcome", string(outcome)).Msg("reprocessed")
			return nil
		},
	}
}
