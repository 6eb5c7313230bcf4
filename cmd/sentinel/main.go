package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cht/sentinel/internal/config"
	"github.com/cht/sentinel/internal/dispatch"
	"github.com/cht/sentinel/internal/domain/ids"
	"github.com/cht/sentinel/internal/domain/lineage"
	"github.com/cht/sentinel/internal/domain/transition"
	"github.com/cht/sentinel/internal/domain/validation"
	"github.com/cht/sentinel/internal/platform/audit"
	"github.com/cht/sentinel/internal/platform/sandbox"
	"github.com/cht/sentinel/internal/platform/status"
	"github.com/cht/sentinel/internal/platform/store"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Change-driven rule pipeline for community-health reports",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Process the document change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.SettingsFile).Msg("failed to load settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	docs, err := store.NewPG(ctx, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare document store")
	}
	docs.PollInterval = cfg.PollInterval

	eval := sandbox.New(cfg.EvalTimeout)
	lin := lineage.NewService(docs)
	deps := transition.Deps{
		Docs:     docs,
		Audit:    audit.NewMemory(),
		Lineage:  lin,
		IDs:      ids.NewService(docs, ids.DefaultLength),
		Settings: settings,
		Eval:     eval,
		Validate: validation.New(eval),
		Log:      logger,
	}

	dispatcher := dispatch.New(docs, lin, transition.Units(deps), logger)
	pool2 := dispatch.NewPool(dispatcher, cfg.Workers, logger)

	statusSrv := status.New(logger, pool, dispatcher.Stats)
	go func() {
		addr := ":" + cfg.StatusPort
		logger.Info().Str("addr", addr).Msg("starting status server")
		if err := statusSrv.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("status server error")
		}
	}()

	changes, err := docs.Changes(ctx, cfg.SinceSeq)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open change feed")
	}

	logger.Info().
		Int("workers", cfg.Workers).
		Int64("since", cfg.SinceSeq).
		Msg("processing changes")

	if err := pool2.Run(ctx, changes); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("change processing stopped")
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("status server shutdown failed")
	}

	stats := dispatcher.Stats()
	logger.Info().
		Int64("processed", stats.Processed).
		Int64("saved", stats.Saved).
		Msg("stopped")
	return nil
}
