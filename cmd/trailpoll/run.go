package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/config"
	"github.com/Sternrassler/trailpoll/pkg/logging"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/Sternrassler/trailpoll/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the source and publish records",
	Long: `Poll the configured source and publish every record to the sinks.

The poller keeps stream.prefetch records of demand outstanding and refills it
as records are consumed. It runs until interrupted (Ctrl+C) or it receives
SIGTERM, then terminates the engine and closes all connections.

Example:
  trailpoll run -c trailpoll.yaml`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

// run drives one pipeline until ctx ends. logger is the untagged base logger.
func run(ctx context.Context, cfg *config.Config, base zerolog.Logger) error {
	logger := logging.WithComponent(base, logging.ComponentCLI)

	p, err := newPipeline(ctx, cfg, base)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close connections")
		}
	}()

	logger.Info().
		Str("engine", cfg.Poller.Name).
		Str("source", cfg.Source.Type).
		Int("sinks", len(cfg.Sinks)).
		Int("prefetch", cfg.Stream.Prefetch).
		Msg("Starting trailpoll")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := newServer(cfg.Metrics.Addr, p.stream.Engine())
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving /metrics and /health")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	p.stream.Start()

	g.Go(func() error {
		var placeholders int64
		err := stream.Drain(gctx, p.stream, int64(cfg.Stream.Prefetch), func(rec record.Record) {
			if rec.IsZero() {
				placeholders++
			}
		})
		p.stream.Cancel()
		cancel()

		stats := p.stream.Engine().Stats()
		logger.Info().
			Int64("fetches", stats.Fetches).
			Int64("delivered", stats.Delivered).
			Int64("dropped", stats.Dropped).
			Int64("placeholders", placeholders).
			Str("cursor", stats.Cursor.String()).
			Msg("Shutdown complete")

		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}
