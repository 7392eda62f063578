package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/app"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Run courier delivery batches",
		Long: `dispatch drains courier's delivery queues.

Use "run" from a cron container to process one batch, "listen" to consume
dispatch triggers from SQS, or "trigger" to enqueue a trigger message.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newListenCmd(), newTriggerCmd())
	return root
}

// bootstrap loads config and builds the app for a subcommand. The returned
// cleanup flushes tracing, closes connections and syncs the logger.
func bootstrap(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	cleanup := func() {
		_ = shutdownTracing(context.Background())
		a.Close()
		_ = logger.Sync()
	}
	return a, cleanup, nil
}
