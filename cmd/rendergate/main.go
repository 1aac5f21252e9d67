// Command rendergate runs the render job API, the dispatcher that feeds
// jobs to rendering back-ends, and a few operator utilities.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendergate/rendergate/internal/blob"
	"github.com/rendergate/rendergate/internal/config"
	"github.com/rendergate/rendergate/internal/job"
	"github.com/rendergate/rendergate/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:           "rendergate",
	Short:         "Queue image render jobs and dispatch them to rendering back-ends",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("rendergate", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the JSON logger at the
// configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Store {
	case "redis":
		return job.OpenRedisStore(ctx, cfg.RedisURL, job.WithRedisLogger(slog.Default()))
	case "memory":
		slog.Warn("using in-memory job store; jobs are lost on restart")
		return job.NewMemoryStore(), nil
	default:
		return job.NewSQLiteStore(cfg.DBPath)
	}
}

func openBlobs(cfg *config.Config) (*blob.FileStore, error) {
	blobs, err := blob.NewFileStore(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	return blobs, nil
}

// startTelemetry installs the configured OpenTelemetry exporter. Its output
// goes to stderr so it does not interleave with the JSON log on stdout. The
// returned func flushes pending spans and metrics.
func startTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	shutdown, err := telemetry.Setup(ctx, cfg.OTelExporter, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
