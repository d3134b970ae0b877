package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/config"
	"github.com/BaSui01/agentbus/internal/metrics"
	"github.com/BaSui01/agentbus/internal/server"
	"github.com/BaSui01/agentbus/internal/telemetry"
	"github.com/BaSui01/agentbus/pipeline"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting agentbus",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = Version
	}
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("agentbus exited with error", zap.Error(err))
		return 1
	}
	logger.Info("agentbus stopped")
	return 0
}

// serve runs the pipeline, and the ops server when enabled, until ctx is
// done or the ops listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collector := metrics.NewCollector(cfg.Ops.MetricsNamespace, logger)

	p, err := pipeline.New(cfg, logger, pipeline.WithMetrics(collector))
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Stop(context.Background())
		return err
	}

	if !cfg.Ops.Enabled {
		<-ctx.Done()
		logger.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.Server.ShutdownTimeout)
		defer cancel()
		return p.Stop(stopCtx)
	}

	ops := server.NewManager(newOpsHandler(p, collector, logger), cfg.Ops.Server, logger)
	ops.OnShutdown(p.Stop)
	if err := ops.Start(); err != nil {
		_ = p.Stop(context.Background())
		return err
	}
	return ops.Run(ctx)
}

// newOpsHandler exposes metrics, readiness, task submission, stats and
// archived results.
func newOpsHandler(p *pipeline.Pipeline, collector *metrics.Collector, logger *zap.Logger) *server.Ops {
	opts := server.OpsOptions{
		Metrics: collector,
		Submit:  p.Submit,
		Stats:   p.Stats,
		Version: Version,
	}
	if a := p.Archive(); a != nil {
		opts.Results = a
	}
	ops := server.NewOps(opts, logger)
	ops.AddCheck("pipeline", p.Ready)
	return ops
}
