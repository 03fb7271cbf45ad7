package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/spillway/internal/cache"
	"github.com/gftdcojp/spillway/internal/clock"
	"github.com/gftdcojp/spillway/internal/config"
	"github.com/gftdcojp/spillway/internal/leak"
	"github.com/gftdcojp/spillway/internal/metrics"
	"github.com/gftdcojp/spillway/internal/pipeline"
	"github.com/gftdcojp/spillway/internal/recovery"
	"github.com/gftdcojp/spillway/internal/stress"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("spillway %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}

	cacheMgr, err := cache.NewManager(cfg.Cache, clk, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("creating cache manager: %w", err)
	}

	stage, err := pipeline.NewStage(cfg.Pipeline, clk, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("creating pipeline stage: %w", err)
	}

	recMgr, err := recovery.NewManager(cfg.Recovery, clk, logger.Named("recovery"))
	if err != nil {
		return fmt.Errorf("creating recovery manager: %w", err)
	}
	defer recMgr.Close()

	sampler := leak.NewRuntimeSampler(clk)
	detector := leak.NewDetector(cfg.Leak, sampler, clk, logger.Named("leak"))

	runner := stress.NewRunner(stress.RunnerConfig{
		Stress:   cfg.Stress,
		Cache:    cacheMgr,
		Stage:    stage,
		Recovery: recMgr,
		Detector: detector,
		Sampler:  sampler,
		Clock:    clk,
		Logger:   logger.Named("stress"),
	})

	g, gctx := errgroup.WithContext(ctx)

	// The run finishing (budget or duration spent) winds down the
	// observability servers too.
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})

	g.Go(func() error { return detector.Run(gctx) })

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(recMgr.Index(), cacheMgr.Dir(), cfg.Recovery.CheckpointDir)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker)
		})
	}

	logger.Info("spillway started",
		zap.String("version", version),
		zap.String("pipeline_mode", cfg.Pipeline.Mode),
		zap.String("memory_ceiling", humanize.IBytes(uint64(cfg.Cache.MaxMemoryUsage))),
		zap.String("chunk_size", humanize.IBytes(uint64(cfg.Stress.ChunkSize))),
		zap.String("spill_dir", cacheMgr.Dir()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Graceful shutdown: release cached chunks and their backing files.
	logger.Info("shutting down, cleaning cache...")
	if err := cacheMgr.Cleanup(); err != nil {
		logger.Error("cache cleanup error", zap.Error(err))
	}

	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
