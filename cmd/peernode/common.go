package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/collective-net/peernet/internal/config"
	"github.com/collective-net/peernet/internal/supervisor"
)

func setupLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadFromEnv(), nil
}

// withRunningNode loads config, starts a NodeSupervisor, bootstraps against
// configured peers, runs fn, then shuts down — the pattern every one-shot
// CLI command (publish, fetch, ls, status) shares.
func withRunningNode(fn func(ctx context.Context, s *supervisor.NodeSupervisor) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer sup.Shutdown()

	return fn(ctx, sup)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
