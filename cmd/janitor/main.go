package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/app"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIRING_CONFIG"), "path to YAML config")
	once := flag.Bool("once", false, "run a single sweep cycle and exit")
	flag.Parse()

	cfg, logger, err := app.Setup(*configPath, "janitor")
	if err != nil {
		log.Fatalf("janitor: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	if *once {
		failed := 0
		for _, res := range a.Janitor.RunOnce(ctx) {
			if res.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			logger.Error("sweep finished with failures", zap.Int("failed_steps", failed))
			_ = a.Close()
			stop()
			os.Exit(1)
		}
		return
	}

	a.ServeMetrics(ctx)
	logger.Info("janitor running",
		zap.Duration("interval", cfg.Janitor.Interval),
		zap.Duration("step_timeout", cfg.Janitor.StepTimeout))
	a.Janitor.Start(ctx)
	logger.Info("shutting down")
}
