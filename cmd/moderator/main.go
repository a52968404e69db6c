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
	flag.Parse()

	cfg, logger, err := app.Setup(*configPath, "moderator")
	if err != nil {
		log.Fatalf("moderator: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	if a.NATS == nil {
		logger.Fatal("moderator needs NATS: set nats.url")
	}
	if err := app.NewHandlers(a).SubscribeModerator(a.NATS); err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}
	a.ServeMetrics(ctx)

	logger.Info("moderator running",
		zap.String("nats_url", cfg.NATS.URL),
		zap.Float64("flag_threshold", cfg.Moderation.FlagThreshold),
		zap.Float64("block_threshold", cfg.Moderation.BlockThreshold),
		zap.String("policy_file", cfg.Moderation.PolicyFile))

	<-ctx.Done()
	logger.Info("shutting down")
}
