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

	cfg, logger, err := app.Setup(*configPath, "matcher")
	if err != nil {
		log.Fatalf("matcher: %v", err)
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
		logger.Fatal("matcher needs NATS: set nats.url")
	}
	if err := app.NewHandlers(a).SubscribeMatcher(a.NATS); err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}
	a.ServeMetrics(ctx)

	logger.Info("matcher running",
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("nats_url", cfg.NATS.URL),
		zap.Strings("categories", cfg.Matching.Categories))

	<-ctx.Done()
	logger.Info("shutting down")
}
