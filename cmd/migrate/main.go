package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/app"
	"github.com/whisper/pairing/internal/postgres"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIRING_CONFIG"), "path to YAML config")
	down := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	list := flag.Bool("list", false, "print the embedded migrations and exit")
	flag.Parse()

	if *list {
		names, err := postgres.MigrationNames()
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	cfg, logger, err := app.Setup(*configPath, "migrate")
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := postgres.Open(context.Background(), cfg.Postgres)
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	if *down > 0 {
		if err := postgres.Rollback(db, *down); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
		logger.Info("rolled back", zap.Int("steps", *down))
		return
	}
	if err := postgres.Migrate(db, logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
}
