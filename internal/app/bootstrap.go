package app

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/logger"
)

// Setup loads a .env file when one exists, reads the config at path and
// builds the process logger. name identifies the process in logs and as
// the NATS client name.
func Setup(path, name string) (config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.NATS.Name == "" || cfg.NATS.Name == config.Default().NATS.Name {
		cfg.NATS.Name = "pairing-" + name
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log.With(zap.String("service", name), zap.String("env", cfg.Env)), nil
}
