package storage

import (
	"fmt"

	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/sirupsen/logrus"
)

// New builds the storage backend selected in the configuration.
func New(cfg *config.Config, logger *logrus.Logger) (Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		return NewRedisStorage(&cfg.Redis, logger)
	case config.BackendPostgres:
		return NewPostgresStorage(&cfg.Postgres, logger)
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; state is lost on restart")
		return NewInMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}
