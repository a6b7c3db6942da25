package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pribylovaa/betforbes-session/internal/config"
	"github.com/pribylovaa/betforbes-session/internal/storage"
	"github.com/pribylovaa/betforbes-session/internal/storage/file"
	"github.com/pribylovaa/betforbes-session/internal/storage/memory"
	"github.com/pribylovaa/betforbes-session/internal/storage/mongo"
	"github.com/pribylovaa/betforbes-session/internal/storage/postgres"
	"github.com/pribylovaa/betforbes-session/internal/storage/redis"
)

// OpenStore открывает хранилище слотов по драйверу из конфигурации.
// Для postgres при cfg.Migrate сначала применяются миграции.
func OpenStore(ctx context.Context, cfg config.StoreConfig, lg *slog.Logger) (storage.Store, error) {
	const op = "app.OpenStore"

	var (
		st  storage.Store
		err error
	)

	switch cfg.Driver {
	case config.DriverMemory:
		st = memory.New()
	case config.DriverFile:
		st, err = file.New(cfg.FilePath, cfg.PollInterval)
	case config.DriverRedis:
		st, err = redis.New(ctx, cfg.RedisURL, cfg.Namespace)
	case config.DriverPostgres:
		if cfg.Migrate {
			if err := postgres.Migrate(cfg.PostgresURL, lg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		st, err = postgres.New(ctx, cfg.PostgresURL, cfg.Namespace)
	case config.DriverMongo:
		st, err = mongo.New(ctx, cfg.MongoURL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("%s: unknown driver %q", op, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, cfg.Driver, err)
	}

	return st, nil
}
