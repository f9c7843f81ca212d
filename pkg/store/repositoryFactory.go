package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/zoff-tech/go-exchange/pkg/config"
)

var sqlOpen = sql.Open

// NewRepository opens the message store selected by cfg. The lock registry lives
// in the same store unless locks selects a dedicated backend.
func NewRepository(ctx context.Context, cfg config.DbSettings, locks config.LockSettings) (*Store, error) {
	var (
		messages MessageStore
		registry LockRegistry
		closers  []func(context.Context) error
	)

	switch cfg.Type {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		repo := NewMongoRepository(client, cfg.Name)
		if cfg.EnsureIndexes {
			if err := repo.EnsureIndexes(ctx); err != nil {
				_ = client.Disconnect(ctx)
				return nil, err
			}
		}
		messages, registry = repo, repo
		closers = append(closers, client.Disconnect)
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		repo := NewPostgresRepository(db)
		if cfg.EnsureIndexes {
			if err := repo.EnsureSchema(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		messages, registry = repo, repo
		closers = append(closers, func(context.Context) error { return db.Close() })
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("open spanner: %w", err)
		}
		repo := NewSpannerRepositoryFactory(client)
		messages, registry = repo, repo
		closers = append(closers, func(context.Context) error { client.Close(); return nil })
	case "memory":
		repo := NewMemoryRepository()
		messages, registry = repo, repo
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}

	if locks.Type == "redis" {
		opts, err := redis.ParseURL(locks.RedisURL)
		if err != nil {
			closeAll(ctx, closers)
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		registry = NewRedisLockRegistry(client)
		closers = append(closers, func(context.Context) error { return client.Close() })
	}

	return NewStore(messages, registry, closers...), nil
}

func closeAll(ctx context.Context, closers []func(context.Context) error) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i](ctx)
	}
}
