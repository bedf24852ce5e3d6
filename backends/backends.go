// Package backends turns configuration into concrete checkpoint stores and
// object storage clients. Callers depend on the store.CheckpointStore and
// storage.Client interfaces and never name a backend package themselves.
package backends

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/smallnest/threadstore/config"
	"github.com/smallnest/threadstore/log"
	"github.com/smallnest/threadstore/metrics"
	"github.com/smallnest/threadstore/storage"
	storagememory "github.com/smallnest/threadstore/storage/memory"
	"github.com/smallnest/threadstore/storage/minio"
	"github.com/smallnest/threadstore/store"
	"github.com/smallnest/threadstore/store/memory"
	"github.com/smallnest/threadstore/store/postgres"
	"github.com/smallnest/threadstore/store/redis"
	"github.com/smallnest/threadstore/store/sqlite"
)

// OpenCheckpointStore builds the checkpoint store selected by cfg.Backend.
// Network backends connect lazily, so a nil error does not mean the server
// is reachable; use store.Pinger for that.
func OpenCheckpointStore(ctx context.Context, cfg config.CheckpointConfig, logger log.Logger) (store.CheckpointStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrDefault(logger)

	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := postgres.NewPostgresCheckpointStore(ctx, postgres.PostgresOptions{
			ConnString: cfg.ConnString,
			TableName:  cfg.TableName,
			Pool: postgres.PoolOptions{
				MaxConns:          cfg.Pool.MaxConns,
				MinConns:          cfg.Pool.MinConns,
				MaxConnLifetime:   cfg.Pool.MaxConnLifetime,
				MaxConnIdleTime:   cfg.Pool.MaxConnIdleTime,
				HealthCheckPeriod: cfg.Pool.HealthCheckPeriod,
				ConnectTimeout:    cfg.Pool.ConnectTimeout,
			},
			Params:   cfg.Params,
			Pipeline: cfg.Pipeline,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = cfg.ConnString
		}
		s, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
			Path:      path,
			TableName: cfg.TableName,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendRedis:
		return openRedis(cfg, logger)

	case config.BackendMemory:
		return memory.NewMemoryCheckpointStore(nil), nil
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
}

// openRedis prefers a redis:// URL in ConnString over the discrete fields.
func openRedis(cfg config.CheckpointConfig, logger log.Logger) (store.CheckpointStore, error) {
	opts := redis.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
		TTL:      cfg.Redis.TTL,
		Logger:   logger,
	}
	if cfg.ConnString == "" {
		return redis.NewRedisCheckpointStore(opts), nil
	}

	clientOpts, err := goredis.ParseURL(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewRedisCheckpointStoreWithClient(goredis.NewClient(clientOpts), opts), nil
}

// OpenStorage builds the object storage client selected by cfg.Backend and
// wraps it with metrics when m is non-nil. It returns a nil client and nil
// error when object storage is disabled.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger log.Logger, m *metrics.Metrics) (storage.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrDefault(logger)

	var client storage.Client
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.StorageMemory:
		client = storagememory.New(cfg.Bucket, storagememory.WithReadURLExpiry(cfg.ReadURLExpiry))
	case config.StorageMinio, config.StorageS3:
		c, err := minio.New(ctx, minio.Options{
			Endpoint:           cfg.Endpoint,
			Bucket:             cfg.Bucket,
			AccessKey:          cfg.AccessKey,
			SecretKey:          cfg.SecretKey,
			SessionToken:       cfg.SessionToken,
			Secure:             cfg.Secure,
			Region:             cfg.Region,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			ReadURLExpiry:      cfg.ReadURLExpiry,
		}, logger)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	logger.Debug("object storage backend %s ready", cfg.Backend)
	return storage.Instrument(client, cfg.Backend, m), nil
}
