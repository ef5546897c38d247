package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pastelite/internal/config"
	"pastelite/internal/storage"
	"pastelite/internal/storage/boltstore"
	"pastelite/internal/storage/dynamostore"
	"pastelite/internal/storage/memstore"
	"pastelite/internal/storage/mongostore"
	"pastelite/internal/storage/pgstore"
	"pastelite/internal/storage/redisstore"
	"pastelite/internal/storage/sqlitestore"
	"pastelite/internal/storage/upstash"
)

type backendKind string

const (
	kindPostgres backendKind = "postgres"
	kindSQLite   backendKind = "sqlite"
	kindMongo    backendKind = "mongodb"
	kindDynamo   backendKind = "dynamodb"
	kindUpstash  backendKind = "upstash"
	kindRedis    backendKind = "redis"
	kindBolt     backendKind = "bolt"
	kindMemory   backendKind = "memory"
)

// chooseBackend applies the fixed priority: relational, document, managed
// KV, Upstash REST, Redis, embedded bbolt, then process memory.
func chooseBackend(cfg config.StoreConfig) (backendKind, string) {
	switch {
	case cfg.DatabaseURL != "":
		dsn := cfg.DatabaseURL
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			return kindPostgres, dsn
		}
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		dsn = strings.TrimPrefix(dsn, "sqlite:")
		return kindSQLite, dsn
	case cfg.MongoURI != "":
		return kindMongo, cfg.MongoURI
	case cfg.DynamoTable != "":
		return kindDynamo, cfg.DynamoTable
	case cfg.UpstashURL != "" && cfg.UpstashToken != "":
		return kindUpstash, cfg.UpstashURL
	case cfg.RedisURL != "":
		return kindRedis, cfg.RedisURL
	case cfg.BoltPath != "":
		return kindBolt, cfg.BoltPath
	default:
		return kindMemory, ""
	}
}

// openBackend is called once at startup; the result lives for the process.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (storage.Backend, error) {
	kind, target := chooseBackend(cfg)

	var (
		backend storage.Backend
		err     error
	)
	switch kind {
	case kindPostgres:
		backend, err = pgstore.Open(ctx, target, logger)
	case kindSQLite:
		backend, err = sqlitestore.Open(target, logger)
	case kindMongo:
		backend, err = mongostore.Open(ctx, target, cfg.MongoDatabase)
	case kindDynamo:
		backend, err = dynamostore.Open(ctx, dynamostore.Options{
			Table:    target,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.DynamoEndpoint,
		})
	case kindUpstash:
		backend, err = upstash.New(target, cfg.UpstashToken)
	case kindRedis:
		backend, err = redisstore.Open(ctx, target)
	case kindBolt:
		backend, err = boltstore.Open(target)
	default:
		logger.Warn("no durable backend configured, pastes will not survive a restart")
		backend = memstore.New()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", kind, err)
	}

	logger.Info("storage backend selected", "backend", string(kind))
	return backend, nil
}
