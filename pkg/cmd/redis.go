package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/contacts"
	"github.com/dukex/journeys/pkg/lock"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the redis:// URL. An empty URL returns a nil client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewLocker returns a Redis lock shared by every worker when a client is
// given, or an in-process lock otherwise.
func NewLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) lock.Locker {
	if client == nil {
		logger.Warn("No Redis configured, enrollment locks only hold within this process")

		return lock.NewLocal()
	}

	return lock.NewRedis(client, logger, lock.WithTTL(ttl))
}

// NewContactStore returns the Redis contact store when a client is given,
// or an in-memory store otherwise.
func NewContactStore(client *redis.Client, logger *slog.Logger) contacts.Store {
	if client == nil {
		return contacts.NewStatic(nil)
	}

	return contacts.NewRedis(client, logger)
}
