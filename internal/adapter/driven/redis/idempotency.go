// Package redis implements driven ports on top of Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IdempotencyStore = (*IdempotencyStore)(nil)

// DefaultKeyPrefix namespaces idempotency keys.
const DefaultKeyPrefix = "leadbridge:idempotency:"

// IdempotencyStore claims keys with SET NX so several instances behind a load
// balancer share one dedupe window.
type IdempotencyStore struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// Connect parses a redis:// URL, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewIdempotencyStore wraps an existing client. An empty keyPrefix uses
// DefaultKeyPrefix.
func NewIdempotencyStore(client goredis.UniversalClient, keyPrefix string) *IdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &IdempotencyStore{client: client, keyPrefix: keyPrefix}
}

// Claim atomically sets key with ttl. It returns false if key already exists.
func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

// Release deletes key so it can be claimed again.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
