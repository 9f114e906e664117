package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration
type Config struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Client wraps a Redis connection
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a new Redis client and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("redis connection established", "addr", cfg.Addr, "db", cfg.DB)

	return &Client{rdb: rdb, logger: logger}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck checks the Redis connection
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IdempotencyStore caches HTTP responses keyed by idempotency key.
// It satisfies the middleware.IdempotencyStore interface.
type IdempotencyStore struct {
	client *Client
	prefix string
}

// NewIdempotencyStore creates a Redis-backed idempotency store
func NewIdempotencyStore(client *Client) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: "idem:"}
}

// Get returns the cached response for a key, if any
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.rdb.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting idempotency key: %w", err)
	}
	return data, true, nil
}

// Set caches a response for a key with a TTL
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.client.rdb.Set(ctx, s.prefix+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("setting idempotency key: %w", err)
	}
	return nil
}
