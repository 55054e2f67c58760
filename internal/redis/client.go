package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// Cmdable is a type alias for redis.Cmdable. Adapters accept this interface
// instead of importing go-redis directly.
type Cmdable = redis.Cmdable

// Nil is returned by commands when the key does not exist.
const Nil = redis.Nil

// IsNil reports whether err is a missing-key reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Config holds the parameters needed to connect to a Redis instance.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a new Redis client configured from cfg. It does not
// dial; use WaitReady to block until the server answers.
func NewClient(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{RDB: rdb}
}

// WaitReady pings Redis with Fibonacci backoff capped at maxDelay until it
// answers or ctx is done.
func (c *Client) WaitReady(ctx context.Context, logger *slog.Logger, maxDelay time.Duration) error {
	b := retry.NewFibonacci(200 * time.Millisecond)
	b = retry.WithCappedDuration(maxDelay, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.RDB.Ping(ctx).Err(); err != nil {
			logger.WarnContext(ctx, "redis not ready", "addr", c.RDB.Options().Addr, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}
