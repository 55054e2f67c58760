package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/identity/app"
	redisclient "github.com/aelexs/identity-service/internal/redis"
)

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// compareAndSwapScript replaces KEYS[1] with ARGV[2] and a fresh PX of
// ARGV[3] only while it still holds ARGV[1].
const compareAndSwapScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`

var _ app.TokenStore = (*RedisTokenStore)(nil)

// RedisTokenStore is the Redis-backed TokenStore. Expiry is delegated to
// Redis PX so absent and expired keys are indistinguishable.
type RedisTokenStore struct {
	cmd redisclient.Cmdable
}

// NewRedisTokenStore creates a RedisTokenStore that uses cmd.
func NewRedisTokenStore(cmd redisclient.Cmdable) *RedisTokenStore {
	return &RedisTokenStore{cmd: cmd}
}

func (s *RedisTokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.get", "GET")
	defer span.End()

	val, err := s.cmd.Get(ctx, key).Bytes()
	if redisclient.IsNil(err) {
		return nil, fmt.Errorf("token store: get %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: get %q: %w", key, err))
	}
	return val, nil
}

func (s *RedisTokenStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := startRedisSpan(ctx, "redis.tokens.set", "SET")
	defer span.End()

	if ttl <= 0 {
		return fmt.Errorf("token store: set %q: ttl must be positive: %w", key, domain.ErrInvalidInput)
	}
	if err := s.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
		return spanError(span, fmt.Errorf("token store: set %q: %w", key, err))
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.delete", "DEL")
	defer span.End()

	n, err := s.cmd.Del(ctx, key).Result()
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: delete %q: %w", key, err))
	}
	return n > 0, nil
}

func (s *RedisTokenStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.exists", "EXISTS")
	defer span.End()

	n, err := s.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: exists %q: %w", key, err))
	}
	return n > 0, nil
}

// GetAndDelete reads and removes key in one GETDEL round trip.
func (s *RedisTokenStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.getdel", "GETDEL")
	defer span.End()

	val, err := s.cmd.GetDel(ctx, key).Bytes()
	if redisclient.IsNil(err) {
		return nil, fmt.Errorf("token store: getdel %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, spanError(span, fmt.Errorf("token store: getdel %q: %w", key, err))
	}
	return val, nil
}

func (s *RedisTokenStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.compare_and_delete", "EVAL")
	defer span.End()

	n, err := s.cmd.Eval(ctx, compareAndDeleteScript, []string{key}, expected).Int64()
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: compare and delete %q: %w", key, err))
	}
	return n > 0, nil
}

func (s *RedisTokenStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	ctx, span := startRedisSpan(ctx, "redis.tokens.compare_and_swap", "EVAL")
	defer span.End()

	if ttl <= 0 {
		return false, fmt.Errorf("token store: compare and swap %q: ttl must be positive: %w", key, domain.ErrInvalidInput)
	}
	n, err := s.cmd.Eval(ctx, compareAndSwapScript, []string{key}, expected, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, spanError(span, fmt.Errorf("token store: compare and swap %q: %w", key, err))
	}
	return n == 1, nil
}

func startRedisSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", op),
	)
	return ctx, span
}

// spanError records err on span and returns it unchanged.
func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
