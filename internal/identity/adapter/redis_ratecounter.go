package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/aelexs/identity-service/internal/identity/app"
	redisclient "github.com/aelexs/identity-service/internal/redis"
)

// rateCounterScript increments KEYS[1], starts the window on the first hit,
// and returns the count with the remaining PTTL. A key that lost its TTL is
// given a fresh window so a counter can never become permanent.
const rateCounterScript = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var _ app.RateCounter = (*RedisRateCounter)(nil)

// RedisRateCounter implements fixed-window counting in Redis.
type RedisRateCounter struct {
	cmd redisclient.Cmdable
}

// NewRedisRateCounter creates a RedisRateCounter that uses cmd.
func NewRedisRateCounter(cmd redisclient.Cmdable) *RedisRateCounter {
	return &RedisRateCounter{cmd: cmd}
}

// Hit counts one request against key. Errors are returned as-is; the rate
// gate turns them into a denial.
func (c *RedisRateCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, span := startRedisSpan(ctx, "redis.rate.hit", "EVAL")
	defer span.End()

	res, err := c.cmd.Eval(ctx, rateCounterScript, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, spanError(span, fmt.Errorf("rate counter %q: %w", key, err))
	}
	if len(res) != 2 {
		return 0, 0, spanError(span, fmt.Errorf("rate counter %q: unexpected reply length %d", key, len(res)))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
