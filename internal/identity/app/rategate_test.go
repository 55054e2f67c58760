package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/identity/app"
)

// windowCounter is a single-window in-memory RateCounter.
type windowCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	keys   []string
}

func (c *windowCounter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[key]++
	c.keys = append(c.keys, key)
	return c.counts[key], window / 2, nil
}

func newGate(t *testing.T, counter app.RateCounter) *app.RateGate {
	t.Helper()
	g, err := app.NewRateGate(app.RateGateConfig{
		Counter: counter,
		Rules: map[domain.OperationClass]app.RateRule{
			domain.OpSend:   {Limit: 3, Window: time.Hour},
			domain.OpVerify: {Limit: 5, Window: 10 * time.Minute},
		},
	})
	require.NoError(t, err)
	return g
}

func TestNewRateGate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rules map[domain.OperationClass]app.RateRule
	}{
		{"unknown class", map[domain.OperationClass]app.RateRule{"bogus": {Limit: 1, Window: time.Minute}}},
		{"zero limit", map[domain.OperationClass]app.RateRule{domain.OpSend: {Window: time.Minute}}},
		{"zero window", map[domain.OperationClass]app.RateRule{domain.OpSend: {Limit: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := app.NewRateGate(app.RateGateConfig{Counter: &windowCounter{}, Rules: tt.rules})
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRateGate_Admit(t *testing.T) {
	t.Run("admits up to the limit then denies", func(t *testing.T) {
		counter := &windowCounter{}
		g := newGate(t, counter)
		ctx := context.Background()

		for i := range 3 {
			d, err := g.Admit(ctx, domain.OpSend, testPhone)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "attempt %d", i+1)
		}

		d, err := g.Admit(ctx, domain.OpSend, testPhone)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 30*time.Minute, d.RetryAfter)
		assert.Equal(t, 1800, d.RetryAfterSeconds())
		assert.Equal(t, "rate:send:"+testPhone, counter.keys[0])
	})

	t.Run("keys and classes are independent", func(t *testing.T) {
		g := newGate(t, &windowCounter{})
		ctx := context.Background()

		for range 3 {
			_, err := g.Admit(ctx, domain.OpSend, testPhone)
			require.NoError(t, err)
		}

		d, err := g.Admit(ctx, domain.OpSend, "+8801898765432")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = g.Admit(ctx, domain.OpVerify, testPhone)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("class without a rule is admitted without counting", func(t *testing.T) {
		counter := &windowCounter{}
		g := newGate(t, counter)

		d, err := g.Admit(context.Background(), domain.OpSignup, "203.0.113.7")

		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Empty(t, counter.keys)
	})

	t.Run("counter failure fails closed", func(t *testing.T) {
		g := newGate(t, &stubCounter{hitFn: func(context.Context, string, time.Duration) (int64, time.Duration, error) {
			return 0, 0, errors.New("redis down")
		}})

		d, err := g.Admit(context.Background(), domain.OpSend, testPhone)

		assert.ErrorIs(t, err, domain.ErrUnavailable)
		assert.False(t, d.Allowed)
	})

	t.Run("missing window ttl falls back to the rule window", func(t *testing.T) {
		g := newGate(t, &stubCounter{hitFn: func(context.Context, string, time.Duration) (int64, time.Duration, error) {
			return 4, -1, nil
		}})

		d, err := g.Admit(context.Background(), domain.OpSend, testPhone)

		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, time.Hour, d.RetryAfter)
	})
}

func TestRateGate_Enforce(t *testing.T) {
	g := newGate(t, &stubCounter{hitFn: func(context.Context, string, time.Duration) (int64, time.Duration, error) {
		return 6, 90 * time.Second, nil
	}})

	err := g.Enforce(context.Background(), domain.OpVerify, testPhone)

	require.ErrorIs(t, err, domain.ErrRateLimited)
	wait, ok := domain.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, wait)

	rule, ok := g.Rule(domain.OpVerify)
	require.True(t, ok)
	assert.Equal(t, int64(5), rule.Limit)
}
