package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/domain/domaintest"
)

func TestRealClock(t *testing.T) {
	before := time.Now()
	got := domain.RealClock{}.Now()
	assert.False(t, got.Before(before))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(start)

	clock.Advance(2 * time.Minute)
	assert.True(t, clock.Now().Equal(start.Add(2*time.Minute)))

	clock.Set(start)
	assert.True(t, clock.Now().Equal(start))
}

func TestMillisRoundTrip(t *testing.T) {
	start := time.Date(2026, 1, 15, 12, 0, 0, 123_000_000, time.UTC)
	clock := domaintest.NewFakeClock(start)

	ms := domain.NowUTCMillis(clock)
	assert.Equal(t, start.UnixMilli(), ms)
	assert.True(t, domain.FromMillis(ms).Equal(start))
	assert.Equal(t, time.UTC, domain.FromMillis(ms).Location())
}

func TestRemaining(t *testing.T) {
	start := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := domaintest.NewFakeClock(start)
	deadline := start.Add(90 * time.Second).UnixMilli()

	assert.Equal(t, 90*time.Second, domain.Remaining(clock, deadline))

	clock.Advance(5 * time.Minute)
	assert.Equal(t, time.Duration(0), domain.Remaining(clock, deadline))
}
