package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
)

func testConfig() Config {
	return Config{
		GlobalViolationLimit: 3,
		TighteningFactor:     0.7,
		FactorTightening:     0.8,
		TighteningWindow:     5 * time.Minute,
		HourlyCentsPerIP:     100_000,
		DailyCentsPerIP:      500_000,
	}
}

func newTestLimiter(store kv.Store) *Limiter {
	return NewLimiter(store, testConfig(), zap.NewNop())
}

func TestCheckCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(kv.NewMemory())
	spec := LimitSpec{Name: "webhook", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, "10.0.0.1", spec)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
	}

	d := l.Check(ctx, "10.0.0.1", spec)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// A different factor has its own window.
	d = l.Check(ctx, "10.0.0.2", spec)
	assert.True(t, d.Allowed)
}

func TestCheckWindowExpiry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clock := time.Now()
	store.SetClock(func() time.Time { return clock })

	l := newTestLimiter(store)
	spec := LimitSpec{Name: "webhook", Limit: 1, Window: time.Minute}

	require.True(t, l.Check(ctx, "10.0.0.1", spec).Allowed)
	require.False(t, l.Check(ctx, "10.0.0.1", spec).Allowed)

	clock = clock.Add(2 * time.Minute)
	assert.True(t, l.Check(ctx, "10.0.0.1", spec).Allowed)
}

func TestGlobalTightening(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(kv.NewMemory())
	spec := LimitSpec{Name: "webhook", Limit: 10, Window: time.Minute}

	// Exceed the global violation threshold from one abusive factor.
	abusive := LimitSpec{Name: "abuse", Limit: 1, Window: time.Minute}
	require.True(t, l.Check(ctx, "10.9.9.9", abusive).Allowed)
	for i := 0; i < 4; i++ {
		require.False(t, l.Check(ctx, "10.9.9.9", abusive).Allowed)
	}

	// A clean factor now sees the tightened limit: floor(10 * 0.7) = 7.
	var allowed int
	for i := 0; i < 10; i++ {
		if l.Check(ctx, "10.0.0.1", spec).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 7, allowed)
}

func TestFactorTighteningComposes(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(kv.NewMemory())

	// One violation marks the factor without tripping the global switch.
	small := LimitSpec{Name: "small", Limit: 1, Window: time.Minute}
	require.True(t, l.Check(ctx, "10.0.0.1", small).Allowed)
	require.False(t, l.Check(ctx, "10.0.0.1", small).Allowed)

	// The factor's limit on another endpoint class: floor(10 * 0.8) = 8.
	spec := LimitSpec{Name: "webhook", Limit: 10, Window: time.Minute}
	var allowed int
	for i := 0; i < 12; i++ {
		if l.Check(ctx, "10.0.0.1", spec).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 8, allowed)
}

func TestEffectiveLimitFloor(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	l := NewLimiter(store, Config{
		GlobalViolationLimit: 0,
		TighteningFactor:     0.1,
		FactorTightening:     0.1,
		TighteningWindow:     time.Minute,
	}, zap.NewNop())

	require.NoError(t, store.Set(ctx, tightenedGlobal, "1", time.Minute))
	require.NoError(t, store.Set(ctx, tightenedFactor+"10.0.0.1", "1", time.Minute))

	// floor(2 * 0.1 * 0.1) would be 0; the floor keeps one request alive.
	assert.Equal(t, 1, l.effectiveLimit(ctx, "10.0.0.1", 2))
}

func TestCheckFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	store.Fail = true
	l := newTestLimiter(store)

	d := l.Check(ctx, "10.0.0.1", LimitSpec{Name: "webhook", Limit: 1, Window: time.Minute})
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining)

	d = l.CheckVelocity(ctx, "10.0.0.1", 1_000_000)
	assert.True(t, d.Allowed)
}

func TestCheckVelocity(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(kv.NewMemory())

	assert.True(t, l.CheckVelocity(ctx, "10.0.0.1", 60_000).Allowed)
	assert.True(t, l.CheckVelocity(ctx, "10.0.0.1", 40_000).Allowed)

	// The hourly cap is now exhausted.
	d := l.CheckVelocity(ctx, "10.0.0.1", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Hour, d.RetryAfter)

	// Rejected spend is not counted, so a smaller charge under the cap
	// from another IP still passes.
	assert.True(t, l.CheckVelocity(ctx, "10.0.0.2", 99_999).Allowed)
}

func TestCheckVelocityDailyCap(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })

	l := newTestLimiter(store)
	l.now = func() time.Time { return clock }

	// Five full hourly windows spread across the day hit the daily cap.
	for i := 0; i < 5; i++ {
		require.True(t, l.CheckVelocity(ctx, "10.0.0.1", 100_000).Allowed, "hour %d", i)
		clock = clock.Add(time.Hour)
	}
	assert.False(t, l.CheckVelocity(ctx, "10.0.0.1", 1).Allowed)
}
