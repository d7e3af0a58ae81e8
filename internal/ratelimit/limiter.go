// Package ratelimit implements windowed request limits per identifying
// factor (IP, email, wallet) with adaptive global tightening. The limiter
// fails open: payment availability outweighs strict enforcement when the
// backing store is down.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
)

const (
	countPrefix     = "ratelimit:"
	violationGlobal = "ratelimit:violations:global"
	tightenedGlobal = "ratelimit:tightened:global"
	tightenedFactor = "ratelimit:tightened:factor:"
	hourlyPrefix    = "velocity:hour:"
	dailyPrefix     = "velocity:day:"
)

// LimitSpec is an endpoint-class limit: at most Limit checks per Window.
type LimitSpec struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Config tunes the adaptive tightening behavior.
type Config struct {
	// GlobalViolationLimit is the violation count within one minute that
	// trips system-wide tightening.
	GlobalViolationLimit int
	// TighteningFactor multiplies every limit while global tightening is
	// active (e.g. 0.7).
	TighteningFactor float64
	// FactorTightening additionally multiplies the limit for a factor
	// that recently violated (e.g. 0.8). The two compose multiplicatively.
	FactorTightening float64
	// TighteningWindow bounds how long tightening stays in effect.
	TighteningWindow time.Duration

	HourlyCentsPerIP int64
	DailyCentsPerIP  int64
}

type Limiter struct {
	kv     kv.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewLimiter(store kv.Store, cfg Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		kv:     store,
		cfg:    cfg,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
	}
}

// Check counts one request against the factor's window. Counting happens
// before the limit comparison, so the window count is non-decreasing with
// every allowed check.
func (l *Limiter) Check(ctx context.Context, factorKey string, spec LimitSpec) Decision {
	key := countPrefix + spec.Name + ":" + factorKey

	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		return l.failOpen("count", err)
	}
	if count == 1 {
		if err := l.kv.Expire(ctx, key, spec.Window); err != nil {
			return l.failOpen("expire", err)
		}
	}

	limit := l.effectiveLimit(ctx, factorKey, spec.Limit)
	if count <= int64(limit) {
		return Decision{Allowed: true, Remaining: limit - int(count)}
	}

	l.recordViolation(ctx, factorKey)

	retryAfter := spec.Window
	if ttl, err := l.kv.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// CheckVelocity enforces hourly and daily dollar caps per IP. The spend is
// only added to the windows when both caps pass.
func (l *Limiter) CheckVelocity(ctx context.Context, ip string, amountCents int64) Decision {
	now := l.now().UTC()
	hourKey := hourlyPrefix + ip + ":" + now.Format("2006-01-02-15")
	dayKey := dailyPrefix + ip + ":" + now.Format("2006-01-02")

	hourly, err := l.windowTotal(ctx, hourKey)
	if err != nil {
		return l.failOpen("velocity_hour", err)
	}
	daily, err := l.windowTotal(ctx, dayKey)
	if err != nil {
		return l.failOpen("velocity_day", err)
	}

	if hourly+amountCents > l.cfg.HourlyCentsPerIP || daily+amountCents > l.cfg.DailyCentsPerIP {
		l.recordViolation(ctx, ip)
		return Decision{Allowed: false, RetryAfter: time.Hour}
	}

	if _, err := l.kv.IncrBy(ctx, hourKey, amountCents); err == nil {
		_ = l.kv.Expire(ctx, hourKey, time.Hour)
	}
	if _, err := l.kv.IncrBy(ctx, dayKey, amountCents); err == nil {
		_ = l.kv.Expire(ctx, dayKey, 24*time.Hour)
	}
	return Decision{Allowed: true}
}

func (l *Limiter) windowTotal(ctx context.Context, key string) (int64, error) {
	raw, err := l.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	total, _ := strconv.ParseInt(raw, 10, 64)
	return total, nil
}

// effectiveLimit applies global and per-factor tightening. Both effects
// compose multiplicatively; the floor is 1 so a factor is never fully
// locked out by tightening alone.
func (l *Limiter) effectiveLimit(ctx context.Context, factorKey string, base int) int {
	limit := float64(base)

	if l.flagSet(ctx, tightenedGlobal) {
		limit *= l.cfg.TighteningFactor
	}
	if l.flagSet(ctx, tightenedFactor+factorKey) {
		limit *= l.cfg.FactorTightening
	}

	effective := int(math.Floor(limit))
	if effective < 1 {
		effective = 1
	}
	return effective
}

func (l *Limiter) flagSet(ctx context.Context, key string) bool {
	_, err := l.kv.Get(ctx, key)
	return err == nil
}

// recordViolation bumps the global one-minute violation counter, trips
// system-wide tightening past the threshold, and marks the violating
// factor for its own tightening.
func (l *Limiter) recordViolation(ctx context.Context, factorKey string) {
	count, err := l.kv.Incr(ctx, violationGlobal)
	if err != nil {
		return
	}
	if count == 1 {
		_ = l.kv.Expire(ctx, violationGlobal, time.Minute)
	}
	if count > int64(l.cfg.GlobalViolationLimit) {
		if setErr := l.kv.Set(ctx, tightenedGlobal, "1", l.cfg.TighteningWindow); setErr == nil {
			l.logger.Warn("global_tightening_engaged",
				zap.Int64("violations", count),
				zap.Duration("window", l.cfg.TighteningWindow),
			)
		}
	}
	_ = l.kv.Set(ctx, tightenedFactor+factorKey, "1", l.cfg.TighteningWindow)
}

// failOpen allows the request when the backing store is unreachable and
// logs the degraded mode; it is never silent.
func (l *Limiter) failOpen(op string, err error) Decision {
	l.logger.Warn("ratelimit_degraded_fail_open",
		zap.String("op", op),
		zap.Error(fmt.Errorf("rate limit store: %w", err)),
	)
	return Decision{Allowed: true, Remaining: -1}
}
