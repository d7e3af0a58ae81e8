// Package kv abstracts the coordination store (idempotency locks, replay
// markers, rate-limit windows, short-lived buffers) behind a typed
// interface so core logic never depends on a specific store SDK.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Member is a scored set entry for ZAdd/ZRangeByScore.
type Member struct {
	Score float64
	Value string
}

// Store is the coordination-store contract. Implementations must be safe
// for concurrent use by competing workers.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent; reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, key string) error

	SAdd(ctx context.Context, key string, members ...string) error
	ZAdd(ctx context.Context, key string, members ...Member) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	Ping(ctx context.Context) error
}
