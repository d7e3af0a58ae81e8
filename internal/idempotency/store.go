// Package idempotency is the at-most-once execution guard shared by every
// worker. All coordination goes through the kv store; nothing is held in
// process memory, so competing consumers on other hosts see the same locks.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tiltvault/tiltvault-cloud/pkg/kv"
)

const (
	lockPrefix      = "lock:payment:"
	processedPrefix = "processed:payment:"
	replayPrefix    = "replay:sig:"
)

// ErrStoreUnavailable means the backing store could not be reached.
// Admission fails closed on this error: a payment must not proceed without
// its lock.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Store guards payment processing and signature replay. Payment locks and
// replay markers live in separate namespaces: a resent webhook re-signed by
// the provider is a different signature but the same payment.
type Store struct {
	kv     kv.Store
	logger *zap.Logger
}

func NewStore(store kv.Store, logger *zap.Logger) *Store {
	return &Store{kv: store, logger: logger.Named("idempotency")}
}

// TryAcquire takes the processing lock for a key. The TTL is the safety
// net for crashed workers: the lock auto-expires so the job stays
// retriable within its attempt budget.
func (s *Store) TryAcquire(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.kv.SetNX(ctx, lockPrefix+key, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Release drops the lock after processing completes.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.kv.Del(ctx, lockPrefix+key); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// IsProcessed reports whether the key completed processing.
func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	_, err := s.kv.Get(ctx, processedPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

// MarkProcessed records completion so redelivered webhooks short-circuit
// at admission instead of reaching the queue.
func (s *Store) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, processedPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SignatureSeen reports whether the signature was already consumed by a
// terminal disposition. Reads only; MarkSignature records consumption.
// Keeping the two apart means a rejected delivery never burns its
// signature, so the provider's retry of the identical body still admits.
func (s *Store) SignatureSeen(ctx context.Context, signature string) (bool, error) {
	_, err := s.kv.Get(ctx, replayKey(signature))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

// MarkSignature records the signature hash once its delivery reached a
// terminal disposition. The TTL is bounded by the signature's own
// validity window, so the namespace stays small.
func (s *Store) MarkSignature(ctx context.Context, signature string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, replayKey(signature), "1", ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func replayKey(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return replayPrefix + hex.EncodeToString(sum[:])
}
