package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by unit tests and local development.
// TTLs are honored lazily on read.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memEntry
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64

	// Fail simulates an unavailable backing store for every operation.
	Fail bool
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:    time.Now,
		values: make(map[string]memEntry),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
	}
}

// SetClock overrides the time source for TTL tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) errIfFailing() error {
	if m.Fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := m.errIfFailing(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.errIfFailing(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.values[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *Memory) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if err := m.errIfFailing(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if e, ok := m.live(key); ok {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current += delta
	e := m.values[key]
	e.value = strconv.FormatInt(current, 10)
	m.values[key] = e
	return current, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		e.expiresAt = m.expiry(ttl)
		m.values[key] = e
	}
	return nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := m.errIfFailing(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	return nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, members ...Member) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	for _, member := range members {
		zset[member.Value] = member.Score
	}
	return nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	if err := m.errIfFailing(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	type scored struct {
		value string
		score float64
	}
	var matched []scored
	for value, score := range m.zsets[key] {
		if score >= min && score <= max {
			matched = append(matched, scored{value, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score < matched[j].score })
	out := make([]string, 0, len(matched))
	for _, s := range matched {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.value)
	}
	return out, nil
}

func (m *Memory) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := m.errIfFailing(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	zset := m.zsets[key]
	if len(zset) == 0 {
		return nil
	}
	type scored struct {
		value string
		score float64
	}
	ordered := make([]scored, 0, len(zset))
	for value, score := range zset {
		ordered = append(ordered, scored{value, score})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].score < ordered[j].score })
	n := int64(len(ordered))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	for i := start; i <= stop && i >= 0 && i < n; i++ {
		delete(zset, ordered[i].value)
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.errIfFailing()
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
