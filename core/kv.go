package core

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the shared key-value store behind flow control, the bundle
// cache's second tier and the script cache module. The memory
// implementation keeps the same semantics for single-node runs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// SlotIncr bumps a concurrency slot counter, refreshing its TTL,
	// and returns the new value.
	SlotIncr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SlotDecr releases a slot, clamping at zero.
	SlotDecr(ctx context.Context, key string) error

	// RateTake runs one sliding-window admission check: members older
	// than the window are dropped, and if fewer than limit remain a
	// new member is appended and the request is admitted. A denied
	// request consumes no token.
	RateTake(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	Close() error
}

// rateTakeScript keeps drop-count-append atomic under concurrency.
var rateTakeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

var slotDecrScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return v
`)

type redisKV struct {
	rdb *redis.Client
	seq uint64
	mu  sync.Mutex
}

// NewRedisKV connects a Redis-backed KV from a REDIS_URL style URL.
func NewRedisKV(url string) (KV, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisKV{rdb: redis.NewClient(opt)}, nil
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *redisKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.rdb.IncrBy(ctx, key, delta).Result()
}

func (r *redisKV) SlotIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisKV) SlotDecr(ctx context.Context, key string) error {
	return slotDecrScript.Run(ctx, r.rdb, []string{key}).Err()
}

func (r *redisKV) RateTake(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	r.seq++
	member := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(r.seq, 10)
	r.mu.Unlock()

	res, err := rateTakeScript.Run(ctx, r.rdb, []string{key},
		time.Now().UnixMilli(), window.Milliseconds(), limit, member).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *redisKV) Close() error { return r.rdb.Close() }

// memoryKV is the single-node fallback when no Redis is configured.
type memoryKV struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	windows map[string][]int64 // ms timestamps, oldest first
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMemoryKV() KV {
	return &memoryKV{
		values:  make(map[string]memoryValue),
		windows: make(map[string][]int64),
	}
}

func (m *memoryKV) get(key string) (memoryValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	return v.value, ok, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv := memoryValue{value: value}
	if ttl > 0 {
		mv.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = mv
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key)
	return ok, nil
}

func (m *memoryKV) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if v, ok := m.get(key); ok {
		n, _ = strconv.ParseInt(v.value, 10, 64)
	}
	n += delta
	m.values[key] = memoryValue{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (m *memoryKV) SlotIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if v, ok := m.get(key); ok {
		n, _ = strconv.ParseInt(v.value, 10, 64)
	}
	n++
	m.values[key] = memoryValue{value: strconv.FormatInt(n, 10), expiresAt: time.Now().Add(ttl)}
	return n, nil
}

func (m *memoryKV) SlotDecr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.get(key)
	if !ok {
		return nil
	}
	n, _ := strconv.ParseInt(v.value, 10, 64)
	if n > 0 {
		n--
	}
	m.values[key] = memoryValue{value: strconv.FormatInt(n, 10), expiresAt: v.expiresAt}
	return nil
}

func (m *memoryKV) RateTake(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	w := m.windows[key]
	i := 0
	for i < len(w) && w[i] <= cutoff {
		i++
	}
	w = w[i:]

	if len(w) >= limit {
		m.windows[key] = w
		return false, nil
	}
	m.windows[key] = append(w, now)
	return true, nil
}

func (m *memoryKV) Close() error { return nil }
