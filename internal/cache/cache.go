// Package cache provides namespaced key-value operations over the shared
// store with transparent value encoding. Every method is total: store and
// decode failures are logged and reported through the return value, never as
// a driver error.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopstate/kvcore/internal/metrics"
	"github.com/shopstate/kvcore/internal/store"
)

const (
	// Prefix is the namespace of the generic cache.
	Prefix = "cache:"

	// DefaultTTL applies when a caller passes a zero ttl.
	DefaultTTL = time.Hour

	scanCount = 100
)

// Cache is a namespaced view of the store.
type Cache struct {
	client *store.Client
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New creates a Cache whose keys all start with prefix. An empty prefix
// selects Prefix.
func New(client *store.Client, prefix string, opts ...Option) *Cache {
	if prefix == "" {
		prefix = Prefix
	}
	c := &Cache{
		client: client,
		rdb:    client.Redis(),
		prefix: prefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = client.Logger().With("namespace", prefix)
	return c
}

// Key returns the namespaced store key for suffix.
func (c *Cache) Key(suffix string) string {
	return c.prefix + suffix
}

// Prefix returns the namespace.
func (c *Cache) Prefix() string {
	return c.prefix
}

// DefaultTTL returns the TTL used for zero ttl arguments.
func (c *Cache) DefaultTTL() time.Duration {
	return c.ttl
}

func (c *Cache) ttlOr(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.ttl
	}
	return ttl
}

func (c *Cache) done(op string, start time.Time, result string) {
	metrics.ObserveCache(op, result, time.Since(start))
}

func (c *Cache) fail(op, key string, start time.Time, err error) {
	c.done(op, start, metrics.ResultError)
	c.log.Error("cache "+op+" failed", "key", key, "error", err)
}

// Set writes v under key with ttl (zero means the default TTL).
func (c *Cache) Set(ctx context.Context, key string, v Value, ttl time.Duration) bool {
	start := time.Now()
	if v.IsZero() {
		c.fail("set", key, start, errors.New("cache: zero value"))
		return false
	}
	ttl = c.ttlOr(ttl)

	ctx, cancel := c.client.Bound(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, c.Key(key), v.encode(), ttl).Err(); err != nil {
		c.fail("set", key, start, err)
		return false
	}
	c.done("set", start, metrics.ResultOK)
	c.log.Debug("cache set", "key", key, "ttl", ttl, "kind", v.Kind().String())
	return true
}

// SetStructured is Set(ctx, key, Structured(v), ttl).
func (c *Cache) SetStructured(ctx context.Context, key string, v any, ttl time.Duration) bool {
	val, err := Structured(v)
	if err != nil {
		c.fail("set", key, time.Now(), err)
		return false
	}
	return c.Set(ctx, key, val, ttl)
}

// Replace overwrites key only if it still exists (SET XX), restarting its
// expiry. It returns false when the key is gone or the store fails.
func (c *Cache) Replace(ctx context.Context, key string, v Value, ttl time.Duration) bool {
	start := time.Now()
	if v.IsZero() {
		c.fail("replace", key, start, errors.New("cache: zero value"))
		return false
	}
	ttl = c.ttlOr(ttl)

	ctx, cancel := c.client.Bound(ctx)
	defer cancel()
	ok, err := c.rdb.SetXX(ctx, c.Key(key), v.encode(), ttl).Result()
	if err != nil {
		c.fail("replace", key, start, err)
		return false
	}
	if !ok {
		c.done("replace", start, metrics.ResultMiss)
		return false
	}
	c.done("replace", start, metrics.ResultOK)
	return true
}

// ReplaceStructured is Replace for a JSON-encoded value.
func (c *Cache) ReplaceStructured(ctx context.Context, key string, v any, ttl time.Duration) bool {
	val, err := Structured(v)
	if err != nil {
		c.fail("replace", key, time.Now(), err)
		return false
	}
	return c.Replace(ctx, key, val, ttl)
}

// Get returns the value under key. The second result is false on a miss or
// when the store cannot be reached.
func (c *Cache) Get(ctx context.Context, key string) (Value, bool) {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	payload, err := c.rdb.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		c.done("get", start, metrics.ResultMiss)
		c.log.Debug("cache miss", "key", key)
		return Value{}, false
	}
	if err != nil {
		c.fail("get", key, start, err)
		return Value{}, false
	}
	v := decode(payload)
	c.done("get", start, metrics.ResultHit)
	c.log.Debug("cache hit", "key", key, "kind", v.Kind().String())
	return v, true
}

// GetStructured decodes the value under key into dst. It reports false on a
// miss, a store failure, or a value that does not decode into dst.
func (c *Cache) GetStructured(ctx context.Context, key string, dst any) bool {
	v, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := v.Decode(dst); err != nil {
		c.log.Warn("cache decode failed", "key", key, "kind", v.Kind().String(), "error", err)
		return false
	}
	return true
}

// Del removes key and reports whether it existed.
func (c *Cache) Del(ctx context.Context, key string) bool {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	n, err := c.rdb.Del(ctx, c.Key(key)).Result()
	if err != nil {
		c.fail("del", key, start, err)
		return false
	}
	c.done("del", start, metrics.ResultOK)
	c.log.Debug("cache del", "key", key, "deleted", n)
	return n > 0
}

// DelPattern deletes every key in the namespace matching the glob pattern and
// returns how many were removed. Cost grows with the number of keys scanned.
func (c *Cache) DelPattern(ctx context.Context, pattern string) int64 {
	start := time.Now()

	keys, err := c.scan(ctx, pattern)
	if err != nil {
		c.fail("delpattern", pattern, start, err)
		return 0
	}
	if len(keys) == 0 {
		c.done("delpattern", start, metrics.ResultOK)
		return 0
	}

	ctx, cancel := c.client.Bound(ctx)
	defer cancel()
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.fail("delpattern", pattern, start, err)
		return 0
	}
	c.done("delpattern", start, metrics.ResultOK)
	c.log.Debug("cache del pattern", "pattern", pattern, "deleted", n)
	return n
}

// Each visits every key in the namespace matching pattern, passing the key
// suffix and its value. Keys that vanish mid-scan are skipped. Returning
// false from fn stops the walk. The bool result is false if the scan failed.
func (c *Cache) Each(ctx context.Context, pattern string, fn func(key string, v Value) bool) bool {
	start := time.Now()
	keys, err := c.scan(ctx, pattern)
	if err != nil {
		c.fail("each", pattern, start, err)
		return false
	}
	c.done("each", start, metrics.ResultOK)

	for _, full := range keys {
		suffix := strings.TrimPrefix(full, c.prefix)
		v, ok := c.Get(ctx, suffix)
		if !ok {
			continue
		}
		if !fn(suffix, v) {
			break
		}
	}
	return true
}

// scan collects full keys with SCAN; each round trip is bounded separately.
func (c *Cache) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := c.Key(pattern)
	for {
		cctx, cancel := c.client.Bound(ctx)
		batch, next, err := c.rdb.Scan(cctx, cursor, match, scanCount).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return dedupe(keys), nil
		}
	}
}

// dedupe drops repeats; SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	n, err := c.rdb.Exists(ctx, c.Key(key)).Result()
	if err != nil {
		c.fail("exists", key, start, err)
		return false
	}
	c.done("exists", start, metrics.ResultOK)
	return n == 1
}

// Expire sets the TTL of an existing key.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	start := time.Now()
	ttl = c.ttlOr(ttl)
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	ok, err := c.rdb.Expire(ctx, c.Key(key), ttl).Result()
	if err != nil {
		c.fail("expire", key, start, err)
		return false
	}
	c.done("expire", start, metrics.ResultOK)
	c.log.Debug("cache expire", "key", key, "ttl", ttl)
	return ok
}

// TTL returns the remaining lifetime of key. It reports false when the key is
// absent or the store fails; a negative duration means the key never expires.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	d, err := c.rdb.TTL(ctx, c.Key(key)).Result()
	if err != nil {
		c.fail("ttl", key, start, err)
		return 0, false
	}
	c.done("ttl", start, metrics.ResultOK)
	if d == -2 {
		return 0, false
	}
	return d, true
}

// Incr atomically increments the counter under key, creating it at 1. The
// TTL is applied only when the result is 1, so an existing window keeps its
// original expiry. INCR and EXPIRE are separate commands: a crash between
// them leaves a counter without expiry.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	start := time.Now()
	ttl = c.ttlOr(ttl)
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	k := c.Key(key)
	n, err := c.rdb.Incr(ctx, k).Result()
	if err != nil {
		c.fail("incr", key, start, err)
		return 0, false
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, k, ttl).Err(); err != nil {
			c.log.Error("cache incr expire failed, counter has no ttl", "key", key, "error", err)
		}
	}
	c.done("incr", start, metrics.ResultOK)
	c.log.Debug("cache incr", "key", key, "value", n)
	return n, true
}

// writeCollection runs write in a MULTI together with EXISTS, and applies the
// TTL only when the collection did not exist before the write.
func (c *Cache) writeCollection(ctx context.Context, op, key string, ttl time.Duration, write func(ctx context.Context, pipe redis.Pipeliner, k string) *redis.IntCmd) int64 {
	start := time.Now()
	ttl = c.ttlOr(ttl)
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	k := c.Key(key)
	var existed, res *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existed = pipe.Exists(ctx, k)
		res = write(ctx, pipe, k)
		return nil
	})
	if err != nil {
		c.fail(op, key, start, err)
		return 0
	}
	if existed.Val() == 0 {
		if err := c.rdb.Expire(ctx, k, ttl).Err(); err != nil {
			c.log.Error("cache "+op+" expire failed, collection has no ttl", "key", key, "error", err)
		}
	}
	c.done(op, start, metrics.ResultOK)
	return res.Val()
}

// HSet writes one hash field and returns the number of fields added (0 when
// an existing field was overwritten, or on failure).
func (c *Cache) HSet(ctx context.Context, key, field string, v Value, ttl time.Duration) int64 {
	if v.IsZero() {
		c.fail("hset", key, time.Now(), errors.New("cache: zero value"))
		return 0
	}
	return c.writeCollection(ctx, "hset", key, ttl, func(ctx context.Context, pipe redis.Pipeliner, k string) *redis.IntCmd {
		return pipe.HSet(ctx, k, field, v.encode())
	})
}

// HGet reads one hash field.
func (c *Cache) HGet(ctx context.Context, key, field string) (Value, bool) {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	payload, err := c.rdb.HGet(ctx, c.Key(key), field).Result()
	if errors.Is(err, redis.Nil) {
		c.done("hget", start, metrics.ResultMiss)
		return Value{}, false
	}
	if err != nil {
		c.fail("hget", key, start, err)
		return Value{}, false
	}
	c.done("hget", start, metrics.ResultHit)
	return decode(payload), true
}

// HGetAll reads every field of a hash. It returns an empty map on a miss or failure.
func (c *Cache) HGetAll(ctx context.Context, key string) map[string]Value {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	fields, err := c.rdb.HGetAll(ctx, c.Key(key)).Result()
	if err != nil {
		c.fail("hgetall", key, start, err)
		return map[string]Value{}
	}
	out := make(map[string]Value, len(fields))
	for f, payload := range fields {
		out[f] = decode(payload)
	}
	c.done("hgetall", start, metrics.ResultOK)
	return out
}

// LPush prepends v and returns the list length (0 on failure).
func (c *Cache) LPush(ctx context.Context, key string, v Value, ttl time.Duration) int64 {
	if v.IsZero() {
		c.fail("lpush", key, time.Now(), errors.New("cache: zero value"))
		return 0
	}
	return c.writeCollection(ctx, "lpush", key, ttl, func(ctx context.Context, pipe redis.Pipeliner, k string) *redis.IntCmd {
		return pipe.LPush(ctx, k, v.encode())
	})
}

// RPush appends v and returns the list length (0 on failure).
func (c *Cache) RPush(ctx context.Context, key string, v Value, ttl time.Duration) int64 {
	if v.IsZero() {
		c.fail("rpush", key, time.Now(), errors.New("cache: zero value"))
		return 0
	}
	return c.writeCollection(ctx, "rpush", key, ttl, func(ctx context.Context, pipe redis.Pipeliner, k string) *redis.IntCmd {
		return pipe.RPush(ctx, k, v.encode())
	})
}

// LRange returns list elements start..stop inclusive; negative indexes count
// from the tail. It returns an empty slice on a miss or failure.
func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) []Value {
	began := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	items, err := c.rdb.LRange(ctx, c.Key(key), start, stop).Result()
	if err != nil {
		c.fail("lrange", key, began, err)
		return []Value{}
	}
	c.done("lrange", began, metrics.ResultOK)
	return decodeAll(items)
}

// SAdd adds v to a set and returns how many members were added (0 on failure
// or when v was already a member).
func (c *Cache) SAdd(ctx context.Context, key string, v Value, ttl time.Duration) int64 {
	if v.IsZero() {
		c.fail("sadd", key, time.Now(), errors.New("cache: zero value"))
		return 0
	}
	return c.writeCollection(ctx, "sadd", key, ttl, func(ctx context.Context, pipe redis.Pipeliner, k string) *redis.IntCmd {
		return pipe.SAdd(ctx, k, v.encode())
	})
}

// SMembers returns every member of a set, in no particular order.
func (c *Cache) SMembers(ctx context.Context, key string) []Value {
	start := time.Now()
	ctx, cancel := c.client.Bound(ctx)
	defer cancel()

	members, err := c.rdb.SMembers(ctx, c.Key(key)).Result()
	if err != nil {
		c.fail("smembers", key, start, err)
		return []Value{}
	}
	c.done("smembers", start, metrics.ResultOK)
	return decodeAll(members)
}

func decodeAll(payloads []string) []Value {
	out := make([]Value, len(payloads))
	for i, p := range payloads {
		out[i] = decode(p)
	}
	return out
}
