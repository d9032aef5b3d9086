package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

// ErrCacheMiss marks an absent or expired entry.
var ErrCacheMiss = errors.New("rbac: cache miss")

// Cache is the minimal backend contract: get/put/forget by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// TaggableCache additionally supports tag-based bulk eviction. Backends
// without it fall back to the enumerated base-key list, which is
// best-effort by contract.
type TaggableCache interface {
	Cache
	SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	FlushTag(ctx context.Context, tag string) error
}

// RedisCache implements TaggableCache, emulating tags with one redis set
// per tag.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return payload, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) SetTagged(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tag, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (c *RedisCache) FlushTag(ctx context.Context, tag string) error {
	keys, err := c.client.SMembers(ctx, tag).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	keys = append(keys, tag)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// MemoryCache is a key-only in-process cache, used in tests and as the
// tag-less fallback backend.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache builds an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return item.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = memoryItem{value: value, expires: expires}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.items, key)
	}
	c.mu.Unlock()
	return nil
}

// Base keys known to the key-only flush fallback. Keys never enumerated
// here survive a Flush on tag-less backends; callers must treat that
// flush as best-effort.
const (
	baseKeyMatrix  = "permission_matrix"
	baseKeyGrouped = "grouped_permissions"
)

func enumeratedBaseKeys(guards []string) []string {
	keys := []string{baseKeyMatrix, baseKeyGrouped}
	for _, g := range guards {
		keys = append(keys, baseKeyMatrix+":"+g)
	}
	return keys
}

// KeyBuilder composes collision-free contextual cache keys and wraps the
// compute-or-fetch pattern. Backend failures are logged and degrade to a
// cache miss; they never affect functional correctness, only performance.
type KeyBuilder struct {
	prefix  string
	enabled bool
	ttl     time.Duration
	backend Cache
	guards  *guard.Resolver
	tenants *tenancy.Resolver
	locales LocalePolicy
	logger  *slog.Logger
}

// NewKeyBuilder constructs a KeyBuilder. backend may be nil, which behaves
// like a disabled cache.
func NewKeyBuilder(prefix string, enabled bool, ttl time.Duration, backend Cache, guards *guard.Resolver, tenants *tenancy.Resolver, locales LocalePolicy, logger *slog.Logger) *KeyBuilder {
	if prefix == "" {
		prefix = "rbac"
	}
	return &KeyBuilder{
		prefix:  prefix,
		enabled: enabled && backend != nil,
		ttl:     ttl,
		backend: backend,
		guards:  guards,
		tenants: tenants,
		locales: locales,
		logger:  logger,
	}
}

// Enabled reports whether caching is active.
func (b *KeyBuilder) Enabled() bool { return b.enabled }

// TTL returns the default entry lifetime.
func (b *KeyBuilder) TTL() time.Duration { return b.ttl }

// Key builds "{prefix}:{guard}:{scopeKey}:{locale}:{base}". Deterministic
// for a fixed context and distinct whenever guard, tenant scope, locale or
// base differ.
func (b *KeyBuilder) Key(ctx context.Context, base string) string {
	g := b.guards.Guard(ctx)
	scopeKey := b.tenants.Resolve(ctx).Key()
	locale := b.locales.LocaleKey(LocaleFromContext(ctx))
	return fmt.Sprintf("%s:%s:%s:%s:%s", b.prefix, g, scopeKey, locale, base)
}

// Tags returns the tag set for the current context: the global prefix tag,
// a guard tag, and a tenant-scope tag when the scope is non-global.
func (b *KeyBuilder) Tags(ctx context.Context) []string {
	tags := []string{"tag:" + b.prefix}
	tags = append(tags, "tag:"+b.prefix+":guard:"+b.guards.Guard(ctx))
	if scope := b.tenants.Resolve(ctx); !scope.IsGlobal() {
		tags = append(tags, "tag:"+b.prefix+":scope:"+scope.Key())
	}
	return tags
}

// Remember returns the cached value for base into dest, or computes it via
// loader, stores it with the tag set and TTL (ttl<=0 means the configured
// default) and unmarshals it into dest. With caching disabled the loader
// runs every time.
func (b *KeyBuilder) Remember(ctx context.Context, base string, ttl time.Duration, dest any, loader func(ctx context.Context) (any, error)) error {
	if !b.enabled {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return reencode(value, dest)
	}
	key := b.Key(ctx, base)
	payload, err := b.backend.Get(ctx, key)
	if err == nil {
		if err := json.Unmarshal(payload, dest); err == nil {
			return nil
		}
		// Undecodable entry: drop it and recompute.
		b.forgetKeys(ctx, key)
	} else if !errors.Is(err, ErrCacheMiss) {
		b.logCacheError(ctx, "cache get", err)
	}

	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = b.ttl
	}
	if tc, ok := b.backend.(TaggableCache); ok {
		err = tc.SetTagged(ctx, key, raw, ttl, b.Tags(ctx))
	} else {
		err = b.backend.Set(ctx, key, raw, ttl)
	}
	if err != nil {
		b.logCacheError(ctx, "cache set", err)
	}
	return json.Unmarshal(raw, dest)
}

// Lookup reports whether a decodable entry exists for base, loading it
// into dest when dest is non-nil.
func (b *KeyBuilder) Lookup(ctx context.Context, base string, dest any) bool {
	if !b.enabled {
		return false
	}
	payload, err := b.backend.Get(ctx, b.Key(ctx, base))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			b.logCacheError(ctx, "cache lookup", err)
		}
		return false
	}
	if dest == nil {
		return true
	}
	return json.Unmarshal(payload, dest) == nil
}

// Forget removes exactly the contextual key for base.
func (b *KeyBuilder) Forget(ctx context.Context, base string) {
	if !b.enabled {
		return
	}
	b.forgetKeys(ctx, b.Key(ctx, base))
}

// Flush evicts every entry under the global prefix tag, across all
// guards, tenant scopes and locales. On tag-less backends it forgets the
// enumerated base keys for every configured guard and locale; tenant
// scopes other than the current one cannot be enumerated there, so that
// fallback is best-effort.
func (b *KeyBuilder) Flush(ctx context.Context) {
	if !b.enabled {
		return
	}
	if tc, ok := b.backend.(TaggableCache); ok {
		if err := tc.FlushTag(ctx, "tag:"+b.prefix); err != nil {
			b.logCacheError(ctx, "cache flush", err)
		}
		return
	}
	b.flushEnumerated(ctx)
}

// FlushAll evicts the entries tagged with the current context's guard and
// tenant-scope tags; on tag-less backends it behaves like Flush.
func (b *KeyBuilder) FlushAll(ctx context.Context) {
	if !b.enabled {
		return
	}
	tc, ok := b.backend.(TaggableCache)
	if !ok {
		b.flushEnumerated(ctx)
		return
	}
	for _, tag := range b.Tags(ctx)[1:] {
		if err := tc.FlushTag(ctx, tag); err != nil {
			b.logCacheError(ctx, "cache flush all", err)
		}
	}
}

func (b *KeyBuilder) flushEnumerated(ctx context.Context) {
	bases := enumeratedBaseKeys(b.guards.Available())
	for _, g := range b.guards.Available() {
		scoped, err := b.guards.WithGuard(ctx, g)
		if err != nil {
			continue
		}
		for _, locale := range b.locales.Keys() {
			localized := WithLocale(scoped, locale)
			for _, base := range bases {
				b.forgetKeys(ctx, b.Key(localized, base))
			}
		}
	}
}

func (b *KeyBuilder) forgetKeys(ctx context.Context, keys ...string) {
	if err := b.backend.Del(ctx, keys...); err != nil {
		b.logCacheError(ctx, "cache forget", err)
	}
}

func (b *KeyBuilder) logCacheError(_ context.Context, op string, err error) {
	if b.logger != nil {
		b.logger.Warn(op, slog.Any("error", err))
	}
}

// reencode copies value into dest through JSON so the disabled-cache path
// yields the same shapes as a cache hit.
func reencode(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
