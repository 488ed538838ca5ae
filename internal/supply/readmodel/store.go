// Package readmodel serves remaining-supply figures for display. Values may be
// stale; allocation never reads from here.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	catalog "cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
)

// Key addresses one (definition, rarity) supply figure. Rarity matching is
// case-insensitive.
type Key struct {
	DefinitionID id.DefinitionID
	Rarity       catalog.Rarity
}

func (k Key) String() string {
	return k.DefinitionID.String() + ":" + strings.ToLower(string(k.Rarity))
}

// Cache holds computed remaining-supply values for a short TTL.
type Cache interface {
	Get(ctx context.Context, key Key) (int, bool, error)
	Set(ctx context.Context, key Key, remaining int, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
}

// Overrides holds admin-set display values. They replace what is shown and
// nothing else.
type Overrides interface {
	Get(ctx context.Context, key Key) (int, bool, error)
	Set(ctx context.Context, key Key, value int) error
	Clear(ctx context.Context, key Key) error
}

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

const (
	cachePrefix  = "cardvault:supply:remaining:"
	overridesKey = "cardvault:supply:display"
)

type RedisCache struct {
	client redis.Cmdable
}

func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key Key) (int, bool, error) {
	v, err := c.client.Get(ctx, cachePrefix+key.String()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read supply cache: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, remaining int, ttl time.Duration) error {
	if err := c.client.SetEx(ctx, cachePrefix+key.String(), remaining, ttl).Err(); err != nil {
		return fmt.Errorf("write supply cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, cachePrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("delete supply cache: %w", err)
	}
	return nil
}

type RedisOverrides struct {
	client redis.Cmdable
}

func NewRedisOverrides(client redis.Cmdable) *RedisOverrides {
	return &RedisOverrides{client: client}
}

func (o *RedisOverrides) Get(ctx context.Context, key Key) (int, bool, error) {
	raw, err := o.client.HGet(ctx, overridesKey, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read display override: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse display override %q: %w", raw, err)
	}
	return v, true, nil
}

func (o *RedisOverrides) Set(ctx context.Context, key Key, value int) error {
	if err := o.client.HSet(ctx, overridesKey, key.String(), value).Err(); err != nil {
		return fmt.Errorf("write display override: %w", err)
	}
	return nil
}

func (o *RedisOverrides) Clear(ctx context.Context, key Key) error {
	if err := o.client.HDel(ctx, overridesKey, key.String()).Err(); err != nil {
		return fmt.Errorf("clear display override: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// In-process
// -----------------------------------------------------------------------------

type cached struct {
	value     int
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cached
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cached), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !c.now().Before(e.expiresAt) {
		delete(c.entries, key.String())
		return 0, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, remaining int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = cached{value: remaining, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
	return nil
}

type MemoryOverrides struct {
	mu     sync.RWMutex
	values map[string]int
}

func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{values: make(map[string]int)}
}

func (o *MemoryOverrides) Get(_ context.Context, key Key) (int, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[key.String()]
	return v, ok, nil
}

func (o *MemoryOverrides) Set(_ context.Context, key Key, value int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key.String()] = value
	return nil
}

func (o *MemoryOverrides) Clear(_ context.Context, key Key) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.values, key.String())
	return nil
}
