// Package ratelimit caps how many requests one caller may make in a sliding
// window. It protects the exchange endpoints from bursty clients; it carries
// no business rules.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds; zero when allowed
}

// Store counts hits per key inside a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error)
}

// MemoryStore keeps one timestamp slice per key. It is per-process.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := trim(s.windows[key], now.Add(-window))
	if len(hits) >= limit {
		s.windows[key] = hits
		resetAt := hits[0].Add(window)
		return &Result{
			Limit:      limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfter(resetAt, now),
		}, nil
	}
	hits = append(hits, now)
	s.windows[key] = hits
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(hits),
		ResetAt:   hits[0].Add(window),
	}, nil
}

// trim drops hits at or before cutoff. hits is ordered oldest first.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	return hits[i:]
}

const redisKeyPrefix = "cardvault:ratelimit:"

// RedisStore shares windows across replicas using one sorted set per key,
// scored by hit time in microseconds.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Result, error) {
	k := redisKeyPrefix + key
	cutoff := now.Add(-window).UnixMicro()

	var count *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		count = p.ZCard(ctx, k)
		oldest = p.ZRangeWithScores(ctx, k, 0, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read rate window: %w", err)
	}

	resetAt := now.Add(window)
	if zs := oldest.Val(); len(zs) > 0 {
		resetAt = time.UnixMicro(int64(zs[0].Score)).Add(window)
	}
	if int(count.Val()) >= limit {
		return &Result{Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter(resetAt, now)}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		p.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record rate hit: %w", err)
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count.Val()) - 1,
		ResetAt:   resetAt,
	}, nil
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
