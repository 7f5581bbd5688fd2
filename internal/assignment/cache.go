package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/exp-platform/core/domain"
)

// Cache is the read-through front for assignment lookups. A cache miss
// or a Redis outage is never fatal to a caller: Get returns (zero, false)
// so the caller falls through to the Store, trading a slower read for
// availability.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps a go-redis client. ttl <= 0 uses DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

type cachedAssignment struct {
	ID           int64      `json:"id"`
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    int64      `json:"variant_id"`
	Version      int64      `json:"version"`
	Source       string     `json:"source"`
	AssignedAt   time.Time  `json:"assigned_at"`
	EnrolledAt   *time.Time `json:"enrolled_at"`
}

func toCached(a domain.Assignment) cachedAssignment {
	return cachedAssignment{
		ID: a.ID, ExperimentID: a.ExperimentID, UserID: a.UserID, VariantID: a.VariantID,
		Version: a.Version, Source: string(a.Source), AssignedAt: a.AssignedAt, EnrolledAt: a.EnrolledAt,
	}
}

func fromCached(c cachedAssignment) domain.Assignment {
	return domain.Assignment{
		ID: c.ID, ExperimentID: c.ExperimentID, UserID: c.UserID, VariantID: c.VariantID,
		Version: c.Version, Source: domain.AssignmentSource(c.Source), AssignedAt: c.AssignedAt, EnrolledAt: c.EnrolledAt,
	}
}

// Get returns a cached assignment for (experimentID, userID). The bool is
// false on both a clean miss and a Redis error; callers cannot (and should
// not need to) distinguish the two.
func (c *Cache) Get(ctx context.Context, experimentID int64, userID string) (domain.Assignment, bool) {
	raw, err := c.client.Get(ctx, CacheKey(experimentID, userID)).Bytes()
	if err != nil {
		return domain.Assignment{}, false
	}
	var cached cachedAssignment
	if err := json.Unmarshal(raw, &cached); err != nil {
		return domain.Assignment{}, false
	}
	return fromCached(cached), true
}

// Set stores an assignment, best-effort. A write failure is logged by the
// caller (if desired) but never propagated as a request failure, since the
// Store remains the source of truth.
func (c *Cache) Set(ctx context.Context, a domain.Assignment) error {
	raw, err := json.Marshal(toCached(a))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, CacheKey(a.ExperimentID, a.UserID), raw, c.ttl).Err()
}

// BulkGet returns the cached subset of (experimentID, userIDs), using a
// single MGET round trip.
func (c *Cache) BulkGet(ctx context.Context, experimentID int64, userIDs []string) map[string]domain.Assignment {
	if len(userIDs) == 0 {
		return map[string]domain.Assignment{}
	}
	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = CacheKey(experimentID, u)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return map[string]domain.Assignment{}
	}

	out := make(map[string]domain.Assignment, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var cached cachedAssignment
		if err := json.Unmarshal([]byte(s), &cached); err != nil {
			continue
		}
		out[userIDs[i]] = fromCached(cached)
	}
	return out
}

// BulkGetExperiments returns the cached subset of (experimentIDs, userID)
// in a single MGET round trip, keyed by experiment ID.
func (c *Cache) BulkGetExperiments(ctx context.Context, experimentIDs []int64, userID string) map[int64]domain.Assignment {
	if len(experimentIDs) == 0 {
		return map[int64]domain.Assignment{}
	}
	keys := make([]string, len(experimentIDs))
	for i, id := range experimentIDs {
		keys[i] = CacheKey(id, userID)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return map[int64]domain.Assignment{}
	}

	out := make(map[int64]domain.Assignment, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var cached cachedAssignment
		if err := json.Unmarshal([]byte(s), &cached); err != nil {
			continue
		}
		out[experimentIDs[i]] = fromCached(cached)
	}
	return out
}

// Invalidate removes a cached assignment, used by Service.Enroll so the
// next read picks up the newly enrolled row.
func (c *Cache) Invalidate(ctx context.Context, experimentID int64, userID string) error {
	return c.client.Del(ctx, CacheKey(experimentID, userID)).Err()
}

// InvalidateExperiment deletes every cached assignment for experimentID,
// scanning for keys matching the assign:v1:exp:{id}:* prefix (so that
// on every lifecycle transition, C9 invalidates the entire prefix, not
// one user at a time). SCAN is used instead of KEYS so this never blocks
// other Redis clients behind a single long-running command.
func (c *Cache) InvalidateExperiment(ctx context.Context, experimentID int64) error {
	pattern := fmt.Sprintf("assign:v1:exp:%d:user:*", experimentID)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
