// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-security/aegis/ref"
)

// LatestCache stores the newest accepted sample per agent with a short
// TTL, serving the supervisor polling fallback without touching the
// audit store. Last-write-wins is by capture timestamp; the ingest
// evaluator already enforces per-agent monotonicity, so a plain
// overwrite preserves it.
type LatestCache interface {
	// SetLatest overwrites the agent's cached sample.
	SetLatest(ctx context.Context, sample Sample) error

	// Latest returns the agent's cached sample. found is false when no
	// sample is cached or the TTL has expired.
	Latest(ctx context.Context, agent ref.AgentID) (sample Sample, found bool, err error)

	// LatestForSite returns the cached samples of every agent indexed
	// under the site. Agents whose entries have expired are skipped.
	LatestForSite(ctx context.Context, site ref.SiteID) ([]Sample, error)
}

// RedisCache implements LatestCache on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithTTL overrides the default 5-minute entry TTL.
func WithTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) { c.ttl = ttl }
}

// WithPrefix overrides the default "aegis:latest:" key prefix.
func WithPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client, opts ...RedisCacheOption) *RedisCache {
	cache := &RedisCache{
		client: client,
		prefix: "aegis:latest:",
		ttl:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

func (c *RedisCache) agentKey(agent ref.AgentID) string {
	return c.prefix + "agent:" + string(agent)
}

func (c *RedisCache) siteKey(site ref.SiteID) string {
	return c.prefix + "site:" + string(site)
}

// SetLatest writes the sample under the agent key with the cache TTL
// and adds the agent to the site index in one pipeline round trip.
func (c *RedisCache) SetLatest(ctx context.Context, sample Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample for cache: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.agentKey(sample.AgentID), data, c.ttl)
	pipe.SAdd(ctx, c.siteKey(sample.SiteID), string(sample.AgentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache latest for agent %s: %w", sample.AgentID, err)
	}
	return nil
}

// Latest reads the agent's cached sample.
func (c *RedisCache) Latest(ctx context.Context, agent ref.AgentID) (Sample, bool, error) {
	data, err := c.client.Get(ctx, c.agentKey(agent)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, fmt.Errorf("cache read for agent %s: %w", agent, err)
	}
	var sample Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return Sample{}, false, fmt.Errorf("decode cached sample for agent %s: %w", agent, err)
	}
	return sample, true, nil
}

// LatestForSite reads every indexed agent's cached sample. Expired
// entries are skipped; index members whose keys are gone stay in the
// set (they return on their next shift) — the set is small, one member
// per agent ever assigned to the site.
func (c *RedisCache) LatestForSite(ctx context.Context, site ref.SiteID) ([]Sample, error) {
	agents, err := c.client.SMembers(ctx, c.siteKey(site)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache site index for %s: %w", site, err)
	}
	if len(agents) == 0 {
		return nil, nil
	}

	keys := make([]string, len(agents))
	for i, agent := range agents {
		keys[i] = c.agentKey(ref.AgentID(agent))
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache bulk read for site %s: %w", site, err)
	}

	samples := make([]Sample, 0, len(values))
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue // expired
		}
		var sample Sample
		if err := json.Unmarshal([]byte(text), &sample); err != nil {
			return nil, fmt.Errorf("decode cached sample for agent %s: %w", agents[i], err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// FreshnessStatus classifies a cached sample against the freshness
// window: StatusActive within the window, StatusStale past it.
func FreshnessStatus(sample Sample, now time.Time, window time.Duration) string {
	if now.Sub(sample.CapturedAt) <= window {
		return StatusActive
	}
	return StatusStale
}
