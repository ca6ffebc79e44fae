package database

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyTopConsumers = "shadowpanel:usage:top:"
	CacheKeyAnomalies    = "shadowpanel:usage:anomalies:"

	tokenBlacklistPrefix = "shadowpanel:token:blacklist:"

	// Analytics responses are cheap to recompute but hit on every
	// dashboard load; a short TTL keeps them fresh across snapshot runs.
	CacheTTLAnalytics = 2 * time.Minute
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes keys from Redis cache
func CacheDelete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// CacheDeletePattern deletes all keys matching a pattern
func CacheDeletePattern(pattern string) error {
	ctx := context.Background()
	iter := Redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return Redis.Del(ctx, keys...).Err()
	}
	return nil
}

// InvalidateUsageCache clears cached analytics responses. Called after
// every snapshot cycle that recorded data.
func InvalidateUsageCache() {
	if Redis == nil {
		return
	}
	CacheDeletePattern(CacheKeyTopConsumers + "*")
	CacheDeletePattern(CacheKeyAnomalies + "*")
}

// BlacklistToken marks a JWT as revoked until it would have expired anyway.
func BlacklistToken(token string, ttl time.Duration) error {
	if Redis == nil {
		return nil
	}
	ctx := context.Background()
	return Redis.Set(ctx, tokenBlacklistPrefix+token, "1", ttl).Err()
}

// IsTokenBlacklisted reports whether a JWT has been revoked by logout.
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, tokenBlacklistPrefix+token).Result()
	return err == nil && n > 0
}
