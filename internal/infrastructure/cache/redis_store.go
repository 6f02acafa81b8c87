package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erp/fleetsync/internal/domain/record"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

const defaultRedisKeyPrefix = "fleetsync:cache:"

// casScript writes a hash entry when the stored version matches ARGV[2]
// (-1 skips the check) and returns the new version, or -1 on a mismatch.
var casScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[2])
if expected >= 0 and expected ~= current then
  return -1
end
local nextVersion = current + 1
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', nextVersion, 'updated_at', ARGV[3])
return nextVersion
`)

// RedisStore implements record.LocalCache on Redis hashes. It lets several
// instances share one cache.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	quota     int
	counters
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, quota int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, "", quota), nil
}

// NewRedisStoreWithClient creates a store with an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, quota int) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		quota:     quota,
	}
}

// Get returns the entry for key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*record.CacheEntry, error) {
	values, err := s.client.HGetAll(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	if len(values) == 0 {
		atomic.AddInt64(&s.misses, 1)
		return nil, nil
	}
	atomic.AddInt64(&s.hits, 1)

	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version for cache entry %s: %w", key, err)
	}
	entry := &record.CacheEntry{
		Key:     key,
		Data:    []byte(values["data"]),
		Version: version,
	}
	if ms, err := strconv.ParseInt(values["updated_at"], 10, 64); err == nil {
		entry.UpdatedAt = time.UnixMilli(ms)
	}
	return entry, nil
}

// Set stores data under key when expectedVersion matches.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, expectedVersion int64) (int64, error) {
	if s.quota > 0 && len(data) > s.quota {
		atomic.AddInt64(&s.rejected, 1)
		return 0, record.ErrQuotaExceeded
	}

	next, err := casScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		data, expectedVersion, time.Now().UnixMilli()).Int64()
	if err != nil {
		var redisErr redis.Error
		if errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "OOM") {
			atomic.AddInt64(&s.rejected, 1)
			return 0, record.Wrap(record.ErrQuotaExceeded, err)
		}
		return 0, fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	if next < 0 {
		atomic.AddInt64(&s.conflicts, 1)
		return 0, record.ErrWriteConflict
	}
	atomic.AddInt64(&s.writes, 1)
	return next, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// Stats returns the operation counters.
func (s *RedisStore) Stats() Stats {
	return s.counters.stats()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ record.LocalCache = (*RedisStore)(nil)
