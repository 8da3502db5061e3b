package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the persistence interface for tenant daily usage. The ledger
// works without one; attaching a store only adds restart durability for
// the daily totals.
type Store interface {
	// Load returns every tenant record persisted for the given UTC day.
	Load(ctx context.Context, dateUTC string) (map[string]TenantDailyUsage, error)

	// Save persists one tenant's record for its day.
	Save(ctx context.Context, tenantID string, usage TenantDailyUsage) error
}

// RedisStore persists tenant daily usage in Redis.
//
// Data layout:
//   - Key: "{prefix}:{date}" (e.g. "claudegate:ledger:2026-08-24")
//   - Type: Hash, field per tenant, value JSON(TenantDailyUsage)
//   - TTL: 48h, so yesterday stays inspectable and older days expire
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// storeTTL keeps a day's hash around long enough to debug rollovers.
const storeTTL = 48 * time.Hour

// NewRedisStore creates a store from a Redis connection URL
// (e.g. "redis://localhost:6379/0").
func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "claudegate:ledger"
	}
	return &RedisStore{
		client:    redis.NewClient(opts),
		keyPrefix: keyPrefix,
	}, nil
}

// Ping verifies connectivity. Called once at startup so a bad Redis URL
// surfaces immediately instead of as per-request save warnings.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// dayKey returns the hash key for a UTC day.
func (s *RedisStore) dayKey(dateUTC string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, dateUTC)
}

// Load returns all tenant records for the day.
func (s *RedisStore) Load(ctx context.Context, dateUTC string) (map[string]TenantDailyUsage, error) {
	fields, err := s.client.HGetAll(ctx, s.dayKey(dateUTC)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger load: %w", err)
	}

	out := make(map[string]TenantDailyUsage, len(fields))
	for tenant, raw := range fields {
		var usage TenantDailyUsage
		if err := json.Unmarshal([]byte(raw), &usage); err != nil {
			// Skip unreadable records rather than failing the whole load.
			continue
		}
		out[tenant] = usage
	}
	return out, nil
}

// Save persists one tenant's record under its day's hash.
func (s *RedisStore) Save(ctx context.Context, tenantID string, usage TenantDailyUsage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("ledger save: %w", err)
	}

	key := s.dayKey(usage.DateUTC)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, tenantID, raw)
	pipe.Expire(ctx, key, storeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger save: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
