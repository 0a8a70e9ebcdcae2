package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/cache"
)

// Store implements cache.Store on Redis. Entries are stored as JSON blobs;
// the TTL rides on the Redis key itself so expiry never needs a sweeper.
type Store struct {
	client *redis.Client
	prefix string // Optional prefix for keys
}

// NewStore creates a new [Store] instance.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// redisKey returns the Redis key for a given cache key.
func (r *Store) redisKey(key string) string {
	return fmt.Sprintf("%s:response:%s", r.prefix, key)
}

// Set stores an entry under the given key with the given TTL.
func (r *Store) Set(ctx context.Context, key string, entry *cache.Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := r.client.Set(ctx, r.redisKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry in Redis: %w", err)
	}

	return nil
}

// Get retrieves an entry. A missing or expired key is a miss, not an error;
// a corrupt payload is logged and treated as a miss.
func (r *Store) Get(ctx context.Context, key string) (*cache.Entry, bool) {
	payload, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Ctx(ctx).Warn().Err(err).Msg("redis cache read failed")
		}
		return nil, false
	}

	var entry cache.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("corrupt cache entry, treating as miss")
		return nil, false
	}

	return &entry, true
}

// Delete removes an entry.
func (r *Store) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.redisKey(key)).Err()
}
