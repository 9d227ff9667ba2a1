package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// RedisCache is the remote tier. All traffic goes through the connection
// manager so reconnection and the circuit latch stay in one place. Entries
// are stored as JSON with Redis-side TTL expiry.
type RedisCache struct {
	conn   *ConnectionManager
	prefix string
	logger observability.Logger
}

// NewRedisCache wraps the connection manager as the remote tier.
func NewRedisCache(conn *ConnectionManager, keyPrefix string, logger observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisCache{
		conn:   conn,
		prefix: keyPrefix,
		logger: logger,
	}
}

// remoteKey prepends the configured prefix to the local key.
func (rc *RedisCache) remoteKey(localKey string) string {
	return rc.prefix + localKey
}

// Get fetches and decodes the entry stored under the local key. A missing
// key is not an error.
func (rc *RedisCache) Get(ctx context.Context, localKey string) (*Entry, bool, error) {
	var entry *Entry

	err := rc.conn.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		raw, err := client.Get(ctx, rc.remoteKey(localKey)).Bytes()
		if err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decoding cache entry: %w", err)
		}
		entry = &e
		return nil
	})

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

// Set stores the entry under the local key with a Redis-side TTL.
func (rc *RedisCache) Set(ctx context.Context, localKey string, entry *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	return rc.conn.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, rc.remoteKey(localKey), raw, ttl).Err()
	})
}

// Delete removes the entry stored under the local key.
func (rc *RedisCache) Delete(ctx context.Context, localKey string) error {
	return rc.conn.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Del(ctx, rc.remoteKey(localKey)).Err()
	})
}

// DeleteByPattern removes every key matching "<prefix><pattern>" using an
// incremental scan, and returns how many keys were dropped.
func (rc *RedisCache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	removed := 0

	err := rc.conn.ExecuteOperation(ctx, func(ctx context.Context, client *redis.Client) error {
		match := rc.remoteKey(pattern)
		iter := client.Scan(ctx, 0, match, 100).Iterator()
		batch := make([]string, 0, 100)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			removed += len(batch)
			batch = batch[:0]
			return nil
		}

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 100 {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		return flush()
	})

	return removed, err
}

// Ping round-trips the remote tier for health checks.
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.conn.Ping(ctx)
}

// Connected reports whether the underlying connection is live.
func (rc *RedisCache) Connected() bool {
	return rc.conn.IsConnected()
}
