package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultInterimTTL bounds how long an abandoned interim stays in the cache
const DefaultInterimTTL = 300 * time.Second

// RedisCache implements HotCache as one hash per session
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at url
func NewRedisCache(url, prefix string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return NewRedisCacheFromClient(redis.NewClient(opts), prefix, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "asr:sess:"
	}
	if ttl <= 0 {
		ttl = DefaultInterimTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the hash key holding the session's interim
func (c *RedisCache) Key(sessionID string) string {
	return c.prefix + sessionID + ":current"
}

// Set overwrites the interim and refreshes its TTL
func (c *RedisCache) Set(ctx context.Context, sessionID string, interim Interim) error {
	key := c.Key(sessionID)
	ts := interim.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"content", interim.Content,
			"seq", interim.Seq,
			"ts", strconv.FormatFloat(unixFromTime(ts), 'f', 6, 64),
		)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: set interim %s: %v", ErrPersistence, sessionID, err)
	}
	return nil
}

// Get reads the session's interim, ok is false when none is cached
func (c *RedisCache) Get(ctx context.Context, sessionID string) (Interim, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.Key(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Interim{}, false, nil
		}
		return Interim{}, false, fmt.Errorf("%w: get interim %s: %v", ErrPersistence, sessionID, err)
	}
	if len(fields) == 0 {
		return Interim{}, false, nil
	}

	interim := Interim{Content: fields["content"]}
	if v, ok := fields["seq"]; ok {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Interim{}, false, fmt.Errorf("%w: bad seq %q: %v", ErrPersistence, v, err)
		}
		interim.Seq = seq
	}
	if v, ok := fields["ts"]; ok {
		if ts, err := strconv.ParseFloat(v, 64); err == nil {
			interim.UpdatedAt = timeFromUnix(ts)
		}
	}

	return interim, true, nil
}

// Delete removes the session's interim
func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: delete interim %s: %v", ErrPersistence, sessionID, err)
	}
	return nil
}

// Ping verifies the Redis server is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}
	return nil
}

// Close closes the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
