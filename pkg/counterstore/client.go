// Package counterstore wraps the shared Redis-backed counter store (C2):
// atomic counters, TTL'd keys, sorted sets, and FIFO lists used by the
// admission pipeline (C3), usage metrics aggregator (C4), and the webhook
// queue (C6, in queue.go).
package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin, typed wrapper over *redis.Client for the counter-store
// operations the pipeline needs, grounded on the teacher's direct use of
// go-redis throughout pkg/alert and pkg/escalation.
type Client struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw exposes the underlying client for callers that need pub/sub or other
// operations not wrapped here (e.g. admission invalidation fanout).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// IncrWithTTL atomically increments key and sets its TTL in one MULTI/EXEC
// transaction (the TTL is reset on every call) — a single round trip as
// required by the admission pipeline's shared counter gate (spec.md §4.1:
// "Implementation must be atomic (increment-and-read single round trip)").
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get returns the current value stored at key, or an empty string if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting key %s: %w", key, err)
	}
	return val, nil
}

// SetWithTTL sets key to value with the given TTL.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting key %s: %w", key, err)
	}
	return nil
}

// SetNX sets key to value only if it does not already exist, returning
// whether the set happened. Used for the confirm-upload idempotency lock
// (spec.md §4.6) and set-if-absent locking generally.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set-if-absent on key %s: %w", key, err)
	}
	return ok, nil
}

// Del removes one or more keys, ignoring a missing key.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys %v: %w", keys, err)
	}
	return nil
}

// HIncrBy atomically increments a field within a hash, creating the hash on
// first write — the primitive behind the metrics aggregator's conditional
// field update (C4).
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := c.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing hash field %s/%s: %w", key, field, err)
	}
	return val, nil
}

// HSetNX sets a hash field only if absent, used to set the owning tenant
// ("uid") on a metrics key exactly once.
func (c *Client) HSetNX(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSetNX(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("conditionally setting hash field %s/%s: %w", key, field, err)
	}
	return nil
}

// HSet unconditionally sets a hash field, used to keep the metrics
// aggregator's last-activity timestamp current (C4).
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("setting hash field %s/%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading hash %s: %w", key, err)
	}
	return vals, nil
}

// ScanKeys walks the keyspace for keys matching pattern, cursor-style, in
// bounded page sizes (C4 read path, spec.md §4.2).
func (c *Client) ScanKeys(ctx context.Context, pattern string, pageSize int64) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, pageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning keys matching %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Publish broadcasts a message on a pub/sub channel, used by
// InvalidateTenant's Redis fanout (SPEC_FULL.md §5).
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publishing to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a PubSub subscription to channel.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}
