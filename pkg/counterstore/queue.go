package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// QueueKey is the normal FIFO lane (spec.md §6 persisted layout: "webhook:queue").
	QueueKey = "webhook:queue"
	// PriorityKey is the sorted-set priority lane ("webhook:priority").
	PriorityKey = "webhook:priority"
	// delayedKey tracks items due for re-enqueue, polled by the delivery
	// engine's background poller (spec.md §4.3: "processing:<id>").
	delayedKey = "webhook:delayed"

	payloadKeyPrefix    = "webhook:payload:"
	processingKeyPrefix = "processing:"

	// payloadTTL is generous relative to any realistic retry/backoff horizon.
	payloadTTL = 7 * 24 * time.Hour

	// priorityThreshold is the priority value above which an item rides the
	// sorted-set lane instead of the FIFO (spec.md §4.3).
	priorityThreshold = 5
	// maxPriorityPerBatch bounds priority dequeues so the FIFO is never starved.
	maxPriorityPerBatch = 10
)

// QueueItem is one dequeued unit of work: the opaque payload bytes the
// producer enqueued, handed back byte-for-byte (spec.md §8 round-trip law).
type QueueItem struct {
	ID       string
	Payload  []byte
	Priority bool
}

// Queue implements C6: a normal FIFO list, a priority sorted set, and a
// delayed re-queue mechanism, all addressed by the fixed keys spec.md §6
// names.
type Queue struct {
	rdb *redis.Client
}

// NewQueue wraps a Redis client as the C6 queue.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func payloadKey(id string) string    { return payloadKeyPrefix + id }
func processingKey(id string) string { return processingKeyPrefix + id }

// Enqueue stores payload and places id on the priority lane (priority > 5)
// or the FIFO lane otherwise (spec.md §4.3).
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, priority int) error {
	if err := q.rdb.Set(ctx, payloadKey(id), payload, payloadTTL).Err(); err != nil {
		return fmt.Errorf("storing payload for %s: %w", id, err)
	}

	if priority > priorityThreshold {
		if err := q.rdb.ZAdd(ctx, PriorityKey, redis.Z{Score: float64(time.Now().UnixNano()), Member: id}).Err(); err != nil {
			return fmt.Errorf("enqueueing %s on priority lane: %w", id, err)
		}
		return nil
	}

	if err := q.rdb.LPush(ctx, QueueKey, id).Err(); err != nil {
		return fmt.Errorf("enqueueing %s on normal lane: %w", id, err)
	}
	return nil
}

// DequeueBatch pops up to n items: priority items first (capped at 10 per
// the starvation guard), then normal-lane items to fill the remainder
// (spec.md §4.3, §8 boundary behavior).
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	priorityCount := min(n, maxPriorityPerBatch)
	priorityIDs, err := q.rdb.ZRangeByScore(ctx, PriorityKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: int64(priorityCount),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning priority lane: %w", err)
	}
	if len(priorityIDs) > 0 {
		if err := q.rdb.ZRem(ctx, PriorityKey, toAny(priorityIDs)...).Err(); err != nil {
			return nil, fmt.Errorf("removing dequeued priority items: %w", err)
		}
	}

	remaining := n - len(priorityIDs)
	var normalIDs []string
	if remaining > 0 {
		normalIDs, err = q.rdb.RPopCount(ctx, QueueKey, remaining).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("popping normal lane: %w", err)
		}
	}

	ids := make([]string, 0, len(priorityIDs)+len(normalIDs))
	ids = append(ids, priorityIDs...)
	ids = append(ids, normalIDs...)
	if len(ids) == 0 {
		return nil, nil
	}

	items := make([]QueueItem, 0, len(ids))
	for i, id := range ids {
		payload, err := q.rdb.Get(ctx, payloadKey(id)).Bytes()
		if err == redis.Nil {
			continue // payload expired or already removed; skip defensively
		}
		if err != nil {
			return nil, fmt.Errorf("fetching payload for %s: %w", id, err)
		}
		items = append(items, QueueItem{ID: id, Payload: payload, Priority: i < len(priorityIDs)})
	}
	return items, nil
}

// Requeue overwrites an item's payload (e.g. to record a refreshed etag)
// and schedules it for re-delivery after delay. The item lands back on the
// normal FIFO lane once due; no actual Redis key-expiry event is required —
// the delivery engine's poller (pkg/delivery) scans the due set itself,
// since keyspace notifications are an optional server feature we should
// not depend on.
func (q *Queue) Requeue(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	if err := q.rdb.Set(ctx, payloadKey(id), payload, payloadTTL).Err(); err != nil {
		return fmt.Errorf("updating payload for %s: %w", id, err)
	}
	if err := q.rdb.Del(ctx, processingKey(id)).Err(); err != nil {
		return fmt.Errorf("clearing processing marker for %s: %w", id, err)
	}

	dueAt := time.Now().Add(delay)
	if err := q.rdb.Set(ctx, processingKey(id), "1", delay).Err(); err != nil {
		return fmt.Errorf("setting processing marker for %s: %w", id, err)
	}
	if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(dueAt.UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("scheduling re-queue for %s: %w", id, err)
	}
	return nil
}

// PollDue moves any delayed items whose due time has elapsed back onto the
// normal FIFO lane; it is the background poller named in spec.md §4.3.
func (q *Queue) PollDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning due delayed items: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	for _, id := range due {
		if err := q.rdb.LPush(ctx, QueueKey, id).Err(); err != nil {
			return 0, fmt.Errorf("re-enqueueing due item %s: %w", id, err)
		}
	}
	if err := q.rdb.ZRem(ctx, delayedKey, toAny(due)...).Err(); err != nil {
		return 0, fmt.Errorf("clearing due delayed items: %w", err)
	}
	return len(due), nil
}

// Remove deletes id from every lane and its stored payload (used by
// DeleteWebhook so no further attempts occur, spec.md §8).
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, QueueKey, 0, id)
	pipe.ZRem(ctx, PriorityKey, id)
	pipe.ZRem(ctx, delayedKey, id)
	pipe.Del(ctx, payloadKey(id))
	pipe.Del(ctx, processingKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing %s from queue: %w", id, err)
	}
	return nil
}

// Length returns the current depth of the normal and priority lanes.
func (q *Queue) Length(ctx context.Context) (normal int64, priority int64, err error) {
	normal, err = q.rdb.LLen(ctx, QueueKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading normal lane length: %w", err)
	}
	priority, err = q.rdb.ZCard(ctx, PriorityKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading priority lane length: %w", err)
	}
	return normal, priority, nil
}

// Stats reports depth across all three lanes.
type Stats struct {
	Normal   int64
	Priority int64
	Delayed  int64
}

// Stats returns queue depth across all lanes, used to populate the
// queue_depth gauge.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	normal, priority, err := q.Length(ctx)
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading delayed lane length: %w", err)
	}
	return Stats{Normal: normal, Priority: priority, Delayed: delayed}, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
