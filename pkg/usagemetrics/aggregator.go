// Package usagemetrics implements the usage metrics aggregator (C4):
// per-(apiKeyId, day) counters in the shared counter store, written
// fire-and-forget from the request path and later drained by the rollup
// worker (C11).
package usagemetrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/pkg/counterstore"
)

// KeyPrefix is the fixed prefix for metrics keys (spec.md §3, §6: "m:<apiKeyId>:<YYYY-MM-DD>").
const KeyPrefix = "m:"

// Key builds the counter-store hash key for (apiKeyId, date).
func Key(apiKeyID uuid.UUID, date time.Time) string {
	return KeyPrefix + apiKeyID.String() + ":" + date.UTC().Format("2006-01-02")
}

// Aggregator is the C4 write path: per event it increments
// request/provider/file-type/file-category counters and sets the owning
// tenant once (spec.md §4.2), with one counter-store call per field; the
// calls of one event are not applied atomically.
type Aggregator struct {
	store   *counterstore.Client
	logger  *slog.Logger
	dropped prometheus.Counter
}

// NewAggregator creates an Aggregator. dropped is incremented whenever a
// write is silently dropped because the counter store is unavailable
// (spec.md §4.2 invariant).
func NewAggregator(store *counterstore.Client, logger *slog.Logger, dropped prometheus.Counter) *Aggregator {
	return &Aggregator{store: store, logger: logger, dropped: dropped}
}

// Event describes one billable/countable request to record.
type Event struct {
	ApiKeyID    uuid.UUID
	TenantID    uuid.UUID
	Provider    string
	ContentType string
	Category    string
	At          time.Time
}

// Record increments the relevant fields for ev's (apiKeyId, day) key. It is
// fire-and-forget with respect to the HTTP response: callers should invoke
// it from a goroutine or a buffered path and never block on its result.
// On counter-store unavailability the write is dropped and metricsDropped
// is incremented; the caller is never blocked or returned an error to
// surface (spec.md §4.2 invariant: "the aggregator never loses data
// silently... a counter metrics_dropped_total is incremented").
func (a *Aggregator) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	key := Key(ev.ApiKeyID, ev.At)

	if _, err := a.store.HIncrBy(ctx, key, "req", 1); err != nil {
		a.drop(key, err)
		return
	}
	if ev.Provider != "" {
		if _, err := a.store.HIncrBy(ctx, key, "p:"+ev.Provider, 1); err != nil {
			a.drop(key, err)
		}
	}
	if ev.ContentType != "" {
		if _, err := a.store.HIncrBy(ctx, key, "ft:"+ev.ContentType, 1); err != nil {
			a.drop(key, err)
		}
	}
	if ev.Category != "" {
		if _, err := a.store.HIncrBy(ctx, key, "fc:"+ev.Category, 1); err != nil {
			a.drop(key, err)
		}
	}
	if err := a.store.HSetNX(ctx, key, "uid", ev.TenantID.String()); err != nil {
		a.logger.Warn("setting metrics key tenant owner", "key", key, "error", err)
	}
	if err := a.store.HSet(ctx, key, "ts", strconv.FormatInt(ev.At.Unix(), 10)); err != nil {
		a.logger.Warn("setting metrics key last-activity timestamp", "key", key, "error", err)
	}
}

func (a *Aggregator) drop(key string, err error) {
	a.logger.Warn("dropping usage metric write, counter store unavailable", "key", key, "error", err)
	if a.dropped != nil {
		a.dropped.Inc()
	}
}
