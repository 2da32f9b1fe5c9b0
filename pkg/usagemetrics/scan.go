package usagemetrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/pkg/counterstore"
)

// scanPageSize bounds each Redis SCAN round trip when walking metrics keys.
const scanPageSize = 200

// Aggregate is the parsed, structured form of one (apiKeyId, day) metrics
// hash, ready to be folded into a durable daily_rollup row (C11).
type Aggregate struct {
	ApiKeyID       uuid.UUID
	TenantID       uuid.UUID
	Date           string // YYYY-MM-DD
	TotalRequests  int64
	ByProvider     map[string]int64
	ByContentType  map[string]int64
	ByCategory     map[string]int64
	LastActivityAt time.Time
}

// Reader is the C4 read path used by the rollup worker: it walks every
// metrics key in the counter store and parses it into an Aggregate.
type Reader struct {
	store *counterstore.Client
}

// NewReader creates a Reader.
func NewReader(store *counterstore.Client) *Reader {
	return &Reader{store: store}
}

// ScanAll returns every metrics key currently present, parsed into
// Aggregates. Keys with no fields are skipped.
func (r *Reader) ScanAll(ctx context.Context) ([]Aggregate, error) {
	keys, err := r.store.ScanKeys(ctx, KeyPrefix+"*", scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("scanning metrics keys: %w", err)
	}

	aggregates := make([]Aggregate, 0, len(keys))
	for _, key := range keys {
		agg, ok, err := r.readKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			aggregates = append(aggregates, agg)
		}
	}
	return aggregates, nil
}

// ReadKey parses a single metrics key's hash into an Aggregate. The second
// return value is false if the key has no fields (already drained or never
// written).
func (r *Reader) ReadKey(ctx context.Context, key string) (Aggregate, bool, error) {
	return r.readKey(ctx, key)
}

func (r *Reader) readKey(ctx context.Context, key string) (Aggregate, bool, error) {
	apiKeyID, date, err := parseKey(key)
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("parsing metrics key %s: %w", key, err)
	}

	fields, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return Aggregate{}, false, fmt.Errorf("reading metrics hash %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Aggregate{}, false, nil
	}

	agg := Aggregate{
		ApiKeyID:      apiKeyID,
		Date:          date,
		ByProvider:    map[string]int64{},
		ByContentType: map[string]int64{},
		ByCategory:    map[string]int64{},
	}

	for field, raw := range fields {
		switch {
		case field == "req":
			agg.TotalRequests = parseInt(raw)
		case field == "uid":
			if tenantID, err := uuid.Parse(raw); err == nil {
				agg.TenantID = tenantID
			}
		case field == "ts":
			if unix := parseInt(raw); unix > 0 {
				agg.LastActivityAt = time.Unix(unix, 0).UTC()
			}
		case strings.HasPrefix(field, "p:"):
			agg.ByProvider[strings.TrimPrefix(field, "p:")] = parseInt(raw)
		case strings.HasPrefix(field, "ft:"):
			agg.ByContentType[strings.TrimPrefix(field, "ft:")] = parseInt(raw)
		case strings.HasPrefix(field, "fc:"):
			agg.ByCategory[strings.TrimPrefix(field, "fc:")] = parseInt(raw)
		}
	}

	return agg, true, nil
}

// DeleteKey removes a metrics key once its Aggregate has been durably
// committed by the rollup worker (spec.md §4.8: "deletes the C4 key only
// after the durable write succeeds").
func (r *Reader) DeleteKey(ctx context.Context, key string) error {
	return r.store.Del(ctx, key)
}

func parseKey(key string) (uuid.UUID, string, error) {
	rest := strings.TrimPrefix(key, KeyPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return uuid.Nil, "", fmt.Errorf("malformed metrics key %q", key)
	}
	apiKeyID, err := uuid.Parse(rest[:idx])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("malformed api key id in %q: %w", key, err)
	}
	return apiKeyID, rest[idx+1:], nil
}

func parseInt(raw string) int64 {
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}
