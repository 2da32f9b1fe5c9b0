package usagemetrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestReader_ScanAll_ParsesMultipleKeys(t *testing.T) {
	store := newTestStore(t)
	agg := NewAggregator(store, discardLogger(), nil)

	apiKeyA, apiKeyB := uuid.New(), uuid.New()
	tenant := uuid.New()
	day1 := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	agg.Record(context.Background(), Event{ApiKeyID: apiKeyA, TenantID: tenant, Provider: "s3", At: day1})
	agg.Record(context.Background(), Event{ApiKeyID: apiKeyB, TenantID: tenant, Provider: "r2", At: day2})

	reader := NewReader(store)
	aggregates, err := reader.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if len(aggregates) != 2 {
		t.Fatalf("len(aggregates) = %d, want 2", len(aggregates))
	}

	byDate := map[string]Aggregate{}
	for _, a := range aggregates {
		byDate[a.Date] = a
	}
	if byDate["2026-07-29"].ByProvider["s3"] != 1 {
		t.Error("expected day1 aggregate to record s3 provider")
	}
	if byDate["2026-07-30"].ByProvider["r2"] != 1 {
		t.Error("expected day2 aggregate to record r2 provider")
	}
}

func TestReader_DeleteKey_RemovesAggregate(t *testing.T) {
	store := newTestStore(t)
	agg := NewAggregator(store, discardLogger(), nil)
	apiKeyID, tenant := uuid.New(), uuid.New()
	at := time.Now()

	agg.Record(context.Background(), Event{ApiKeyID: apiKeyID, TenantID: tenant, At: at})

	reader := NewReader(store)
	key := Key(apiKeyID, at)
	if err := reader.DeleteKey(context.Background(), key); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}

	_, ok, err := reader.ReadKey(context.Background(), key)
	if err != nil {
		t.Fatalf("ReadKey() error = %v", err)
	}
	if ok {
		t.Error("expected key to be gone after DeleteKey")
	}
}

func TestParseKey_RoundTrips(t *testing.T) {
	apiKeyID := uuid.New()
	key := Key(apiKeyID, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))

	gotID, gotDate, err := parseKey(key)
	if err != nil {
		t.Fatalf("parseKey() error = %v", err)
	}
	if gotID != apiKeyID {
		t.Errorf("apiKeyID = %s, want %s", gotID, apiKeyID)
	}
	if gotDate != "2026-01-05" {
		t.Errorf("date = %s, want 2026-01-05", gotDate)
	}
}
