package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wisbric/uploadgw/internal/db"
)

// fakeDBTX lets tests drive db.Queries without a real Postgres connection.
type fakeDBTX struct {
	quota   int64
	dbErr   error
	queries int
}

func (f *fakeDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("Exec not supported by fakeDBTX")
}

func (f *fakeDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("Query not supported by fakeDBTX")
}

func (f *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queries++
	return fakeRow{quota: f.quota, err: f.dbErr}
}

type fakeRow struct {
	quota int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if ptr, ok := dest[0].(*int64); ok {
		*ptr = r.quota
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQuotaGate_CacheMiss_PopulatesFromDB(t *testing.T) {
	store, _ := newTestStore(t)
	fake := &fakeDBTX{quota: 100}
	gate := NewQuotaGate(store, db.New(fake), time.Minute, newTestLogger(), nil)

	tenantID := uuid.New()
	d, err := gate.Check(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first request should be allowed, got %+v", d)
	}
	if d.Limit != 100 {
		t.Errorf("Limit = %d, want 100", d.Limit)
	}
	if fake.queries != 1 {
		t.Fatalf("expected exactly one DB query, got %d", fake.queries)
	}

	// Second check should hit the cache, not the DB again.
	if _, err := gate.Check(context.Background(), tenantID); err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if fake.queries != 1 {
		t.Errorf("expected cache hit to avoid a second DB query, got %d queries", fake.queries)
	}
}

func TestQuotaGate_RejectsOverQuota(t *testing.T) {
	store, _ := newTestStore(t)
	fake := &fakeDBTX{quota: 2}
	gate := NewQuotaGate(store, db.New(fake), time.Minute, newTestLogger(), nil)

	tenantID := uuid.New()
	ctx := context.Background()
	gate.Check(ctx, tenantID)
	gate.Check(ctx, tenantID)
	d, err := gate.Check(ctx, tenantID)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed {
		t.Error("3rd request should exceed quota of 2")
	}
}

func TestQuotaGate_FailsOpenWhenDBUnreachable(t *testing.T) {
	store, _ := newTestStore(t)
	fake := &fakeDBTX{dbErr: errors.New("connection refused")}
	failOpen := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_fail_open"})
	gate := NewQuotaGate(store, db.New(fake), time.Minute, newTestLogger(), failOpen)

	d, err := gate.Check(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed {
		t.Error("request should fail open when durable store is unreachable")
	}
	if !d.FailedOpen {
		t.Error("Decision.FailedOpen should be true")
	}
	if got := testutil.ToFloat64(failOpen); got != 1 {
		t.Errorf("failOpen counter = %v, want 1", got)
	}
}

func TestQuotaGate_InvalidateTenant_EvictsCache(t *testing.T) {
	store, _ := newTestStore(t)
	fake := &fakeDBTX{quota: 50}
	gate := NewQuotaGate(store, db.New(fake), time.Minute, newTestLogger(), nil)

	tenantID := uuid.New()
	ctx := context.Background()
	if _, err := gate.Check(ctx, tenantID); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if fake.queries != 1 {
		t.Fatalf("expected 1 query before invalidation, got %d", fake.queries)
	}

	if err := gate.InvalidateTenant(ctx, tenantID); err != nil {
		t.Fatalf("InvalidateTenant() error = %v", err)
	}

	if _, err := gate.Check(ctx, tenantID); err != nil {
		t.Fatalf("Check() after invalidation error = %v", err)
	}
	if fake.queries != 2 {
		t.Errorf("expected cache eviction to force a second DB query, got %d", fake.queries)
	}
}

func TestQuotaGate_ListenInvalidations_EvictsOnRemoteMessage(t *testing.T) {
	store, _ := newTestStore(t)
	fake := &fakeDBTX{quota: 50}
	gate := NewQuotaGate(store, db.New(fake), time.Minute, newTestLogger(), nil)

	tenantID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := gate.Check(ctx, tenantID); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- gate.ListenInvalidations(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the subscriber register

	if err := gate.store.Publish(ctx, InvalidateChannel, tenantID.String()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the subscriber process the message

	cancel()
	<-done

	if _, err := gate.Check(context.Background(), tenantID); err != nil {
		t.Fatalf("Check() after remote invalidation error = %v", err)
	}
	if fake.queries != 2 {
		t.Errorf("expected remote invalidation to force a re-fetch, got %d queries", fake.queries)
	}
}
