package webhook

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wisbric/uploadgw/internal/crypto"
	"github.com/wisbric/uploadgw/internal/db"
)

// fakeWebhookDB is a minimal in-memory stand-in for Postgres, just enough
// to exercise Store's business logic (sealing, truncation, param mapping)
// without a real database connection.
type fakeWebhookDB struct {
	mu   sync.Mutex
	rows map[uuid.UUID]db.Webhook
}

func newFakeWebhookDB() *fakeWebhookDB {
	return &fakeWebhookDB{rows: map[uuid.UUID]db.Webhook{}}
}

func (f *fakeWebhookDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(sql, "UPDATE webhooks SET status = 'verifying'"):
		id := args[0].(uuid.UUID)
		w, ok := f.rows[id]
		if !ok || (w.Status != StatusPending && w.Status != StatusVerifying) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		if e, ok := args[1].(pgtype.Text); ok && e.Valid {
			w.Etag = e
		}
		w.Status = StatusVerifying
		f.rows[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "status = 'failed', failed_at = now()"):
		id := args[0].(uuid.UUID)
		w := f.rows[id]
		w.Status = StatusFailed
		f.rows[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "UPDATE webhooks SET\n\t\t\tetag = COALESCE"):
		id := args[0].(uuid.UUID)
		w := f.rows[id]
		if e, ok := args[1].(pgtype.Text); ok && e.Valid {
			w.Etag = e
		}
		if fs, ok := args[2].(pgtype.Int8); ok && fs.Valid {
			w.FileSize = fs.Int64
		}
		f.rows[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "WHERE id = $1 AND status <> 'completed'") && strings.Contains(sql, "attempt_count = $3"):
		p := args
		id := p[0].(uuid.UUID)
		w, ok := f.rows[id]
		if !ok || w.Status == StatusCompleted {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = p[1].(string)
		w.AttemptCount = p[2].(int32)
		w.LastAttemptAt = pgtype.Timestamptz{Time: p[3].(time.Time), Valid: true}
		if v, ok := p[4].(pgtype.Timestamptz); ok {
			w.NextRetryAt = v
		}
		if v, ok := p[5].(pgtype.Text); ok {
			w.ErrorMessage = v
		}
		if v, ok := p[6].(pgtype.Timestamptz); ok && v.Valid && !w.CompletedAt.Valid {
			w.CompletedAt = v
		}
		if v, ok := p[7].(pgtype.Timestamptz); ok && v.Valid && !w.FailedAt.Valid {
			w.FailedAt = v
		}
		if v, ok := p[8].(pgtype.Int4); ok {
			w.ResponseStatus = v
		}
		if v, ok := p[9].(pgtype.Text); ok {
			w.ResponseBody = v
		}
		if v, ok := p[10].(pgtype.Text); ok && v.Valid {
			w.Etag = v
		}
		if v, ok := p[11].(pgtype.Int8); ok && v.Valid {
			w.FileSize = v.Int64
		}
		f.rows[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "status = 'pending', attempt_count = 0"):
		id := args[0].(uuid.UUID)
		w, ok := f.rows[id]
		if !ok || w.Status == StatusCompleted {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = StatusPending
		w.AttemptCount = 0
		w.ErrorMessage = pgtype.Text{}
		w.NextRetryAt = pgtype.Timestamptz{}
		f.rows[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "DELETE FROM webhooks WHERE id = $1 AND status <> 'completed'"):
		id := args[0].(uuid.UUID)
		w, ok := f.rows[id]
		if !ok || w.Status == StatusCompleted {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeWebhookDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeWebhookDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.Contains(sql, "INSERT INTO webhooks") {
		id := uuid.New()
		now := time.Now()
		w := db.Webhook{
			ID:                    id,
			TenantID:              args[0].(uuid.UUID),
			ApiKeyID:              args[1].(uuid.UUID),
			TargetURL:             args[2].(string),
			Secret:                args[3].([]byte),
			TriggerMode:           args[4].(string),
			Provider:              args[5].(string),
			ProviderLocatorSealed: args[6].([]byte),
			Filename:              args[7].(string),
			ContentType:           args[8].(string),
			FileSize:              args[9].(int64),
			Status:                StatusPending,
			CreatedAt:             now,
			UpdatedAt:             now,
			ExpiresAt:             args[11].(time.Time),
		}
		if meta, ok := args[10].([]byte); ok {
			w.Metadata = meta
		}
		f.rows[id] = w
		return fakeWebhookRow{w: w}
	}
	if strings.Contains(sql, "WHERE id = $1") {
		id := args[0].(uuid.UUID)
		w, ok := f.rows[id]
		if !ok {
			return fakeWebhookRow{err: pgx.ErrNoRows}
		}
		if len(args) > 1 {
			if tenantID, ok := args[1].(uuid.UUID); ok && w.TenantID != tenantID {
				return fakeWebhookRow{err: pgx.ErrNoRows}
			}
		}
		return fakeWebhookRow{w: w}
	}
	return fakeWebhookRow{err: pgx.ErrNoRows}
}

type fakeWebhookRow struct {
	w   db.Webhook
	err error
}

func (r fakeWebhookRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	w := r.w
	*dest[0].(*uuid.UUID) = w.ID
	*dest[1].(*uuid.UUID) = w.TenantID
	*dest[2].(*uuid.UUID) = w.ApiKeyID
	*dest[3].(*string) = w.TargetURL
	*dest[4].(*[]byte) = w.Secret
	*dest[5].(*string) = w.TriggerMode
	*dest[6].(*string) = w.Provider
	*dest[7].(*[]byte) = w.ProviderLocatorSealed
	*dest[8].(*string) = w.Filename
	*dest[9].(*string) = w.ContentType
	*dest[10].(*int64) = w.FileSize
	*dest[11].(*pgtype.Text) = w.Etag
	*dest[12].(*string) = w.Status
	*dest[13].(*int32) = w.AttemptCount
	*dest[14].(*pgtype.Timestamptz) = w.LastAttemptAt
	*dest[15].(*pgtype.Timestamptz) = w.NextRetryAt
	*dest[16].(*pgtype.Text) = w.ErrorMessage
	*dest[17].(*time.Time) = w.CreatedAt
	*dest[18].(*time.Time) = w.UpdatedAt
	*dest[19].(*time.Time) = w.ExpiresAt
	*dest[20].(*pgtype.Timestamptz) = w.CompletedAt
	*dest[21].(*pgtype.Timestamptz) = w.FailedAt
	*dest[22].(*[]byte) = w.Metadata
	*dest[23].(*pgtype.Int4) = w.ResponseStatus
	*dest[24].(*pgtype.Text) = w.ResponseBody
	return nil
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return sealer
}

func TestStore_CreateThenGet_RoundTripsLocator(t *testing.T) {
	fake := newFakeWebhookDB()
	store := NewStore(db.New(fake), testSealer(t))

	rec, secret, err := store.Create(context.Background(), CreateParams{
		TenantID:    uuid.New(),
		ApiKeyID:    uuid.New(),
		TargetURL:   "https://example.com/cb",
		TriggerMode: TriggerAuto,
		Provider:    ProviderS3,
		Locator:     ProviderLocator{Bucket: "b", Key: "k", Credentials: &Credentials{AccessKeyID: "AK"}},
		Filename:    "a.png",
		ContentType: "image/png",
		FileSize:    10,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(secret) != secretSize {
		t.Errorf("secret length = %d, want %d", len(secret), secretSize)
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %s, want pending", rec.Status)
	}

	locator, err := store.Locator(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Locator() error = %v", err)
	}
	if locator.Bucket != "b" || locator.Key != "k" {
		t.Errorf("Locator = %+v, want bucket/key round-tripped", locator)
	}
	if locator.Credentials == nil || locator.Credentials.AccessKeyID != "AK" {
		t.Error("expected credentials to round-trip through seal/open")
	}
}

func TestStore_ApplyOutcome_TerminalStateSticky(t *testing.T) {
	fake := newFakeWebhookDB()
	store := NewStore(db.New(fake), testSealer(t))

	rec, _, _ := store.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), ApiKeyID: uuid.New(), TargetURL: "https://example.com",
		TriggerMode: TriggerManual, Provider: ProviderS3, Filename: "f", ContentType: "image/png", FileSize: 1,
	})

	if err := store.ApplyOutcome(context.Background(), Outcome{
		ID: rec.ID, Status: StatusCompleted, AttemptCount: 1, LastAttemptAt: time.Now(),
		Completed: true, ResponseStatus: 200, ResponseBody: "ok",
	}); err != nil {
		t.Fatalf("ApplyOutcome() error = %v", err)
	}

	got, err := store.GetAny(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetAny() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}

	// A second outcome write must not reopen the completed record.
	if err := store.ApplyOutcome(context.Background(), Outcome{
		ID: rec.ID, Status: StatusPending, AttemptCount: 2, LastAttemptAt: time.Now(),
	}); err != nil {
		t.Fatalf("second ApplyOutcome() error = %v", err)
	}
	got, _ = store.GetAny(context.Background(), rec.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed to remain sticky", got.Status)
	}
}

func TestStore_Delete_RefusedWhenCompleted(t *testing.T) {
	fake := newFakeWebhookDB()
	store := NewStore(db.New(fake), testSealer(t))

	rec, _, _ := store.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), ApiKeyID: uuid.New(), TargetURL: "https://example.com",
		TriggerMode: TriggerManual, Provider: ProviderS3, Filename: "f", ContentType: "image/png", FileSize: 1,
	})
	store.ApplyOutcome(context.Background(), Outcome{
		ID: rec.ID, Status: StatusCompleted, AttemptCount: 1, LastAttemptAt: time.Now(), Completed: true,
	})

	err := store.Delete(context.Background(), rec.ID)
	if !IsNotFound(err) {
		t.Errorf("Delete() error = %v, want a not-found-style refusal", err)
	}
}

func TestStore_ResponseBodyTruncatedTo1000Bytes(t *testing.T) {
	fake := newFakeWebhookDB()
	store := NewStore(db.New(fake), testSealer(t))

	rec, _, _ := store.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), ApiKeyID: uuid.New(), TargetURL: "https://example.com",
		TriggerMode: TriggerManual, Provider: ProviderS3, Filename: "f", ContentType: "image/png", FileSize: 1,
	})

	long := strings.Repeat("x", 2000)
	if err := store.ApplyOutcome(context.Background(), Outcome{
		ID: rec.ID, Status: StatusCompleted, AttemptCount: 1, LastAttemptAt: time.Now(),
		Completed: true, ResponseStatus: 200, ResponseBody: long,
	}); err != nil {
		t.Fatalf("ApplyOutcome() error = %v", err)
	}

	got, _ := store.GetAny(context.Background(), rec.ID)
	if len(got.ResponseBody) != 1000 {
		t.Errorf("len(ResponseBody) = %d, want 1000", len(got.ResponseBody))
	}
}
