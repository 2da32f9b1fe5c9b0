package deadletter

import (
	"context"
	"io"
	"log/slog"
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
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// fakeReaperDB simulates the webhooks + webhook_dead_letter tables just
// deep enough to drive RunOnce: one ListDueDeadLetters query, one
// DeleteDeadLetter exec, one ResetForRetry exec.
type fakeReaperDB struct {
	mu          sync.Mutex
	webhooks    map[uuid.UUID]db.Webhook
	deadLetters map[uuid.UUID]db.WebhookDeadLetter
}

func newFakeReaperDB() *fakeReaperDB {
	return &fakeReaperDB{
		webhooks:    map[uuid.UUID]db.Webhook{},
		deadLetters: map[uuid.UUID]db.WebhookDeadLetter{},
	}
}

func (f *fakeReaperDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "DELETE FROM webhook_dead_letter"):
		id := args[0].(uuid.UUID)
		if _, ok := f.deadLetters[id]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.deadLetters, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case strings.Contains(sql, "SET resolved = true"):
		id := args[0].(uuid.UUID)
		d, ok := f.deadLetters[id]
		if !ok || d.Resolved {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		d.Resolved = true
		d.ResolvedBy = pgtype.Text{String: args[1].(string), Valid: true}
		f.deadLetters[id] = d
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "UPDATE webhooks SET"):
		id := args[0].(uuid.UUID)
		w, ok := f.webhooks[id]
		if !ok || w.Status == webhook.StatusCompleted {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		w.Status = webhook.StatusPending
		w.AttemptCount = 0
		w.ErrorMessage = pgtype.Text{}
		f.webhooks[id] = w
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeReaperDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(sql, "FROM webhook_dead_letter") {
		var due []db.WebhookDeadLetter
		now := time.Now()
		for _, d := range f.deadLetters {
			if !d.Resolved && !d.RetryAfter.After(now) {
				due = append(due, d)
			}
		}
		return &fakeDeadLetterRows{rows: due, idx: -1}, nil
	}
	return &fakeDeadLetterRows{idx: -1}, nil
}

func (f *fakeReaperDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(sql, "INSERT INTO webhook_dead_letter") {
		d := db.WebhookDeadLetter{
			ID: uuid.New(), WebhookID: args[0].(uuid.UUID), OriginalSnapshot: args[1].([]byte),
			FailureReason: args[2].(string), AttemptCount: args[3].(int32),
			CreatedAt: time.Now(), RetryAfter: args[4].(time.Time),
		}
		f.deadLetters[d.ID] = d
		return fakeDeadLetterRow{row: d}
	}
	return fakeDeadLetterRow{err: pgx.ErrNoRows}
}

type fakeDeadLetterRow struct {
	row db.WebhookDeadLetter
	err error
}

func (r fakeDeadLetterRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	d := r.row
	*dest[0].(*uuid.UUID) = d.ID
	*dest[1].(*uuid.UUID) = d.WebhookID
	*dest[2].(*[]byte) = d.OriginalSnapshot
	*dest[3].(*string) = d.FailureReason
	*dest[4].(*int32) = d.AttemptCount
	*dest[5].(*time.Time) = d.CreatedAt
	*dest[6].(*time.Time) = d.RetryAfter
	*dest[7].(*bool) = d.Resolved
	*dest[8].(*pgtype.Timestamptz) = d.ResolvedAt
	*dest[9].(*pgtype.Text) = d.ResolvedBy
	return nil
}

// fakeDeadLetterRows is a minimal pgx.Rows over an in-memory slice.
type fakeDeadLetterRows struct {
	rows []db.WebhookDeadLetter
	idx  int
}

func (r *fakeDeadLetterRows) Close()                                       {}
func (r *fakeDeadLetterRows) Err() error                                   { return nil }
func (r *fakeDeadLetterRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeDeadLetterRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeDeadLetterRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeDeadLetterRows) RawValues() [][]byte                          { return nil }
func (r *fakeDeadLetterRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeDeadLetterRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeDeadLetterRows) Scan(dest ...any) error {
	d := r.rows[r.idx]
	*dest[0].(*uuid.UUID) = d.ID
	*dest[1].(*uuid.UUID) = d.WebhookID
	*dest[2].(*[]byte) = d.OriginalSnapshot
	*dest[3].(*string) = d.FailureReason
	*dest[4].(*int32) = d.AttemptCount
	*dest[5].(*time.Time) = d.CreatedAt
	*dest[6].(*time.Time) = d.RetryAfter
	*dest[7].(*bool) = d.Resolved
	*dest[8].(*pgtype.Timestamptz) = d.ResolvedAt
	*dest[9].(*pgtype.Text) = d.ResolvedBy
	return nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, id uuid.UUID, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, id)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

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

func TestReaper_RunOnce_ResurrectsDueRow(t *testing.T) {
	fakeDB := newFakeReaperDB()
	webhookID := uuid.New()
	fakeDB.webhooks[webhookID] = db.Webhook{ID: webhookID, Status: webhook.StatusDeadLetter, AttemptCount: 3}
	deadLetterID := uuid.New()
	fakeDB.deadLetters[deadLetterID] = db.WebhookDeadLetter{
		ID: deadLetterID, WebhookID: webhookID, FailureReason: "503",
		AttemptCount: 3, CreatedAt: time.Now().Add(-time.Hour), RetryAfter: time.Now().Add(-time.Minute),
	}

	queries := db.New(fakeDB)
	store := webhook.NewStore(queries, testSealer(t))
	enqueuer := &fakeEnqueuer{}
	reaper := NewReaper(queries, store, enqueuer, testLogger(), nil, 0, 0)

	n, err := reaper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RunOnce() resurrected %d, want 1", n)
	}

	fakeDB.mu.Lock()
	_, stillDeadLettered := fakeDB.deadLetters[deadLetterID]
	w := fakeDB.webhooks[webhookID]
	fakeDB.mu.Unlock()
	if stillDeadLettered {
		t.Error("expected dead-letter row to be deleted")
	}
	if w.Status != webhook.StatusPending || w.AttemptCount != 0 {
		t.Errorf("webhook = %+v, want status=pending attemptCount=0", w)
	}

	enqueuer.mu.Lock()
	defer enqueuer.mu.Unlock()
	if len(enqueuer.enqueued) != 1 || enqueuer.enqueued[0] != webhookID {
		t.Errorf("enqueued = %v, want [%s]", enqueuer.enqueued, webhookID)
	}
}

func TestReaper_RunOnce_SkipsNotYetDueRows(t *testing.T) {
	fakeDB := newFakeReaperDB()
	webhookID := uuid.New()
	fakeDB.webhooks[webhookID] = db.Webhook{ID: webhookID, Status: webhook.StatusDeadLetter}
	deadLetterID := uuid.New()
	fakeDB.deadLetters[deadLetterID] = db.WebhookDeadLetter{
		ID: deadLetterID, WebhookID: webhookID,
		RetryAfter: time.Now().Add(time.Hour), // not due yet
	}

	queries := db.New(fakeDB)
	store := webhook.NewStore(queries, testSealer(t))
	enqueuer := &fakeEnqueuer{}
	reaper := NewReaper(queries, store, enqueuer, testLogger(), nil, 0, 0)

	n, err := reaper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RunOnce() resurrected %d, want 0", n)
	}
}
