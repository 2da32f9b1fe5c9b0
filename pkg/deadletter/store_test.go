package deadletter

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

func TestStore_Record_InsertsSnapshotWithoutSecret(t *testing.T) {
	fakeDB := newFakeReaperDB()
	store := NewStore(db.New(fakeDB))

	rec := webhook.Record{
		ID: uuid.New(), TenantID: uuid.New(), TargetURL: "https://example.com/hook",
		Provider: webhook.ProviderS3, Filename: "a.png", ContentType: "image/png",
		FileSize: 10, AttemptCount: 2, Secret: []byte("super-secret"),
	}

	if err := store.Record(context.Background(), rec, "503 from receiver"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	fakeDB.mu.Lock()
	defer fakeDB.mu.Unlock()
	if len(fakeDB.deadLetters) != 1 {
		t.Fatalf("expected 1 dead-letter row, got %d", len(fakeDB.deadLetters))
	}
	for _, d := range fakeDB.deadLetters {
		if d.WebhookID != rec.ID {
			t.Errorf("WebhookID = %s, want %s", d.WebhookID, rec.ID)
		}
		if d.AttemptCount != 3 {
			t.Errorf("AttemptCount = %d, want 3", d.AttemptCount)
		}
		if d.FailureReason != "503 from receiver" {
			t.Errorf("FailureReason = %q, want %q", d.FailureReason, "503 from receiver")
		}
		if strings.Contains(string(d.OriginalSnapshot), "super-secret") {
			t.Error("snapshot must not contain the webhook secret")
		}
	}
}

func TestStore_Resolve_MarksRowResolved(t *testing.T) {
	fakeDB := newFakeReaperDB()
	store := NewStore(db.New(fakeDB))

	id := uuid.New()
	fakeDB.deadLetters[id] = db.WebhookDeadLetter{ID: id, WebhookID: uuid.New()}

	if err := store.Resolve(context.Background(), id, "operator-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	fakeDB.mu.Lock()
	defer fakeDB.mu.Unlock()
	d := fakeDB.deadLetters[id]
	if !d.Resolved {
		t.Error("expected row to be marked resolved")
	}
	if !d.ResolvedBy.Valid || d.ResolvedBy.String != "operator-1" {
		t.Errorf("ResolvedBy = %+v, want operator-1", d.ResolvedBy)
	}
}
