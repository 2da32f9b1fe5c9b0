package counterstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb), mr
}

func TestEnqueueDequeue_PreservesPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := []byte(`{"id":"W1","filename":"a.png"}`)
	if err := q.Enqueue(ctx, "W1", payload, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if string(items[0].Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", items[0].Payload, payload)
	}
}

func TestDequeueBatch_PriorityBeforeNormal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "normal-1", []byte("n1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "priority-1", []byte("p1"), 9); err != nil {
		t.Fatal(err)
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].ID != "priority-1" || !items[0].Priority {
		t.Errorf("items[0] = %+v, want priority-1 first", items[0])
	}
	if items[1].ID != "normal-1" || items[1].Priority {
		t.Errorf("items[1] = %+v, want normal-1 second", items[1])
	}
}

func TestDequeueBatch_PriorityCappedAtTen(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		if err := q.Enqueue(ctx, id, []byte(id), 9); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		id := "normal-" + string(rune('a'+i))
		if err := q.Enqueue(ctx, id, []byte(id), 0); err != nil {
			t.Fatal(err)
		}
	}

	items, err := q.DequeueBatch(ctx, 20)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}

	priorityCount := 0
	for _, it := range items {
		if it.Priority {
			priorityCount++
		}
	}
	if priorityCount != 10 {
		t.Errorf("priorityCount = %d, want 10 (starvation guard)", priorityCount)
	}
}

func TestRequeue_ThenPollDue_MovesToNormalLane(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.Requeue(ctx, "W2", []byte("payload"), 30*time.Second); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	// Not due yet.
	moved, err := q.PollDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("PollDue() error = %v", err)
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0 before delay elapses", moved)
	}

	mr.FastForward(31 * time.Second)

	moved, err = q.PollDue(ctx, time.Now().Add(31*time.Second))
	if err != nil {
		t.Fatalf("PollDue() error = %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1 after delay elapses", moved)
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != "W2" {
		t.Errorf("items = %+v, want single W2 item", items)
	}
}

func TestRemove_PreventsFurtherDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "W3", []byte("payload"), 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, "W3"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	items, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %+v, want none after Remove", items)
	}
}

func TestStats_ReportsDepthPerLane(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "n1", []byte("n1"), 0)
	_ = q.Enqueue(ctx, "p1", []byte("p1"), 9)
	_ = q.Requeue(ctx, "d1", []byte("d1"), time.Minute)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Normal != 1 || stats.Priority != 1 || stats.Delayed != 1 {
		t.Errorf("Stats() = %+v, want {1,1,1}", stats)
	}
}
