package admission

import (
	"testing"
	"time"
)

func TestMemoryGuard_AllowsWithinBurst(t *testing.T) {
	g := NewMemoryGuard(time.Second, 3)

	for i := 0; i < 3; i++ {
		d := g.Check("tenant-a", "upload")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}

	d := g.Check("tenant-a", "upload")
	if d.Allowed {
		t.Error("4th request should exceed burst of 3")
	}
}

func TestMemoryGuard_ResetsAfterWindow(t *testing.T) {
	g := NewMemoryGuard(20*time.Millisecond, 1)

	d := g.Check("tenant-b", "upload")
	if !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	d = g.Check("tenant-b", "upload")
	if d.Allowed {
		t.Fatal("second request within window should be rejected")
	}

	time.Sleep(25 * time.Millisecond)

	d = g.Check("tenant-b", "upload")
	if !d.Allowed {
		t.Error("request after window reset should be allowed")
	}
}

func TestMemoryGuard_SeparateTenantsIndependent(t *testing.T) {
	g := NewMemoryGuard(time.Second, 1)

	if !g.Check("tenant-x", "upload").Allowed {
		t.Fatal("tenant-x first request should be allowed")
	}
	if !g.Check("tenant-y", "upload").Allowed {
		t.Error("tenant-y should have its own independent window")
	}
}

func TestMemoryGuard_OverflowFailsOpen(t *testing.T) {
	g := NewMemoryGuard(time.Minute, 1)
	g.maxEntries = 2

	g.Check("t1", "op")
	g.Check("t2", "op")

	d := g.Check("t3", "op")
	if !d.Allowed || d.Reason != "memory_guard_overflow" {
		t.Errorf("Check() = %+v, want fail-open overflow decision", d)
	}
}
