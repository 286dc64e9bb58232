package stats

import "testing"

func TestCountersIncrementAndSnapshot(t *testing.T) {
	var c Counters
	c.IncLoop()
	c.IncLoop()
	c.AddBytesOut(1500)
	snap := c.Snapshot()
	if snap.NLoop != 2 {
		t.Fatalf("expected NLoop=2, got %d", snap.NLoop)
	}
	if snap.NBytesOut != 1500 {
		t.Fatalf("expected NBytesOut=1500, got %d", snap.NBytesOut)
	}
}

func TestCountersReset(t *testing.T) {
	var c Counters
	c.IncLoop()
	c.Reset()
	if c.Snapshot().NLoop != 0 {
		t.Fatalf("expected reset counters")
	}
}

func TestPageAccountingLifecycle(t *testing.T) {
	var g Counters
	var pa PageAccounting

	pa.OnAcquire(&g, 100, 4096)
	if !pa.IsLive() {
		t.Fatalf("expected page live after acquire")
	}
	if g.Snapshot().PagesPending != 1 {
		t.Fatalf("expected 1 pending page")
	}
	if g.Snapshot().PayloadBytes != 100 {
		t.Fatalf("expected 100 payload bytes tracked")
	}

	// Subsequent reference only updates payload bytes (§4.5).
	pa.OnAcquire(&g, 250, 4096)
	if g.Snapshot().PagesPending != 1 {
		t.Fatalf("expected pending count unchanged on re-reference")
	}
	if g.Snapshot().PayloadBytes != 350 {
		t.Fatalf("expected cumulative payload bytes 350, got %d", g.Snapshot().PayloadBytes)
	}

	lifetime := pa.OnRelease(&g)
	if lifetime <= 0 {
		t.Fatalf("expected positive lifetime")
	}
	if pa.IsLive() {
		t.Fatalf("expected page not live after release")
	}
	if g.Snapshot().PagesPending != 0 {
		t.Fatalf("expected 0 pending pages after release")
	}

	// Double release is a no-op, guarded by the magic check (§4.5).
	second := pa.OnRelease(&g)
	if second != 0 {
		t.Fatalf("expected no-op on double release")
	}
	if g.Snapshot().PagesPending != 0 {
		t.Fatalf("double release must not double-decrement")
	}
}
