package equipment

import (
	"testing"
	"time"

	"github.com/cern-alice/readoutcore/internal/pagepool"
)

func newTestPool(t *testing.T, pageSize, pageCount int) *pagepool.Pool {
	t.Helper()
	pl, err := pagepool.New(make([]byte, pageSize*pageCount), pageSize, pageCount)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	return pl
}

func TestBlockIDStartsAtOneAndStrictlyIncreases(t *testing.T) {
	pool := newTestPool(t, 512, 16)
	gen := NewDummyGenerator(DummyGeneratorConfig{PayloadSize: 64})
	tf := NewSoftwareClockTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1}, pool, 16, gen, tf)

	eq.Start()
	eq.SetDataOn()
	for i := 0; i < 5; i++ {
		eq.RunOnce()
	}

	var lastBlockID uint64
	count := 0
	for {
		c, ok := eq.FIFO().TryPop()
		if !ok {
			break
		}
		var hdr pagepool.DataBlockHeader
		pagepool.ReadHeader(c.Header(), &hdr)
		if hdr.BlockID <= lastBlockID {
			t.Fatalf("expected strictly increasing blockId, got %d after %d", hdr.BlockID, lastBlockID)
		}
		lastBlockID = hdr.BlockID
		count++
		c.Release()
	}
	if count == 0 {
		t.Fatalf("expected at least one emitted page")
	}
	if lastBlockID != uint64(count) {
		t.Fatalf("expected blockId sequence 1..%d with no gaps, last was %d", count, lastBlockID)
	}
}

func TestDisableOutputStillReleasesPages(t *testing.T) {
	pool := newTestPool(t, 512, 4)
	gen := NewDummyGenerator(DummyGeneratorConfig{PayloadSize: 64})
	tf := NewSoftwareClockTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1, DisableOutput: true}, pool, 4, gen, tf)

	eq.Start()
	eq.SetDataOn()
	eq.RunOnce()

	if eq.FIFO().Len() != 0 {
		t.Fatalf("expected nothing queued when DisableOutput is set")
	}
	if pool.Stats().FreePages != 4 {
		t.Fatalf("expected all pages returned to pool when output is disabled, got %d free", pool.Stats().FreePages)
	}
}

func TestDataOffPausesProduction(t *testing.T) {
	pool := newTestPool(t, 512, 4)
	gen := NewDummyGenerator(DummyGeneratorConfig{PayloadSize: 64})
	tf := NewSoftwareClockTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1}, pool, 4, gen, tf)

	eq.Start() // stays in Started, never moved to DataOn
	eq.RunOnce()
	if eq.FIFO().Len() != 0 {
		t.Fatalf("expected no pages produced before SetDataOn")
	}

	eq.SetDataOn()
	eq.RunOnce()
	if eq.FIFO().Len() == 0 {
		t.Fatalf("expected pages produced after SetDataOn")
	}

	eq.SetDataOff()
	before := eq.FIFO().Len()
	eq.RunOnce()
	if eq.FIFO().Len() != before {
		t.Fatalf("expected no new pages produced while DataOff")
	}
}

func TestPoolExhaustionStopsIterationWithoutCrash(t *testing.T) {
	pool := newTestPool(t, 512, 4)
	gen := NewDummyGenerator(DummyGeneratorConfig{PayloadSize: 64})
	tf := NewSoftwareClockTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1}, pool, 4, gen, tf)

	eq.Start()
	eq.SetDataOn()
	eq.RunOnce()

	// FIFO capacity matches pool size, so all 4 pages should have been
	// pushed and the pool should now be empty with nothing dropped.
	if eq.FIFO().Len() != 4 {
		t.Fatalf("expected 4 pages in FIFO, got %d", eq.FIFO().Len())
	}
	if pool.Stats().FreePages != 0 {
		t.Fatalf("expected pool exhausted, got %d free", pool.Stats().FreePages)
	}

	// One more RunOnce must not panic even though both pool and FIFO are
	// full.
	eq.RunOnce()

	c, ok := eq.FIFO().TryPop()
	if !ok {
		t.Fatalf("expected a page to pop")
	}
	c.Release()
	if pool.Stats().FreePages != 1 {
		t.Fatalf("expected 1 free page after ack, got %d", pool.Stats().FreePages)
	}
}

func TestRateLimitThrottlesOverLongWindow(t *testing.T) {
	pool := newTestPool(t, 256, 4096)
	gen := NewDummyGenerator(DummyGeneratorConfig{PayloadSize: 32})
	tf := NewSoftwareClockTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: 1000}, pool, 4096, gen, tf)

	eq.Start()
	eq.SetDataOn()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		eq.RunOnce()
	}

	n := eq.FIFO().Len()
	// at 1000 Hz over ~200ms we expect roughly 200 emitted, generously
	// bounded to tolerate scheduling jitter in a test environment.
	if n > 600 {
		t.Fatalf("expected rate limiting to bound emission, got %d pages in ~200ms at 1000Hz", n)
	}
}

func TestTFIdentifierSoftwareClockNeverReturnsUndefined(t *testing.T) {
	tf := NewSoftwareClockTFIdentifier(256)
	if tf.Tick() == 0 {
		t.Fatalf("expected software clock to never report the undefined TF id")
	}
}

func TestTFIdentifierRDHDerivedFirstOrbitEstablishesEpoch(t *testing.T) {
	tf := NewRDHDerivedTFIdentifier(256)
	if got := tf.FromOrbit(1000); got != 1 {
		t.Fatalf("expected first observed orbit to map to TF 1, got %d", got)
	}
	if got := tf.FromOrbit(1256); got != 2 {
		t.Fatalf("expected orbit one period later to map to TF 2, got %d", got)
	}
}

func TestEquipmentRDHPipelineStampsHeaderFields(t *testing.T) {
	pool := newTestPool(t, 512, 4)
	gen := NewDummyGenerator(DummyGeneratorConfig{
		PayloadSize: 128, EmitRDH: true, LinkID: 3, FeeID: 11, CruID: 5, EndPointID: 1, OrbitStep: 1,
	})
	tf := NewRDHDerivedTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1, UseRDH: true}, pool, 4, gen, tf)

	eq.Start()
	eq.SetDataOn()
	eq.RunOnce()

	c, ok := eq.FIFO().TryPop()
	if !ok {
		t.Fatalf("expected one emitted page")
	}
	defer c.Release()

	var hdr pagepool.DataBlockHeader
	pagepool.ReadHeader(c.Header(), &hdr)
	if !hdr.IsRdhFormat {
		t.Fatalf("expected isRdhFormat=true")
	}
	if hdr.LinkID != 3 || hdr.FeeID != 11 {
		t.Fatalf("expected linkId=3 feeId=11 stamped from RDH, got %+v", hdr)
	}
	if hdr.EquipmentID != 51 {
		t.Fatalf("expected cru-derived equipment id 51, got %d", hdr.EquipmentID)
	}
	if hdr.TimeframeID != 1 {
		t.Fatalf("expected first page to land in TF 1, got %d", hdr.TimeframeID)
	}
}

func TestDebugFirstPagesDumpsWithoutCrashing(t *testing.T) {
	pool := newTestPool(t, 512, 4)
	gen := NewDummyGenerator(DummyGeneratorConfig{
		PayloadSize: 128, EmitRDH: true, LinkID: 1, CruID: 5, EndPointID: 1, OrbitStep: 1,
	})
	tf := NewRDHDerivedTFIdentifier(256)
	eq := New(Config{Name: "eq0", Rate: -1, UseRDH: true, DebugFirstPages: 2}, pool, 4, gen, tf)

	eq.Start()
	eq.SetDataOn()
	eq.RunOnce()
	eq.RunOnce()
	eq.RunOnce()

	if eq.debugPagesLeft != 0 {
		t.Fatalf("expected debugPagesLeft exhausted after 2 dumps, got %d", eq.debugPagesLeft)
	}
	for {
		c, ok := eq.FIFO().TryPop()
		if !ok {
			break
		}
		c.Release()
	}
}
