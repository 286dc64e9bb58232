package dispatcher

import (
	"bytes"
	"testing"

	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rdh"
)

func newTestPool(t *testing.T, pageSize, pageCount int) *pagepool.Pool {
	t.Helper()
	pl, err := pagepool.New(make([]byte, pageSize*pageCount), pageSize, pageCount)
	if err != nil {
		t.Fatalf("pagepool.New: %v", err)
	}
	return pl
}

// rdhPage acquires a page holding a single-entry RDH chain (no internal
// chaining, OffsetNextPacket=0) with a trailing marker byte so tests can
// verify byte order after a repack. Returns the page and the valid
// dataSize (rdh.Size + 4 marker bytes).
func rdhPage(t *testing.T, pool *pagepool.Pool, hbOrbit uint32, marker byte) (*pagepool.Container, int) {
	t.Helper()
	c, ok := pool.Acquire()
	if !ok {
		t.Fatalf("pool exhausted acquiring source page")
	}
	payload := c.Payload()
	rdh.Write(payload, rdh.RDH{Version: 1, HeaderSize: rdh.Size, HeartbeatOrbit: hbOrbit})
	dataSize := rdh.Size + 4
	for i := rdh.Size; i < dataSize; i++ {
		payload[i] = marker
	}
	return c, dataSize
}

func TestAddPageIgnoresZeroSizedPage(t *testing.T) {
	pool := newTestPool(t, 256, 1)
	page, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire failed")
	}

	acc := newHBFAccumulator(pool, true)
	acc.addPage(page, 0, true)
	parts, err := acc.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("expected no parts for a zero-sized page, got %d", len(parts))
	}
	page.Release()
	if pool.Stats().FreePages != 1 {
		t.Fatalf("expected page to be free after release")
	}
}

func TestAddPageForwardsNonRdhPageWhole(t *testing.T) {
	pool := newTestPool(t, 256, 1)
	page, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire failed")
	}
	payload := page.Payload()
	for i := 0; i < 50; i++ {
		payload[i] = byte(i)
	}

	acc := newHBFAccumulator(pool, true)
	acc.addPage(page, 50, false)
	parts, err := acc.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected exactly one part for a non-RDH page, got %d", len(parts))
	}
	if !bytes.Equal(parts[0].bytes, payload[:50]) {
		t.Fatalf("expected the whole page forwarded unchanged")
	}
	parts[0].release()
	page.Release()
	if pool.Stats().FreePages != 1 {
		t.Fatalf("expected page free after both references released")
	}
}

func TestSingleFragmentHBFIsADirectReferenceNotACopy(t *testing.T) {
	pool := newTestPool(t, 256, 2)
	page, dataSize := rdhPage(t, pool, 7, 0xAA)

	acc := newHBFAccumulator(pool, true)
	acc.addPage(page, dataSize, true)
	parts, err := acc.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected one part for a single HBF, got %d", len(parts))
	}
	if len(parts[0].bytes) != dataSize {
		t.Fatalf("expected part length %d, got %d", dataSize, len(parts[0].bytes))
	}

	// The underlying page is held by both the original reference (still
	// owned by the test, mirroring what the dataset held before
	// dispatch) and the message part's retained clone; releasing only
	// one must not free it.
	parts[0].release()
	if pool.Stats().FreePages != 1 {
		t.Fatalf("expected page still outstanding: original reference not released yet")
	}
	page.Release()
	if pool.Stats().FreePages != 2 {
		t.Fatalf("expected page freed once both references released")
	}
}

func TestHBFSpanningTwoPagesRepacksIntoOnePart(t *testing.T) {
	pool := newTestPool(t, 256, 3)
	pageA, sizeA := rdhPage(t, pool, 100, 0x01)
	pageB, sizeB := rdhPage(t, pool, 100, 0x02)

	acc := newHBFAccumulator(pool, true)
	acc.addPage(pageA, sizeA, true)
	acc.addPage(pageB, sizeB, true)
	parts, err := acc.finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected a single repacked part spanning both pages, got %d", len(parts))
	}
	want := append(append([]byte{}, pageA.Payload()[:sizeA]...), pageB.Payload()[:sizeB]...)
	if !bytes.Equal(parts[0].bytes, want) {
		t.Fatalf("repacked bytes do not match concatenation in source order")
	}

	parts[0].release()
	pageA.Release()
	pageB.Release()
	if pool.Stats().FreePages != 3 {
		t.Fatalf("expected every page free after releasing part and both originals, got %d free", pool.Stats().FreePages)
	}
}

// TestPackedCopyReusesScratchAcrossRepacks builds two separate
// two-page HBFs in one dataset. With packed-copy enabled, both repacks
// fit in one shared scratch page's tail, leaving the 5-page pool able to
// hold 4 source pages + 1 scratch. With packed-copy disabled, each
// repack claims its own scratch page, and this pool is one page too
// small — demonstrating the scratch-reuse difference the option
// controls (§4.4).
func TestPackedCopyReusesScratchAcrossRepacks(t *testing.T) {
	run := func(t *testing.T, packedCopy bool) error {
		pool := newTestPool(t, 300, 5)
		a, sa := rdhPage(t, pool, 1, 0x01)
		b, sb := rdhPage(t, pool, 1, 0x02)
		c, sc := rdhPage(t, pool, 2, 0x03)
		d, sd := rdhPage(t, pool, 2, 0x04)

		acc := newHBFAccumulator(pool, packedCopy)
		acc.addPage(a, sa, true)
		acc.addPage(b, sb, true)
		acc.addPage(c, sc, true) // hbid change 1->2 closes HBF #1 here
		acc.addPage(d, sd, true)
		parts, err := acc.finish() // closes trailing HBF #2

		a.Release()
		b.Release()
		c.Release()
		d.Release()
		for _, p := range parts {
			p.release()
		}
		return err
	}

	if err := run(t, true); err != nil {
		t.Fatalf("packed-copy enabled should fit both repacks in one shared scratch page: %v", err)
	}

	if err := run(t, false); err == nil {
		t.Fatalf("packed-copy disabled should exhaust a 5-page pool needing 4 source + 2 scratch pages")
	}
}

func TestFinishReleasesEverythingOnFailure(t *testing.T) {
	pool := newTestPool(t, 256, 3)
	a, sa := rdhPage(t, pool, 1, 0x01)
	b, sb := rdhPage(t, pool, 1, 0x02)

	// a and b consume 2 of the pool's 3 pages; holding this third page
	// open leaves none free for collapse()'s repack scratch allocation.
	extra, ok := pool.Acquire()
	if !ok {
		t.Fatalf("acquire failed")
	}

	acc := newHBFAccumulator(pool, true)
	acc.addPage(a, sa, true)
	acc.addPage(b, sb, true)
	_, err := acc.finish()
	if err == nil {
		t.Fatalf("expected repack to fail with no scratch page available")
	}

	a.Release()
	b.Release()
	extra.Release()
	if pool.Stats().FreePages != 3 {
		t.Fatalf("expected every page free after releasing originals, got %d free", pool.Stats().FreePages)
	}
}
