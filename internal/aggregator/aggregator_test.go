package aggregator

import (
	"testing"
	"time"

	"github.com/cern-alice/readoutcore/internal/equipment"
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

func acquireTaggedPage(t *testing.T, pool *pagepool.Pool, hdr pagepool.DataBlockHeader) *pagepool.Container {
	t.Helper()
	c, ok := pool.Acquire()
	if !ok {
		t.Fatalf("pool exhausted")
	}
	pagepool.WriteHeader(c.Header(), &hdr)
	return c
}

func TestRouteGroupsByKeyAndFlushesOnEOTF(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fifo := equipment.NewFIFO(8)
	agg := New([]*equipment.FIFO{fifo}, 4, 0)

	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 2, TimeframeID: 5}))
	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 2, TimeframeID: 5, FlagEndOfTimeframe: true}))

	agg.PollOnce()
	agg.PollOnce()

	if agg.Output().Len() != 1 {
		t.Fatalf("expected one finished dataset, got %d", agg.Output().Len())
	}
	ds, ok := agg.Output().TryPop()
	if !ok {
		t.Fatalf("expected to pop a dataset")
	}
	if len(ds.Pages) != 2 {
		t.Fatalf("expected dataset to hold both pages, got %d", len(ds.Pages))
	}
	if !ds.LastTFMessage {
		t.Fatalf("expected LastTFMessage=true")
	}
	ds.Release()
}

func TestRouteKeepsDistinctLinksSeparate(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fifo := equipment.NewFIFO(8)
	agg := New([]*equipment.FIFO{fifo}, 4, 0)

	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 2, TimeframeID: 5, FlagEndOfTimeframe: true}))
	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 3, TimeframeID: 5, FlagEndOfTimeframe: true}))

	agg.PollOnce()
	agg.PollOnce()

	if agg.Output().Len() != 2 {
		t.Fatalf("expected two separate datasets (different linkId), got %d", agg.Output().Len())
	}
	for {
		ds, ok := agg.Output().TryPop()
		if !ok {
			break
		}
		ds.Release()
	}
}

func TestFlushStaleFinalizesWithoutEOTFFlag(t *testing.T) {
	pool := newTestPool(t, 256, 4)
	fifo := equipment.NewFIFO(4)
	agg := New([]*equipment.FIFO{fifo}, 4, time.Millisecond)

	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 2, TimeframeID: 9}))
	agg.PollOnce()
	if agg.Output().Len() != 0 {
		t.Fatalf("expected dataset to stay pending immediately after ingestion")
	}

	time.Sleep(5 * time.Millisecond)
	agg.FlushStale(time.Millisecond)

	if agg.Output().Len() != 1 {
		t.Fatalf("expected stale dataset to be flushed, got %d", agg.Output().Len())
	}
	ds, _ := agg.Output().TryPop()
	if ds.LastTFMessage {
		t.Fatalf("expected LastTFMessage=false for a staleness-driven flush")
	}
	ds.Release()
}

func TestFlushReleasesPagesWhenOutputQueueFull(t *testing.T) {
	pool := newTestPool(t, 256, 8)
	fifo := equipment.NewFIFO(8)
	agg := New([]*equipment.FIFO{fifo}, 1, 0)

	// Fill the output queue's single slot first.
	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 1, TimeframeID: 1, FlagEndOfTimeframe: true}))
	agg.PollOnce()
	if agg.Output().Len() != 1 {
		t.Fatalf("expected first dataset to land in the output queue")
	}

	// This second dataset's flush must fail (queue full) and release its
	// page rather than leak it.
	fifo.TryPush(acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 2, LinkID: 1, TimeframeID: 1, FlagEndOfTimeframe: true}))
	freeBefore := pool.Stats().FreePages
	agg.PollOnce()
	if pool.Stats().FreePages != freeBefore+1 {
		t.Fatalf("expected dropped dataset's page to be released back to the pool")
	}

	ds, _ := agg.Output().TryPop()
	ds.Release()
}

func TestFlushRejectsDatasetSpanningTwoTimeframes(t *testing.T) {
	pool := newTestPool(t, 256, 4)
	agg := New(nil, 4, 0)

	ds := &Dataset{Key: Key{EquipmentID: 1, LinkID: 1, TimeframeID: 5}}
	ds.Pages = append(ds.Pages, acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 1, TimeframeID: 5}))
	ds.Pages = append(ds.Pages, acquireTaggedPage(t, pool, pagepool.DataBlockHeader{EquipmentID: 1, LinkID: 1, TimeframeID: 6}))

	freeBefore := pool.Stats().FreePages
	agg.flush(ds)

	if agg.Output().Len() != 0 {
		t.Fatalf("expected cross-TF dataset to be rejected, not forwarded")
	}
	if pool.Stats().FreePages != freeBefore+2 {
		t.Fatalf("expected both pages released on rejection")
	}
}
