// ════════════════════════════════════════════════════════════════════════════════════════════════
// Multi-Equipment Dataset Aggregator
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Per-(Timeframe, Link) Page Grouping
//
// Description:
//   Polls every equipment's output FIFO in round robin, grouping pages sharing one
//   (equipmentId, linkId, timeframeId) into a Dataset (spec.md §3, §4.4). A dataset finalizes —
//   is flushed downstream and its accumulator reset — either when a page arrives carrying
//   flagEndOfTimeframe, or after it has sat unflushed past a configured staleness deadline
//   (the latter covers producers that never set the flag).
//
// Grounded on aggregator/aggregator.go's shape: one goroutine polls N upstream ring-style
// inputs, accumulates into keyed state, and finalizes on a trigger condition rather than
// per-message — here the trigger is domain-driven (the EOTF flag or a staleness deadline)
// rather than the teacher's idle-spin threshold, since the downstream consumer here cares
// about a single TF's completeness rather than a batched deadline.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package aggregator

import (
	"sync"
	"time"

	"github.com/cern-alice/readoutcore/internal/equipment"
	"github.com/cern-alice/readoutcore/internal/pagepool"
	"github.com/cern-alice/readoutcore/internal/rlog"
	"github.com/cern-alice/readoutcore/internal/stats"
)

const logCodeCrossTF rlog.Code = 4001

// Key identifies one dataset's accumulation bucket.
type Key struct {
	EquipmentID uint16
	LinkID      uint8
	TimeframeID uint64
}

// Dataset is an ordered sequence of page handles sharing one Key (§3).
type Dataset struct {
	Key           Key
	Pages         []*pagepool.Container
	LastTFMessage bool
	createdAt     time.Time
}

// Release drops every page handle the dataset still holds. Call this if
// a dataset is discarded instead of forwarded (e.g. on a cross-TF
// rejection or an output queue that's full).
func (d *Dataset) Release() {
	for _, p := range d.Pages {
		p.Release()
	}
	d.Pages = nil
}

// Aggregator groups pages from a fixed set of equipment FIFOs into
// per-(TF, link) datasets and forwards finished ones to out.
type Aggregator struct {
	inputs []*equipment.FIFO
	out    *DatasetQueue

	mu          sync.Mutex
	pending     map[Key]*Dataset
	staleAfter  time.Duration
}

// New constructs an aggregator polling inputs and forwarding finished
// datasets into a queue of the given capacity. staleAfter bounds how
// long an unflagged dataset may sit before FlushStale forces it out;
// pass 0 to disable staleness-based flushing.
func New(inputs []*equipment.FIFO, outCapacity int, staleAfter time.Duration) *Aggregator {
	return &Aggregator{
		inputs:     inputs,
		out:        NewDatasetQueue(outCapacity),
		pending:    make(map[Key]*Dataset),
		staleAfter: staleAfter,
	}
}

// Output returns the queue finished datasets are pushed into.
func (a *Aggregator) Output() *DatasetQueue { return a.out }

// PollOnce drains one page, if available, from every input FIFO and
// routes it into the appropriate dataset. Call repeatedly from one
// dedicated goroutine.
func (a *Aggregator) PollOnce() {
	for _, fifo := range a.inputs {
		page, ok := fifo.TryPop()
		if !ok {
			continue
		}
		a.route(page)
	}
	if a.staleAfter > 0 {
		a.FlushStale(a.staleAfter)
	}
}

func (a *Aggregator) route(page *pagepool.Container) {
	var hdr pagepool.DataBlockHeader
	pagepool.ReadHeader(page.Header(), &hdr)

	key := Key{EquipmentID: hdr.EquipmentID, LinkID: hdr.LinkID, TimeframeID: hdr.TimeframeID}

	a.mu.Lock()
	ds, ok := a.pending[key]
	if !ok {
		ds = &Dataset{Key: key, createdAt: time.Now()}
		a.pending[key] = ds
	}
	ds.Pages = append(ds.Pages, page)
	if hdr.FlagEndOfTimeframe {
		ds.LastTFMessage = true
		delete(a.pending, key)
	} else {
		ds = nil // not finished yet, nothing to flush
	}
	a.mu.Unlock()

	if ds != nil {
		a.flush(ds)
	}
}

// FlushStale force-finalizes every pending dataset older than maxAge,
// for producers that never set flagEndOfTimeframe.
func (a *Aggregator) FlushStale(maxAge time.Duration) {
	var toFlush []*Dataset
	now := time.Now()

	a.mu.Lock()
	for k, ds := range a.pending {
		if now.Sub(ds.createdAt) >= maxAge {
			toFlush = append(toFlush, ds)
			delete(a.pending, k)
		}
	}
	a.mu.Unlock()

	for _, ds := range toFlush {
		a.flush(ds)
	}
}

// flush validates the §9 "two different TFs in one dataset" invariant
// (by construction impossible via route, since Key includes TimeframeID
// — this check guards callers that build a Dataset by hand, e.g. tests)
// and pushes the dataset to the output queue, releasing its pages
// instead if the queue is full.
func (a *Aggregator) flush(ds *Dataset) {
	for _, p := range ds.Pages {
		var hdr pagepool.DataBlockHeader
		pagepool.ReadHeader(p.Header(), &hdr)
		if hdr.TimeframeID != ds.Key.TimeframeID {
			stats.Global.IncDatasetCrossTFError()
			rlog.Log(rlog.Error, logCodeCrossTF, "dataset %+v contains a page from timeframe %d, rejecting", ds.Key, hdr.TimeframeID)
			ds.Release()
			return
		}
	}
	if !a.out.TryPush(ds) {
		ds.Release()
	}
}
