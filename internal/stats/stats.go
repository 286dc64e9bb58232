// ─────────────────────────────────────────────────────────────────────────────
// [Package]: stats — process-wide atomic counters and per-page accounting
//
// Purpose:
//   - Implements the process-wide gReadoutStats counter block described in
//     spec.md §9 ("Global mutable state ... define as a single value with
//     atomic fields, initialized before any equipment starts and destroyed
//     after all are stopped") and the userSpace-embedded per-page
//     accounting block of §4.5.
//   - Gives the (out-of-scope) metrics-publication collaborator a single
//     Snapshot() to poll, without pulling in a metrics client library —
//     see DESIGN.md for why no ecosystem metrics package was wired here.
//
// Grounded on control/control.go's global-flag-with-atomic-fields idiom:
// package-level atomic state, accessed through small accessor functions
// rather than a passed-around pointer, because every equipment and every
// dispatcher worker in one process shares one counter block.
// ─────────────────────────────────────────────────────────────────────────────

package stats

import (
	"sync/atomic"
	"time"
)

// Counters is the process-wide readout statistics block. Every field is
// accessed only through atomic operations; do not take its address and
// read fields directly outside this package.
type Counters struct {
	// Equipment producer loop (§4.3).
	NLoop       uint64
	NIdle       uint64
	NThrottle   uint64
	NOutputFull uint64
	NBlocksOut  uint64
	NBytesOut   uint64

	// RDH processing (§4.3.1).
	RdhCheckErr       uint64
	RdhCheckStreamErr uint64

	// Memory pool (§4.2).
	PoolAcquireFail uint64

	// Dispatcher (§4.4).
	TotalPushError      uint64
	TotalPushSuccess    uint64
	DdHBFRepacked       uint64
	DdBytesCopied       uint64
	DatasetCrossTFError uint64 // §9: dataset spanning two TFs, rejected not aborted

	// Page accounting (§4.5).
	PagesPending uint64
	PayloadBytes uint64
	MemoryBytes  uint64
}

// Global is the single process-wide instance, mirroring gReadoutStats.
// Initialized at package load; equipments and dispatchers increment it
// directly rather than threading a pointer through every call.
var Global Counters

func addU64(p *uint64, delta uint64) { atomic.AddUint64(p, delta) }
func getU64(p *uint64) uint64        { return atomic.LoadUint64(p) }

func (c *Counters) IncLoop()                 { addU64(&c.NLoop, 1) }
func (c *Counters) IncIdle()                 { addU64(&c.NIdle, 1) }
func (c *Counters) IncThrottle()             { addU64(&c.NThrottle, 1) }
func (c *Counters) IncOutputFull()           { addU64(&c.NOutputFull, 1) }
func (c *Counters) AddBlocksOut(n uint64)    { addU64(&c.NBlocksOut, n) }
func (c *Counters) AddBytesOut(n uint64)     { addU64(&c.NBytesOut, n) }
func (c *Counters) IncRdhCheckErr()          { addU64(&c.RdhCheckErr, 1) }
func (c *Counters) IncRdhCheckStreamErr()    { addU64(&c.RdhCheckStreamErr, 1) }
func (c *Counters) IncPoolAcquireFail()      { addU64(&c.PoolAcquireFail, 1) }
func (c *Counters) IncTotalPushError()       { addU64(&c.TotalPushError, 1) }
func (c *Counters) IncTotalPushSuccess()     { addU64(&c.TotalPushSuccess, 1) }
func (c *Counters) IncDdHBFRepacked()        { addU64(&c.DdHBFRepacked, 1) }
func (c *Counters) AddDdBytesCopied(n uint64) { addU64(&c.DdBytesCopied, n) }
func (c *Counters) IncDatasetCrossTFError()  { addU64(&c.DatasetCrossTFError, 1) }

// Snapshot returns a point-in-time copy of all counters, safe to print or
// serialize. Fields are read independently (not under one lock), matching
// the "process-wide, atomic fields" model: a snapshot is a best-effort
// consistent view, not a transactional one.
func (c *Counters) Snapshot() Counters {
	return Counters{
		NLoop:               getU64(&c.NLoop),
		NIdle:                getU64(&c.NIdle),
		NThrottle:            getU64(&c.NThrottle),
		NOutputFull:          getU64(&c.NOutputFull),
		NBlocksOut:           getU64(&c.NBlocksOut),
		NBytesOut:            getU64(&c.NBytesOut),
		RdhCheckErr:          getU64(&c.RdhCheckErr),
		RdhCheckStreamErr:    getU64(&c.RdhCheckStreamErr),
		PoolAcquireFail:      getU64(&c.PoolAcquireFail),
		TotalPushError:       getU64(&c.TotalPushError),
		TotalPushSuccess:     getU64(&c.TotalPushSuccess),
		DdHBFRepacked:        getU64(&c.DdHBFRepacked),
		DdBytesCopied:        getU64(&c.DdBytesCopied),
		DatasetCrossTFError:  getU64(&c.DatasetCrossTFError),
		PagesPending:         getU64(&c.PagesPending),
		PayloadBytes:         getU64(&c.PayloadBytes),
		MemoryBytes:          getU64(&c.MemoryBytes),
	}
}

// Reset zeroes every counter. Used between test runs only; cmd/readoutd
// never calls it.
func (c *Counters) Reset() {
	*c = Counters{}
}

// ───────────────────────────── Page accounting (§4.5) ─────────────────────

// pageMagic guards PageAccounting against double-init and post-release
// references, as required by §4.5.
const pageMagic = 0x50474143 // "PGAC"

// PageAccounting is the POD struct embedded in each page's userSpace
// region. OnAcquire initializes it and bumps the global pending-page
// counters; OnRelease tears it down and decrements them. It is not
// safe for concurrent OnAcquire/OnRelease on the same page (pages have
// exactly one owner at a time per spec.md §3's page-state invariant), but
// concurrent reads of a live page's fields from multiple goroutines are
// fine since only the owning container mutates it.
type PageAccounting struct {
	Magic        uint32
	RefCount     uint32
	T0           time.Time
	PayloadBytes uint64
	MemoryBytes  uint64
}

// OnAcquire marks a page's accounting block live and records its initial
// sizes. global accumulates the process-wide pending/payload/memory
// counters. Calling OnAcquire twice on an already-live block (Magic set)
// only updates PayloadBytes, matching §4.5 "subsequent references only
// update payloadBytes".
func (p *PageAccounting) OnAcquire(global *Counters, payloadBytes, memoryBytes uint64) {
	if p.Magic == pageMagic {
		p.PayloadBytes = payloadBytes
		addU64(&global.PayloadBytes, payloadBytes)
		return
	}
	p.Magic = pageMagic
	p.RefCount = 1
	p.T0 = time.Now()
	p.PayloadBytes = payloadBytes
	p.MemoryBytes = memoryBytes
	addU64(&global.PagesPending, 1)
	addU64(&global.PayloadBytes, payloadBytes)
	addU64(&global.MemoryBytes, memoryBytes)
}

// OnRelease decrements the process-wide pending counters and clears the
// magic so a subsequent reference after release is detectable (a second
// OnRelease observes Magic != pageMagic and decrements nothing).
func (p *PageAccounting) OnRelease(global *Counters) time.Duration {
	if p.Magic != pageMagic {
		// Double-release or post-release reference: don't double-decrement.
		return 0
	}
	lifetime := time.Since(p.T0)
	p.Magic = 0
	addU64(&global.PagesPending, ^uint64(0)) // atomic decrement by 1
	decrBy(&global.PayloadBytes, p.PayloadBytes)
	decrBy(&global.MemoryBytes, p.MemoryBytes)
	return lifetime
}

// IsLive reports whether the magic still matches, i.e. no release has
// happened since the last OnAcquire.
func (p *PageAccounting) IsLive() bool {
	return p.Magic == pageMagic
}

func decrBy(p *uint64, n uint64) {
	atomic.AddUint64(p, ^(n - 1))
}
