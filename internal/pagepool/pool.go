package pagepool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cern-alice/readoutcore/internal/rlog"
	"github.com/cern-alice/readoutcore/internal/stats"
)

const logCodeAcquireFail rlog.Code = 2001

// Stats is a point-in-time snapshot of pool occupancy (§4.2 stats()).
type Stats struct {
	TotalPages      int
	FreePages       int
	HighWaterMark   int
	AcquireFailures uint64
}

// WarningFunc is invoked (by the pool, uninhibited — callers are expected
// to rate-limit it themselves, e.g. via rlog) whenever Acquire fails.
type WarningFunc func(reason string)

// Pool is a fixed pool of pageCount pages of pageSize bytes, carved from
// a single contiguous backing byte range (typically a bank.Reservation).
// The free list is a LIFO stack for cache friendliness, per §4.2.
//
// Grounded on PooledQuantumQueue's handle-discipline: Pool never stores a
// *Container, only integer page indices, so pool and container can never
// form a reference cycle (§9).
type Pool struct {
	mu sync.Mutex

	pageSize  int
	pages     []page
	freeStack []int32

	used            int32
	highWater       int32
	acquireFailures uint64

	warnCb WarningFunc
}

// New carves backing into pageCount pages of pageSize bytes each.
// backing must be at least pageSize*pageCount bytes (typically the
// Bytes field of a bank.Reservation already shaped by firstPageOffset
// and blockAlign).
func New(backing []byte, pageSize, pageCount int) (*Pool, error) {
	need := pageSize * pageCount
	if len(backing) < need {
		return nil, fmt.Errorf("pagepool: backing range too small: have %d, need %d", len(backing), need)
	}
	if pageSize <= HeaderSize {
		return nil, fmt.Errorf("pagepool: pageSize %d must exceed header size %d", pageSize, HeaderSize)
	}
	pl := &Pool{
		pageSize:  pageSize,
		pages:     make([]page, pageCount),
		freeStack: make([]int32, pageCount),
	}
	for i := 0; i < pageCount; i++ {
		pl.pages[i].bytes = backing[i*pageSize : (i+1)*pageSize]
		pl.freeStack[i] = int32(pageCount - 1 - i) // pop order doesn't matter at init
	}
	return pl, nil
}

// SetWarningCallback installs fn to be invoked whenever Acquire fails
// (§4.2 setWarningCallback).
func (pl *Pool) SetWarningCallback(fn WarningFunc) {
	pl.mu.Lock()
	pl.warnCb = fn
	pl.mu.Unlock()
}

// Acquire returns a fresh page handle, or ok=false if the pool is empty.
// Non-blocking, per §4.2.
func (pl *Pool) Acquire() (*Container, bool) {
	pl.mu.Lock()
	n := len(pl.freeStack)
	if n == 0 {
		pl.acquireFailures++
		cb := pl.warnCb
		pl.mu.Unlock()
		if cb != nil {
			cb("pool exhausted")
		}
		rlog.Log(rlog.Warning, logCodeAcquireFail, "pagepool: acquire failed, pool exhausted")
		return nil, false
	}
	idx := pl.freeStack[n-1]
	pl.freeStack = pl.freeStack[:n-1]
	pl.pages[idx].refCount = 1
	pl.pages[idx].t0 = time.Now()
	pl.pages[idx].acct.OnAcquire(&stats.Global, uint64(len(pl.pages[idx].bytes)-HeaderSize), uint64(len(pl.pages[idx].bytes)))
	pl.pages[idx].syncUserSpace()
	used := atomic.AddInt32(&pl.used, 1)
	if used > pl.highWater {
		pl.highWater = used
	}
	pl.mu.Unlock()

	return &Container{pool: pl, pageIdx: idx, bytes: pl.pages[idx].bytes}, true
}

// GetChildBlock sub-allocates nBytes from the unconsumed tail of parent's
// usable range, returning an independent handle that keeps parent's
// underlying page alive until every child (and the parent itself) has
// released (§4.2, §9). Returns ok=false if parent is already released or
// the tail doesn't have nBytes left.
func (pl *Pool) GetChildBlock(parent *Container, nBytes int) (*Container, bool) {
	if nBytes <= 0 {
		return nil, false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if atomic.LoadInt32(&parent.released) != 0 {
		return nil, false
	}
	avail := len(parent.bytes) - int(parent.cursor)
	if nBytes > avail {
		return nil, false
	}
	start := int(parent.cursor)
	parent.cursor += int32(nBytes)
	pl.pages[parent.pageIdx].refCount++

	return &Container{
		pool:    pl,
		pageIdx: parent.pageIdx,
		bytes:   parent.bytes[start : start+nBytes],
		parent:  parent,
	}, true
}

// releasePage decrements the page's refcount and, on reaching zero,
// returns it to the free stack. Called only from Container.Release.
func (pl *Pool) releasePage(idx int32) {
	pl.mu.Lock()
	pl.pages[idx].refCount--
	if pl.pages[idx].refCount == 0 {
		pl.pages[idx].acct.OnRelease(&stats.Global)
		pl.pages[idx].syncUserSpace()
		pl.pages[idx].t0 = time.Time{}
		pl.freeStack = append(pl.freeStack, idx)
		atomic.AddInt32(&pl.used, -1)
	}
	pl.mu.Unlock()
}

// accountPayload updates idx's accounting block with a refined payload
// size, once the caller knows more than "the full page capacity" (§4.5:
// "subsequent references only update payloadBytes"). Called by
// Container.AccountPayload after a generator stamps the real DataSize
// into the header.
func (pl *Pool) accountPayload(idx int32, payloadBytes uint64) {
	pl.mu.Lock()
	pl.pages[idx].acct.OnAcquire(&stats.Global, payloadBytes, 0)
	pl.pages[idx].syncUserSpace()
	pl.mu.Unlock()
}

// Stats returns a point-in-time occupancy snapshot.
func (pl *Pool) Stats() Stats {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return Stats{
		TotalPages:      len(pl.pages),
		FreePages:       len(pl.freeStack),
		HighWaterMark:   int(pl.highWater),
		AcquireFailures: pl.acquireFailures,
	}
}

// PageSize reports the fixed page size this pool was constructed with.
func (pl *Pool) PageSize() int { return pl.pageSize }

// Container is a reference-counted handle to a page, or to a
// sub-allocated child range within one (§3 PageContainer). Copying a
// *Container shares ownership; call Release exactly once per handle you
// received from Acquire or GetChildBlock — Release is idempotent per
// handle (a second call on the same *Container is a no-op), but each
// distinct handle returned by Acquire/GetChildBlock must be released
// independently.
type Container struct {
	pool    *Pool
	pageIdx int32
	bytes   []byte
	parent  *Container // non-nil for a child allocation

	released int32
	cursor   int32 // next free offset for this handle's own children
}

// Bytes returns the handle's usable byte range: the full page (header +
// payload) for a handle from Acquire, or just the carved sub-range for a
// child from GetChildBlock.
func (c *Container) Bytes() []byte { return c.bytes }

// Header returns the in-band DataBlockHeader region. Only meaningful on
// a handle obtained directly from Acquire (a child's Bytes() does not
// include the header).
func (c *Container) Header() []byte { return c.bytes[:HeaderSize] }

// Payload returns the bytes after the in-band header.
func (c *Container) Payload() []byte { return c.bytes[HeaderSize:] }

// PageIndex identifies which physical page this handle (or its parent
// chain) refers to — stable across child allocations of the same page.
func (c *Container) PageIndex() int32 { return c.pageIdx }

// AccountPayload updates the underlying page's §4.5 accounting block
// with the real payload size once a caller (e.g. the equipment RDH
// pipeline, after it has stamped DataSize) knows it precisely. Acquire
// already recorded the full page capacity as a provisional payload size;
// this only refines that figure, it does not re-arm the pending-page
// counter.
func (c *Container) AccountPayload(payloadBytes uint64) {
	c.pool.accountPayload(c.pageIdx, payloadBytes)
}

// Release drops this handle. When it is the last outstanding reference
// to its underlying page (accounting for every child allocation still
// outstanding), the page returns to the pool's free stack.
func (c *Container) Release() {
	if !atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		return
	}
	c.pool.releasePage(c.pageIdx)
}

// Released reports whether Release has already been called on this
// specific handle.
func (c *Container) Released() bool { return atomic.LoadInt32(&c.released) != 0 }

// Retain returns a new, independently-released handle sharing c's
// underlying page and byte range. The page stays outstanding until every
// handle derived from Acquire, GetChildBlock, or Retain — including this
// new one — has released. Used where one byte range needs to back
// several independently-acked outgoing messages (the dispatcher's HBF
// fragments spanning several message parts from the same source page),
// mirroring a shared_ptr copy of a page reference.
func (c *Container) Retain() *Container {
	if atomic.LoadInt32(&c.released) != 0 {
		return nil
	}
	c.pool.mu.Lock()
	c.pool.pages[c.pageIdx].refCount++
	c.pool.mu.Unlock()
	return &Container{pool: c.pool, pageIdx: c.pageIdx, bytes: c.bytes, parent: c.parent}
}
