package equipment

import (
	"sync"

	"github.com/cern-alice/readoutcore/internal/pagepool"
)

// FIFO is the bounded equipment→dispatcher queue of page handles (§6:
// "Equipment → Dispatcher interface: a bounded FIFO of PageContainer").
// Implemented as a mutex-guarded ring rather than a lock-free SPSC ring
// (§5: "otherwise mutex-guarded bounded queues") because container
// pointers, unlike ring24's fixed 24-byte trade records, don't fit the
// fixed-width slot layout that package assumes.
type FIFO struct {
	mu   sync.Mutex
	buf  []*pagepool.Container
	head int
	tail int
	n    int
}

// NewFIFO allocates a FIFO holding up to capacity elements.
func NewFIFO(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{buf: make([]*pagepool.Container, capacity)}
}

// TryPush pushes c, returning false without blocking if the FIFO is full
// (§6: "Producer never blocks on a full FIFO").
func (f *FIFO) TryPush(c *pagepool.Container) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == len(f.buf) {
		return false
	}
	f.buf[f.tail] = c
	f.tail = (f.tail + 1) % len(f.buf)
	f.n++
	return true
}

// TryPop pops the oldest element, or returns ok=false if empty.
func (f *FIFO) TryPop() (*pagepool.Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return nil, false
	}
	c := f.buf[f.head]
	f.buf[f.head] = nil
	f.head = (f.head + 1) % len(f.buf)
	f.n--
	return c, true
}

// Len reports the number of elements currently queued.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// IsFull reports whether the FIFO has no free slots.
func (f *FIFO) IsFull() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n == len(f.buf)
}

// Cap reports the FIFO's fixed capacity.
func (f *FIFO) Cap() int { return len(f.buf) }
