package dispatcher

import (
	"sync"

	"github.com/cern-alice/readoutcore/internal/aggregator"
	"github.com/cern-alice/readoutcore/internal/transport"
)

// tfBatch is everything buffered for one timeframe before being handed to
// a formatter worker: every dataset that arrived while that TF was the
// "current" one, in arrival order (§4.4: "Producer routes all datasets of
// the same TF to the same worker... Worker assignment is round-robin per
// TF, not per dataset.").
type tfBatch struct {
	tf   uint64
	sets []*aggregator.Dataset
}

// formattedBatch is one worker's output: the formatted (not yet sent)
// messages for every dataset in a tfBatch, in the same order.
type formattedBatch struct {
	tf       uint64
	messages []transport.Message
}

// batchQueue is a bounded, mutex-guarded FIFO of *tfBatch — the
// producer→worker hand-off, following the same mutex-ring discipline as
// equipment.FIFO and aggregator.DatasetQueue (§5: "otherwise mutex-
// guarded bounded queues").
type batchQueue struct {
	mu   sync.Mutex
	buf  []*tfBatch
	head int
	tail int
	n    int
}

func newBatchQueue(capacity int) *batchQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &batchQueue{buf: make([]*tfBatch, capacity)}
}

func (q *batchQueue) TryPush(b *tfBatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		return false
	}
	q.buf[q.tail] = b
	q.tail = (q.tail + 1) % len(q.buf)
	q.n++
	return true
}

func (q *batchQueue) TryPop() (*tfBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	b := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return b, true
}

func (q *batchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// resultQueue is a bounded, mutex-guarded FIFO of *formattedBatch — the
// worker→sender hand-off.
type resultQueue struct {
	mu   sync.Mutex
	buf  []*formattedBatch
	head int
	tail int
	n    int
}

func newResultQueue(capacity int) *resultQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &resultQueue{buf: make([]*formattedBatch, capacity)}
}

func (q *resultQueue) TryPush(b *formattedBatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		return false
	}
	q.buf[q.tail] = b
	q.tail = (q.tail + 1) % len(q.buf)
	q.n++
	return true
}

func (q *resultQueue) TryPop() (*formattedBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	b := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return b, true
}

func (q *resultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
