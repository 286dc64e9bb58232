// ─────────────────────────────────────────────────────────────────────────────
// [File]: worker.go — per-TF formatter worker (§4.4, §5)
//
// Grounded on ConsumerFMQchannel.cxx's wThreads pool: N formatter threads
// pull a timeframe's worth of datasets from their own input queue, format
// every part without sending, and push the result to their own output
// queue for the single sender thread to drain in round-robin order.
// ─────────────────────────────────────────────────────────────────────────────

package dispatcher

import (
	"github.com/cern-alice/readoutcore/internal/stats"
)

// worker owns one input queue of tfBatch (filled by the producer, in
// round-robin TF order) and one output queue of formattedBatch (drained
// by the sender, in the same order).
type worker struct {
	idx int
	in  *batchQueue
	out *resultQueue

	pendingOut *formattedBatch // formatted but not yet pushed — output was full
}

func newWorker(idx, inCap, outCap int) *worker {
	return &worker{idx: idx, in: newBatchQueue(inCap), out: newResultQueue(outCap)}
}

// RunOnce does at most one unit of work: either retrying a previously
// formatted batch that couldn't be pushed, or popping and formatting the
// next pending tfBatch. Returns true if it did anything, letting the
// caller decide whether to spin immediately or sleep (§5: "worker input
// queue pop spins with a short sleep when empty or when the output queue
// is full").
func (w *worker) RunOnce(d *Dispatcher) bool {
	if w.pendingOut != nil {
		if w.out.TryPush(w.pendingOut) {
			w.pendingOut = nil
			return true
		}
		stats.Global.IncOutputFull()
		return false
	}

	b, ok := w.in.TryPop()
	if !ok {
		return false
	}

	fb := &formattedBatch{tf: b.tf}
	for _, ds := range b.sets {
		msg, err := d.formatDataset(ds)
		if err != nil {
			stats.Global.IncTotalPushError()
			rlogWarnFormat(w.idx, b.tf, err)
			continue
		}
		fb.messages = append(fb.messages, msg)
	}

	if !w.out.TryPush(fb) {
		stats.Global.IncOutputFull()
		w.pendingOut = fb
	}
	return true
}
