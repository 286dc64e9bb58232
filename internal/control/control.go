// ─────────────────────────────────────────────────────────────────────────────
// [Package]: control — process-wide shutdown coordination (spec.md §5)
//
// Purpose:
//   - §5's cancellation model: "shutdown sets a flag (wThreadShutdown) and
//     joins each thread... shutdown must wait for the transport's
//     outstanding-message count to reach zero before destroying banks/
//     pools." This package is the flag plus the join point each equipment
//     readout thread and the aggregator loop register with before they
//     start; the dispatcher's worker/sender threads are joined by the
//     dispatcher's own handle instead.
//
// Grounded on control/control.go's global stop-flag idiom: a package
// level atomic flag every hot loop polls, set once from the signal
// handler. The teacher's paired "hot" activity flag has no analogue here
// (there is no idle-vs-active WebSocket traffic concept in a readout
// process) and is not carried over.
// ─────────────────────────────────────────────────────────────────────────────

package control

import (
	"sync"
	"sync/atomic"
)

var stop uint32

// ShutdownWG is joined by each equipment readout thread and by the
// aggregator poll loop that main starts. Each registers with Add(1)
// before starting and calls Done() once it has observed Stopped() and
// left its loop, so Wait() returning means those loops have exited. It
// does not cover the dispatcher's worker/sender threads, and it does not
// wait for pages still queued in FIFOs or for outstanding messages to be
// released.
var ShutdownWG sync.WaitGroup

// Shutdown sets the process-wide stop flag. Idempotent.
func Shutdown() { atomic.StoreUint32(&stop, 1) }

// Stopped reports whether Shutdown has been called. Polled once per
// loop iteration by every registered goroutine.
func Stopped() bool { return atomic.LoadUint32(&stop) != 0 }

// ResetForTest clears the stop flag, for test isolation only.
func ResetForTest() { atomic.StoreUint32(&stop, 0) }
