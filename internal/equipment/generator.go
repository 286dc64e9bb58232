// ─────────────────────────────────────────────────────────────────────────────
// [Package]: equipment — readout equipment producer (spec.md §4.3)
//
// Generator is the capability-set abstraction of §9: "the equipment
// abstraction is a capability set {getNextBlock, prepareBlocks,
// initCounters, finalCounters, getMemoryUsage}". Concrete variants
// (DummyGenerator, PlayerFromFile) implement this interface rather than
// an equipment base class, per the spec's preference for "a tagged
// variant or vtable-style interface" — idiomatic Go reaches for the
// interface over the vtable.
// ─────────────────────────────────────────────────────────────────────────────

package equipment

import "github.com/cern-alice/readoutcore/internal/pagepool"

// PrepareStatus is the outcome of a Generator's PrepareBlocks call,
// mirroring the teacher's Thread::CallbackResult tri-state.
type PrepareStatus int

const (
	PrepareOk PrepareStatus = iota
	PrepareIdle
	PrepareError
)

// Generator produces pages for one equipment's readout loop. GetNextBlock
// is called repeatedly within one iteration's budget; PrepareBlocks is
// called once per iteration afterward to let the generator refill
// whatever internal queue backs GetNextBlock.
type Generator interface {
	// GetNextBlock returns the next prepared page, or ok=false if none is
	// ready right now. pool is the equipment's own page pool — most
	// generators acquire directly from it.
	GetNextBlock(pool *pagepool.Pool) (page *pagepool.Container, ok bool)

	// PrepareBlocks refills whatever internal queue GetNextBlock reads
	// from. Called once at the end of every loop iteration.
	PrepareBlocks() PrepareStatus

	// InitCounters and FinalCounters bracket a run (Start/Stop).
	InitCounters()
	FinalCounters()

	// GetMemoryUsage reports bytes the generator holds outside the page
	// pool, for diagnostics.
	GetMemoryUsage() uint64
}
