// relax.go — CPU relaxation hint for spin-wait loops.
//
// Grounded on ring24/relax_stub.go: the teacher also ships cgo-backed
// PAUSE/YIELD variants per architecture (relax_amd64.go, relax_arm64.go);
// this module keeps only the portable stub (see DESIGN.md for why the
// cgo variants were not carried over).

package threadutil

//go:nosplit
func cpuRelax() {
	// Intentionally empty: no per-architecture PAUSE/YIELD hint wired
	// here. The scheduler still preempts normally between calls.
}
