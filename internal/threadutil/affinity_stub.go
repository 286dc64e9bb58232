//go:build !linux

// affinity_stub.go — no-op CPU affinity on platforms without
// sched_setaffinity. Grounded on ring24's setaffinity_stub.go fallback.

package threadutil

func setAffinity(cpu int) {
	// No-op: platform has no equivalent of sched_setaffinity wired here.
}
