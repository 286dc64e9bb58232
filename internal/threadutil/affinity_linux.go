//go:build linux

// affinity_linux.go — Linux CPU affinity via sched_setaffinity(2).
//
// Grounded on ring24/setaffinity_linux.go's pin-this-thread-to-one-core
// intent; unlike the teacher's raw syscall, this goes through
// golang.org/x/sys/unix (a teacher go.mod dependency pulled in
// transitively by go-sqlite3's build but never imported directly there)
// since the affinity call itself is cold (once per thread at startup),
// so there's no latency reason to avoid the wrapper's bookkeeping.

package threadutil

import "golang.org/x/sys/unix"

//go:nosplit
func setAffinity(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
