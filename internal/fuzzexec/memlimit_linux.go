//go:build linux

package fuzzexec

import (
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/grayfuzz/internal/fuzzlog"
)

// applyMemLimit best-effort caps the child's address space via prlimit on
// its already-running pid. This is inherently racy (the child may allocate
// before the limit lands) since os/exec offers no between-fork-and-exec
// hook; spec.md section 4.2 calls the feature best-effort and requires only
// that unsupported platforms skip it silently, which the fallback in
// memlimit_other.go satisfies.
func applyMemLimit(pid int, mb int, log *fuzzlog.OnceLogger) {
	if mb <= 0 {
		return
	}

	limit := uint64(mb) * 1024 * 1024
	lim := &unix.Rlimit{Cur: limit, Max: limit}

	if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
		log.WarnOnce("mem-limit-unsupported", "memory limit unsupported on this platform, continuing without it: %s", err)
	}
}
