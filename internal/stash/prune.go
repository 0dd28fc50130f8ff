package stash

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

// PruneDead removes every dead process's registrations. This is not a
// correctness operation, only a space-waste reducer: if a pid is
// recycled between prune runs, the new process either has no DOF at
// all (the stale entries just sit there, harmless) or registers its
// own DOF and ends up reusing or extending the existing mappings.
// Anything reading the stash must independently check that a pid
// claiming a mapping still has that exact mapping at the matching
// address — this function will eventually clean up mismatches, but
// readers cannot assume that has already happened.
func (h *Handle) PruneDead() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := os.ReadDir(h.pidDir)
	if err != nil {
		return dtprobederr.Wrap("stash.PruneDead", dtprobederr.KindStashIO, err)
	}

	var pruned uint64
	for _, e := range entries {
		if !e.IsDir() || !isGenerationName(e.Name()) {
			continue
		}
		pid64, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := int32(pid64)

		if processAlive(pid) {
			continue
		}

		if err := h.removePidSubtree(pid); err != nil {
			h.log.WithPid(pid).WithError(err).Warn("pruning dead pid failed")
			continue
		}
		pruned++
	}

	h.obs.ObserveStashPrune(pruned)
	return nil
}

// processAlive reports whether pid names a live process, via the
// conventional kill(pid, 0) liveness probe.
func processAlive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}
