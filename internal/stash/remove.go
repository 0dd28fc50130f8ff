package stash

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

// Remove deletes the registration identified by (pid, generation),
// implementing device.Stash. It decrements the hard-link refcount on
// the underlying DOF object and on every probe the mapping
// contributed, deleting either once their last reference is gone.
func (h *Handle) Remove(pid int32, generation uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pidDir := h.pidPath(pid)
	genLink := filepath.Join(pidDir, strconv.FormatUint(generation, 10))

	dname, err := h.readGenerationLink(pid, genLink)
	if err != nil {
		return err
	}

	mappingDir := filepath.Join(pidDir, dname)
	h.removeMappingProbeLinks(pid, mappingDir)

	rawLink := filepath.Join(mappingDir, "raw")
	if err := os.Remove(rawLink); err == nil {
		h.obs.ObserveStashLink(false)
	}

	if err := os.RemoveAll(mappingDir); err != nil {
		h.log.WithPid(pid).WithError(err).Warn("removing mapping directory failed")
	}

	if err := os.Remove(genLink); err != nil {
		return dtprobederr.NewForCaller("stash.Remove", pid, dtprobederr.KindStashIO, err.Error())
	}

	h.maybeDeleteOrphanDOF(dname)
	h.maybeCleanupEmptyPidDir(pidDir)

	return nil
}

// readGenerationLink resolves a generation symlink to its target DOF
// name, detecting a second daemon instance racing this one: the
// symlink's length is taken by stat, then readlinkat is asked to fill a
// buffer one byte larger than that length. If it returns exactly that
// many bytes, the symlink grew between the two calls — something only
// another dtprobed instance writing concurrently could cause, since
// this daemon's own event loop is single-threaded.
func (h *Handle) readGenerationLink(pid int32, genLink string) (string, error) {
	info, err := os.Lstat(genLink)
	if err != nil {
		return "", dtprobederr.NewForCaller("stash.Remove", pid, dtprobederr.KindStashIO, err.Error())
	}
	size := info.Size()
	buf := make([]byte, size+1)
	n, err := unix.Readlinkat(unix.AT_FDCWD, genLink, buf)
	if err != nil {
		return "", dtprobederr.NewForCaller("stash.Remove", pid, dtprobederr.KindStashIO, err.Error())
	}
	if int64(n) == size+1 {
		return "", dtprobederr.Fatal("stash.Remove", dtprobederr.KindConcurrent,
			"generation symlink grew between stat and readlink: concurrent dtprobed instance detected")
	}
	return string(buf[:n]), nil
}

// removeMappingProbeLinks unlinks the public probes/ hardlink for
// every probe this mapping's parsed/ directory names, ahead of the
// mapping directory itself being torn down.
func (h *Handle) removeMappingProbeLinks(pid int32, mappingDir string) {
	parsedDir := filepath.Join(mappingDir, "parsed")
	entries, err := os.ReadDir(parsedDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "version" {
			continue
		}
		prov, mod, fun, prb, err := splitProbespecName(e.Name())
		if err != nil {
			continue
		}
		link := filepath.Join(h.probesDir, pidDirName(pid), provPidName(prov, pid), mod, fun, prb)
		if err := os.Remove(link); err == nil {
			h.obs.ObserveStashLink(false)
		}
	}
}

// maybeDeleteOrphanDOF deletes dof/<dname> once its hard-link count
// drops to 1 — only the root copy remains, so no pid subtree
// references it any longer.
func (h *Handle) maybeDeleteOrphanDOF(dname string) {
	path := h.dofPath(dname)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	if st.Nlink <= 1 {
		os.Remove(path)
	}
}

// maybeCleanupEmptyPidDir removes a pid's next-gen/exec-mapping/pid
// directory once no generation symlink remains under it.
func (h *Handle) maybeCleanupEmptyPidDir(pidDir string) {
	entries, err := os.ReadDir(pidDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if isGenerationName(e.Name()) {
			return
		}
	}
	os.RemoveAll(pidDir)
}

func isGenerationName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// removePidSubtree purges every registration pid owns: used both by
// exec-mapping invalidation and by dead-pid pruning.
func (h *Handle) removePidSubtree(pid int32) error {
	pidDir := h.pidPath(pid)
	entries, err := os.ReadDir(pidDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return dtprobederr.NewForCaller("stash.removePidSubtree", pid, dtprobederr.KindStashIO, err.Error())
	}

	dnames := map[string]bool{}
	for _, e := range entries {
		if !isGenerationName(e.Name()) {
			continue
		}
		dname, err := os.Readlink(filepath.Join(pidDir, e.Name()))
		if err != nil {
			continue
		}
		h.removeMappingProbeLinks(pid, filepath.Join(pidDir, dname))
		dnames[dname] = true
	}

	if err := os.RemoveAll(pidDir); err != nil {
		return dtprobederr.NewForCaller("stash.removePidSubtree", pid, dtprobederr.KindStashIO, err.Error())
	}
	if err := os.RemoveAll(filepath.Join(h.probesDir, pidDirName(pid))); err != nil {
		h.log.WithPid(pid).WithError(err).Warn("cleaning up probes directory failed")
	}

	for dname := range dnames {
		h.maybeDeleteOrphanDOF(dname)
	}
	return nil
}
