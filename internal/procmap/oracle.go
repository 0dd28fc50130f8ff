// Package procmap resolves a process's memory mappings to the
// (device, inode) pairs the stash keys registrations on. It is the Go
// analogue of the reference daemon's libproc-backed map lookups, with
// the link-map walk replaced by procfs's own maps parser since no
// rtld-introspection library is in scope here.
package procmap

import (
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

// Mapping identifies the file backing a memory region, the same
// (dev, ino) pair the stash directory layout is keyed on.
type Mapping struct {
	Dev string
	Ino uint64
}

// ErrNoMapping is returned by Handle.Resolve and Handle.PrimaryText
// when no mapping satisfies the request.
var ErrNoMapping = fmt.Errorf("procmap: no matching mapping")

// MapHandle is a snapshot of one process's mappings, acquired once and
// queried as many times as a single registration attempt needs. Both
// Oracle and FakeOracle hand back a MapHandle so stash can depend on
// the interface alone.
type MapHandle interface {
	Release() error
	Resolve(addr uint64) (Mapping, error)
	PrimaryText() (Mapping, error)
}

// Oracle acquires per-process mapping handles. It holds no state of
// its own; every call reads /proc fresh, since a process's mappings
// can change between one registration attempt and the next.
type Oracle struct{}

// NewOracle returns a ready-to-use Oracle.
func NewOracle() *Oracle { return &Oracle{} }

// Handle is a snapshot of one process's mappings taken at Acquire
// time. It does not track subsequent changes to the process's address
// space; callers needing a fresh view must Acquire again.
type Handle struct {
	pid  int32
	maps []*procfs.ProcMap
}

// Acquire reads pid's current memory mappings. The returned Handle is
// a point-in-time snapshot; the caller's address space may change
// again immediately afterward, which is inherent to reading /proc and
// not something this package can close.
func (o *Oracle) Acquire(pid int32) (MapHandle, error) {
	proc, err := procfs.NewProc(int(pid))
	if err != nil {
		return nil, dtprobederr.Wrap("procmap.Acquire", dtprobederr.KindStashIO, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, dtprobederr.Wrap("procmap.Acquire", dtprobederr.KindStashIO, err)
	}
	return &Handle{pid: pid, maps: maps}, nil
}

// Release discards the snapshot. It never fails; it exists so callers
// can pair Acquire/Release symmetrically and so a future version
// backed by an open /proc/<pid>/maps file descriptor has somewhere to
// close it.
func (h *Handle) Release() error {
	h.maps = nil
	return nil
}

// Resolve returns the (dev, ino) of the file-backed mapping containing
// addr. Anonymous mappings (no backing file — inode 0) never match,
// since the stash has nothing to key a registration on without one.
func (h *Handle) Resolve(addr uint64) (Mapping, error) {
	for _, m := range h.maps {
		if addr < uint64(m.StartAddr) || addr >= uint64(m.EndAddr) {
			continue
		}
		if m.Inode == 0 {
			return Mapping{}, dtprobederr.NewForCaller("procmap.Resolve", h.pid, dtprobederr.KindStashIO, "address maps to an anonymous region")
		}
		return Mapping{Dev: m.Dev, Ino: m.Inode}, nil
	}
	return Mapping{}, dtprobederr.NewForCaller("procmap.Resolve", h.pid, dtprobederr.KindStashIO, ErrNoMapping.Error())
}

// PrimaryText returns the (dev, ino) of the process's primary text
// mapping: the first executable, file-backed region in /proc/<pid>/maps
// order, i.e. the main ELF image's load segment. This stands in for
// the reference implementation's link-map base address without a full
// rtld introspection library, exactly the narrowed contract this
// component is scoped to.
func (h *Handle) PrimaryText() (Mapping, error) {
	for _, m := range h.maps {
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		if m.Inode == 0 {
			continue
		}
		return Mapping{Dev: m.Dev, Ino: m.Inode}, nil
	}
	return Mapping{}, dtprobederr.NewForCaller("procmap.PrimaryText", h.pid, dtprobederr.KindStashIO, ErrNoMapping.Error())
}
