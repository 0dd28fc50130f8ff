package procmap

import "github.com/usdt-trace/dtprobed/internal/dtprobederr"

// FakeOracle is an in-memory stand-in for Oracle, letting tests of
// exec-mapping invalidation control exactly what a pid's mappings
// resolve to without a real /proc.
type FakeOracle struct {
	// ByPid maps a pid to the mapping Resolve/PrimaryText should
	// return for it. A pid absent from this map causes Acquire to
	// fail, mirroring a process that has already exited.
	ByPid map[int32]Mapping
}

// NewFakeOracle returns a FakeOracle with an empty mapping table.
func NewFakeOracle() *FakeOracle {
	return &FakeOracle{ByPid: make(map[int32]Mapping)}
}

// Set records the mapping pid's address space should resolve to.
func (o *FakeOracle) Set(pid int32, m Mapping) {
	o.ByPid[pid] = m
}

// Acquire implements the same contract as Oracle.Acquire against the
// fake's table.
func (o *FakeOracle) Acquire(pid int32) (MapHandle, error) {
	m, ok := o.ByPid[pid]
	if !ok {
		return nil, dtprobederr.NewForCaller("procmap.Acquire", pid, dtprobederr.KindStashIO, "no such process")
	}
	return &FakeHandle{pid: pid, mapping: m}, nil
}

// FakeHandle is the fake's Handle analogue: every address resolves to
// the single mapping configured for its pid, since tests care about
// whether a mapping changed between registrations, not about modeling
// multiple distinct regions.
type FakeHandle struct {
	pid     int32
	mapping Mapping
	closed  bool
}

func (h *FakeHandle) Release() error {
	h.closed = true
	return nil
}

func (h *FakeHandle) Resolve(addr uint64) (Mapping, error) {
	return h.mapping, nil
}

func (h *FakeHandle) PrimaryText() (Mapping, error) {
	return h.mapping, nil
}
