// Package stash implements dtprobed's on-disk DOF persistence layer:
// a hard-link-refcounted store rooted at a state directory, keyed by
// the (device, inode) of the ELF mapping a DOF object was loaded from
// and by the registering process's pid and generation counter.
//
// All global mutable state the reference implementation keeps as three
// bare directory file descriptors is instead carried explicitly on
// Handle, constructed once at startup and threaded everywhere else —
// the pattern this package's design notes call for.
package stash

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
	"github.com/usdt-trace/dtprobed/internal/logging"
	"github.com/usdt-trace/dtprobed/internal/obsmetrics"
	"github.com/usdt-trace/dtprobed/internal/procmap"
)

// DefaultStateDir matches the reference daemon's default, used when no
// -s flag overrides it.
const DefaultStateDir = "/run/dtrace"

// Parser re-parses a stashed raw DOF buffer; satisfied by
// internal/sandbox.Pool, structurally identical to device.Parser so
// both packages can depend on sandbox.Pool without depending on each
// other.
type Parser interface {
	Parse(helper *dof.Helper, buf []byte) ([]dof.Record, error)
}

// MapOracle acquires a process's memory-mapping snapshot; satisfied by
// *procmap.Oracle and *procmap.FakeOracle.
type MapOracle interface {
	Acquire(pid int32) (procmap.MapHandle, error)
}

// Config configures a Handle.
type Config struct {
	StateDir string
	Parser   Parser
	Oracle   MapOracle
	Logger   *logging.Logger
	Observer obsmetrics.Observer
}

// Handle is the stash's single entry point, holding the three rooted
// directories (dof/, dof-pid/, probes/) the reference implementation
// keeps as bare fds.
type Handle struct {
	root      string
	dofDir    string
	pidDir    string
	probesDir string

	parser Parser
	oracle MapOracle
	log    *logging.Logger
	obs    obsmetrics.Observer

	// mu serializes mutation across Register/Remove/Prune/Reparse: the
	// device engine itself is single-threaded, but a force-reparse can
	// be triggered from a signal handler running on its own goroutine.
	mu sync.Mutex
}

// Open creates (if needed) the stash directory tree rooted at
// cfg.StateDir (defaulting to DefaultStateDir) and returns a ready
// Handle.
func Open(cfg Config) (*Handle, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = obsmetrics.NoOpObserver{}
	}

	h := &Handle{
		root:      stateDir,
		dofDir:    filepath.Join(stateDir, "stash", "dof"),
		pidDir:    filepath.Join(stateDir, "stash", "dof-pid"),
		probesDir: filepath.Join(stateDir, "probes"),
		parser:    cfg.Parser,
		oracle:    cfg.Oracle,
		log:       log,
		obs:       obs,
	}

	for _, dir := range []string{h.dofDir, h.pidDir, h.probesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dtprobederr.Wrap("stash.Open", dtprobederr.KindStashIO, fmt.Errorf("creating %s: %w", dir, err))
		}
	}
	return h, nil
}

// Close releases nothing today — Handle holds paths, not descriptors —
// but is kept so callers can treat it symmetrically with sandbox.Pool
// and device.CharDevice.
func (h *Handle) Close() error { return nil }

func (h *Handle) pidPath(pid int32, elems ...string) string {
	parts := append([]string{h.pidDir, pidDirName(pid)}, elems...)
	return filepath.Join(parts...)
}

func (h *Handle) dofPath(name string) string {
	return filepath.Join(h.dofDir, name)
}

func (h *Handle) probesPidPath(pid int32, elems ...string) string {
	parts := append([]string{h.probesDir, pidDirName(pid)}, elems...)
	return filepath.Join(parts...)
}

func pidDirName(pid int32) string {
	return fmt.Sprintf("%d", pid)
}
