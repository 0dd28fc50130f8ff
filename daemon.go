// Package dtprobed is the public API for the USDT registration daemon:
// a thin wrapper over internal/device, internal/sandbox,
// internal/stash, and internal/procmap that an operator or an
// embedding program constructs once and runs.
package dtprobed

import (
	"fmt"
	"time"

	"github.com/usdt-trace/dtprobed/internal/device"
	"github.com/usdt-trace/dtprobed/internal/logging"
	"github.com/usdt-trace/dtprobed/internal/obsmetrics"
	"github.com/usdt-trace/dtprobed/internal/procmap"
	"github.com/usdt-trace/dtprobed/internal/sandbox"
	"github.com/usdt-trace/dtprobed/internal/stash"
)

// DefaultDevicePath is the helper device node dtprobed listens on,
// matching the reference daemon's CUSE mount point.
const DefaultDevicePath = "/dev/dtrace/helper"

// DefaultParseTimeout bounds how long a single sandboxed parse may run
// before its child is killed and, if attempts remain, restarted.
const DefaultParseTimeout = 5 * time.Second

// Config configures a Daemon. Every field has a workable zero value
// except DevicePath, which has no safe default outside of tests.
type Config struct {
	DevicePath string
	StateDir   string

	ParseTimeout time.Duration
	SkipJail     bool // for -d/debug; never set by a production invocation

	SweepInterval uint64
	MaxIdle       time.Duration

	Logger   *logging.Logger
	Metrics  *obsmetrics.Metrics
	Observer obsmetrics.Observer
}

// Daemon wires the device protocol engine to a sandboxed parser pool
// and the on-disk stash, and drives the engine's event loop.
type Daemon struct {
	engine *device.Engine
	dev    device.CharDevice
	stash  *stash.Handle
	pool   *sandbox.Pool
	log    *logging.Logger
	obs    obsmetrics.Observer
}

// New constructs a Daemon ready to Run. It opens the helper device
// node and the stash's on-disk directories, and resolves the running
// binary's own path for later parser-child re-execs — any of which
// failing is fatal to startup, matching the reference daemon's own
// init-time behavior.
func New(cfg Config) (*Daemon, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		if cfg.Metrics != nil {
			obs = obsmetrics.NewMetricsObserver(cfg.Metrics)
		} else {
			obs = obsmetrics.NoOpObserver{}
		}
	}
	parseTimeout := cfg.ParseTimeout
	if parseTimeout == 0 {
		parseTimeout = DefaultParseTimeout
	}

	dev, err := device.OpenCharDevice(cfg.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("dtprobed: opening helper device: %w", err)
	}

	pool, err := sandbox.NewPool(parseTimeout, cfg.SkipJail, log, obs)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("dtprobed: starting sandbox pool: %w", err)
	}

	st, err := stash.Open(stash.Config{
		StateDir: cfg.StateDir,
		Parser:   pool,
		Oracle:   procmap.NewOracle(),
		Logger:   log,
		Observer: obs,
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("dtprobed: opening stash: %w", err)
	}

	if err := st.Reparse(false); err != nil {
		log.WithError(err).Warn("startup reparse failed; continuing with whatever parsed state is on disk")
	}

	engine := device.NewEngine(device.Config{
		Device:        dev,
		Parser:        pool,
		Stash:         st,
		Logger:        log,
		Observer:      obs,
		SweepInterval: cfg.SweepInterval,
		MaxIdle:       cfg.MaxIdle,
	})

	return &Daemon{engine: engine, dev: dev, stash: st, pool: pool, log: log, obs: obs}, nil
}

// Run drives the engine's event loop until the device transport closes
// or errors; it does not return under normal operation.
func (d *Daemon) Run() error {
	return d.engine.Run()
}

// ForceReparse re-evaluates every stashed mapping's parsed form
// regardless of version, the daemon's response to an operator's
// SIGUSR2 in debug/test mode.
func (d *Daemon) ForceReparse() error {
	return d.stash.Reparse(true)
}

// PruneDead removes registrations belonging to processes that have
// since exited, invoked periodically by cmd/dtprobed's own ticker.
func (d *Daemon) PruneDead() error {
	return d.stash.PruneDead()
}

// Audit runs a consistency walk over the stash, for debug output and
// the test suite.
func (d *Daemon) Audit() (stash.AuditReport, error) {
	return d.stash.Audit()
}

// Close releases the helper device and the stash; the engine's Run
// loop must already have returned before calling this.
func (d *Daemon) Close() error {
	d.stash.Close()
	return d.dev.Close()
}
