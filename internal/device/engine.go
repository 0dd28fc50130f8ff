package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/logging"
	"github.com/usdt-trace/dtprobed/internal/obsmetrics"
)

// DefaultSweepInterval is how many requests pass between sweeps of
// dead/idle caller state, matching the reference daemon's default.
const DefaultSweepInterval = 128

// DefaultMaxIdle bounds how long a caller may sit mid-sequence (past
// StateStart but not completing) before a sweep reclaims it anyway,
// in case a caller died between ioctls without the kill(pid, 0) probe
// catching it (e.g. pid reuse racing the sweep).
const DefaultMaxIdle = 5 * time.Minute

// Parser turns a complete DOF buffer into a record stream; satisfied
// by internal/sandbox.Pool.
type Parser interface {
	Parse(helper *dof.Helper, buf []byte) ([]dof.Record, error)
}

// Stash persists a successful parse and removes a prior registration
// by generation number; satisfied by internal/stash.Handle.
type Stash interface {
	Register(pid int32, helper *dof.Helper, raw []byte, records []dof.Record) (generation uint64, err error)
	Remove(pid int32, generation uint64) error
}

// ErrAlreadyRunning is returned by Run if called while a previous Run
// call on the same Engine is still active — the protocol's
// pid-keyed state must never be driven by more than one goroutine at
// once. This is the Go analogue of the reference daemon refusing to
// start if CUSE reports itself multithreaded.
var ErrAlreadyRunning = errors.New("device: engine already running")

// Engine drives the ADDDOF/REMOVE state machine for every caller of
// the helper device, single-threaded by construction: Run must only
// ever be invoked from one goroutine.
type Engine struct {
	dev    CharDevice
	parser Parser
	stash  Stash
	log    *logging.Logger
	obs    obsmetrics.Observer

	sweepInterval uint64
	maxIdle       time.Duration
	pidAlive      func(pid int32) bool

	callers      map[int32]*callerState
	order        []int32
	requestCount uint64

	running atomic.Bool
}

// Config configures a new Engine.
type Config struct {
	Device        CharDevice
	Parser        Parser
	Stash         Stash
	Logger        *logging.Logger
	Observer      obsmetrics.Observer
	SweepInterval uint64
	MaxIdle       time.Duration
}

func NewEngine(cfg Config) *Engine {
	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}
	maxIdle := cfg.MaxIdle
	if maxIdle == 0 {
		maxIdle = DefaultMaxIdle
	}
	obs := cfg.Observer
	if obs == nil {
		obs = obsmetrics.NoOpObserver{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		dev:           cfg.Device,
		parser:        cfg.Parser,
		stash:         cfg.Stash,
		log:           log,
		obs:           obs,
		sweepInterval: sweepInterval,
		maxIdle:       maxIdle,
		pidAlive:      defaultPidAlive,
		callers:       make(map[int32]*callerState),
	}
}

func defaultPidAlive(pid int32) bool {
	return unix.Kill(int(pid), 0) == nil
}

// Run drives the engine's event loop until NextRequest returns an
// error (the transport closing is the only expected exit).
func (e *Engine) Run() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	for {
		if err := e.Run1(); err != nil {
			return err
		}
	}
}

// Run1 processes exactly one ioctl request off the transport. It is
// the unit Run loops over; exposed separately so tests can drive the
// state machine one re-entry at a time without a background goroutine.
func (e *Engine) Run1() error {
	cmd, pid, arg, err := e.dev.NextRequest()
	if err != nil {
		return err
	}
	e.handle(cmd, pid, arg)

	e.requestCount++
	if e.requestCount%e.sweepInterval == 0 {
		e.sweep()
	}
	return nil
}

func (e *Engine) handle(cmd uint32, pid int32, arg []byte) {
	switch cmd {
	case CmdAddDOF:
		e.handleAddDOF(pid, arg)
	case CmdRemove:
		e.handleRemove(pid, arg)
	default:
		_ = e.dev.Fail(fmt.Errorf("invalid ioctl command %d", cmd))
	}
}

func (e *Engine) getCaller(pid int32) *callerState {
	cs, ok := e.callers[pid]
	if !ok {
		cs = newCallerState(pid)
		e.callers[pid] = cs
		e.order = append(e.order, pid)
	}
	return cs
}

func (e *Engine) protocolError(cs *callerState, msg string) {
	e.log.WithPid(cs.pid).WithCorrelationID(cs.correlationID).WithField("state", cs.state.String()).Warn(msg)
	if cs.state != StateStart {
		e.obs.ObserveCallerFinished()
	}
	cs.reset()
	e.obs.ObserveRegister(false)
	_ = e.dev.Fail(fmt.Errorf("%s", msg))
}

func (e *Engine) handleAddDOF(pid int32, arg []byte) {
	cs := e.getCaller(pid)
	cs.lastActive = time.Now()

	switch cs.state {
	case StateStart:
		cs.beginAttempt()
		e.obs.ObserveCallerStarted()
		cs.state = StateHdr
		_ = e.dev.Reenter(dof.HelperSize)

	case StateHdr:
		if len(arg) != dof.HelperSize {
			e.protocolError(cs, "expected helper struct of fixed size")
			return
		}
		if err := dof.UnmarshalHelper(arg, &cs.helper); err != nil {
			e.protocolError(cs, "malformed helper struct")
			return
		}
		cs.state = StateDofHdr
		_ = e.dev.Reenter(dof.HeaderSize)

	case StateDofHdr:
		if len(arg) != dof.HeaderSize {
			e.protocolError(cs, "expected DOF header of fixed size")
			return
		}
		if err := dof.UnmarshalHeader(arg, &cs.hdr); err != nil {
			e.protocolError(cs, "malformed DOF header")
			return
		}
		if cs.hdr.LoadSz < dof.HeaderSize || cs.hdr.LoadSz > dof.MaxSize {
			e.protocolError(cs, "DOF load size out of bounds")
			return
		}

		cs.buf = make([]byte, cs.hdr.LoadSz)
		copy(cs.buf, arg)
		cs.offset = dof.HeaderSize

		if cs.offset >= cs.hdr.LoadSz {
			e.finishDOF(cs)
			return
		}
		cs.state = StateDofChunk
		_ = e.dev.Reenter(uint32(cs.nextChunkSize()))

	case StateDofChunk:
		want := cs.nextChunkSize()
		if uint64(len(arg)) != want {
			e.protocolError(cs, "unexpected DOF chunk size")
			return
		}
		copy(cs.buf[cs.offset:], arg)
		cs.offset += uint64(len(arg))
		e.obs.ObserveChunk(uint64(len(arg)))

		if cs.offset >= cs.hdr.LoadSz {
			e.finishDOF(cs)
			return
		}
		cs.state = StateDofChunk
		_ = e.dev.Reenter(uint32(cs.nextChunkSize()))

	default:
		e.protocolError(cs, "ADDDOF received while a previous one is still processing")
	}
}

// nextChunkSize computes how many more bytes of DOF body to request,
// capped at dof.ChunkSize, matching the header-directed chunking the
// protocol engine negotiates once the declared load size is known.
func (c *callerState) nextChunkSize() uint64 {
	remaining := c.hdr.LoadSz - c.offset
	if remaining > dof.ChunkSize {
		return dof.ChunkSize
	}
	return remaining
}

func (e *Engine) finishDOF(cs *callerState) {
	cs.state = StateDof

	records, err := e.parser.Parse(&cs.helper, cs.buf)
	if err != nil {
		e.log.WithPid(cs.pid).WithCorrelationID(cs.correlationID).WithError(err).Warn("sandboxed parse failed")
		e.obs.ObserveRegister(false)
		e.obs.ObserveCallerFinished()
		cs.reset()
		_ = e.dev.Fail(err)
		return
	}
	if len(records) == 1 && records[0].Type == dof.RecordError {
		e.obs.ObserveRegister(false)
		e.obs.ObserveCallerFinished()
		cs.reset()
		_ = e.dev.Fail(fmt.Errorf("DOF rejected: %s", records[0].Err.Msg))
		return
	}

	generation, err := e.stash.Register(cs.pid, &cs.helper, cs.buf, records)
	e.obs.ObserveCallerFinished()
	if err != nil {
		e.obs.ObserveRegister(false)
		cs.reset()
		_ = e.dev.Fail(fmt.Errorf("persisting registration: %w", err))
		return
	}

	e.obs.ObserveRegister(true)
	cs.reset()
	_ = e.dev.Reply(generation)
}

func (e *Engine) handleRemove(pid int32, arg []byte) {
	if len(arg) != 8 {
		_ = e.dev.Reenter(8)
		return
	}
	generation := decodeUint64LE(arg)

	if err := e.stash.Remove(pid, generation); err != nil {
		e.obs.ObserveRemove(false)
		_ = e.dev.Fail(fmt.Errorf("removing generation %d: %w", generation, err))
		return
	}
	e.obs.ObserveRemove(true)
	_ = e.dev.Reply(generation)
}

func decodeUint64LE(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// sweep removes caller state for pids that are at StateStart, have sat
// mid-sequence for longer than maxIdle, or no longer exist, walking callers in
// insertion order so the oldest entries are checked first — the Go
// analogue of the reference daemon's descending-pid-ordered list walk.
func (e *Engine) sweep() {
	kept := e.order[:0]
	removed := uint64(0)
	now := time.Now()

	for _, pid := range e.order {
		cs, ok := e.callers[pid]
		if !ok {
			continue
		}
		if cs.idle(now, e.maxIdle) || !e.pidAlive(pid) {
			if cs.state != StateStart {
				e.obs.ObserveCallerFinished()
			}
			delete(e.callers, pid)
			removed++
			continue
		}
		kept = append(kept, pid)
	}
	e.order = kept

	if removed > 0 {
		e.log.WithField("removed", removed).Debug("swept dead/idle caller state")
	}
}
