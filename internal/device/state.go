// Package device drives the per-caller ioctl state machine: callers
// register DOF by repeatedly re-entering the handler with successive
// chunks, exactly as the reference helper device implements a
// request/reply protocol instead of a single blocking call.
package device

import (
	"time"

	"github.com/google/uuid"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// State is one stage of a single caller's registration sequence.
type State int

const (
	// StateStart is both the initial state and the state every caller
	// returns to after a completed ADDDOF or a protocol error.
	StateStart State = iota
	// StateHdr has asked the caller to resend a helper struct.
	StateHdr
	// StateDofHdr has asked the caller to resend a DOF header.
	StateDofHdr
	// StateDofChunk has asked the caller for the next chunk of DOF body.
	StateDofChunk
	// StateDof has a complete DOF buffer ready for the parser.
	StateDof
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateHdr:
		return "hdr"
	case StateDofHdr:
		return "dofhdr"
	case StateDofChunk:
		return "dofchunk"
	case StateDof:
		return "dof"
	default:
		return "unknown"
	}
}

// callerState is the per-pid record threaded through repeated
// re-entries of the handler for one ADDDOF call.
type callerState struct {
	pid    int32
	state  State
	helper dof.Helper
	hdr    dof.Header

	buf    []byte
	offset uint64

	lastActive time.Time

	// correlationID tags every log line belonging to one registration
	// attempt, minted fresh whenever a caller starts a new ADDDOF
	// sequence, so a single attempt's lines can be grepped out of a
	// busy daemon's log even across re-entries.
	correlationID string
}

func newCallerState(pid int32) *callerState {
	return &callerState{pid: pid, state: StateStart}
}

func (c *callerState) beginAttempt() {
	c.correlationID = uuid.NewString()
}

// reset returns the caller to StateStart, releasing its buffer; used
// both after a successful ADDDOF and after any protocol error, since a
// caller that sent a malformed sequence gets to try again from
// scratch rather than wedging the daemon.
func (c *callerState) reset() {
	c.state = StateStart
	c.helper = dof.Helper{}
	c.hdr = dof.Header{}
	c.buf = nil
	c.offset = 0
}

// idle reports whether this caller has not advanced past StateStart
// recently enough to be worth sweeping.
func (c *callerState) idle(now time.Time, maxIdle time.Duration) bool {
	return c.state == StateStart || now.Sub(c.lastActive) > maxIdle
}
