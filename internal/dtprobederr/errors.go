// Package dtprobederr provides the structured error type shared across
// dtprobed's components, with errno mapping and errors.Is/As support.
package dtprobederr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind categorizes an error by which part of §7's propagation policy
// applies to it: protocol errors reset caller state, parser/stash
// errors are confined to the current registration, internal and
// duplicate-daemon errors are fatal.
type Kind string

const (
	KindProtocol      Kind = "protocol"           // malformed ioctl sequence
	KindSize          Kind = "size"               // DOF too large / OOM in parser child
	KindParserInvalid Kind = "parser validation"   // adversarial DOF rejected by the parser
	KindParserCrash   Kind = "parser crash"        // sandboxed child died or timed out
	KindStashIO       Kind = "stash io"            // filesystem mutation failed mid-registration
	KindInternal      Kind = "internal invariant"  // daemon bug, not caller error
	KindConcurrent    Kind = "concurrent daemon"   // another instance detected; fatal
)

// Error is dtprobed's structured error, carrying enough context to log
// and to categorize programmatically via errors.Is/As.
type Error struct {
	Op    string        // operation that failed, e.g. "ADDDOF", "stash.Register"
	Pid   int32         // caller pid, 0 if not applicable
	Kind  Kind          // high-level category
	Errno syscall.Errno // underlying errno, 0 if not applicable
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	switch {
	case e.Op != "" && e.Pid != 0:
		return fmt.Sprintf("dtprobed: %s (op=%s pid=%d)", msg, e.Op, e.Pid)
	case e.Op != "":
		return fmt.Sprintf("dtprobed: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("dtprobed: %s", msg)
	}
}

// Unwrap supports errors.Is/As against the wrapped error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparisons by Kind against another *Error.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a structured error with no pid/errno context.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewForCaller creates a structured error tied to a specific caller pid,
// used by the device protocol engine to reset just that caller's state.
func NewForCaller(op string, pid int32, kind Kind, msg string) *Error {
	return &Error{Op: op, Pid: pid, Kind: kind, Msg: msg}
}

// WithErrno attaches a kernel errno to an error, deriving the message
// from the errno's own text if none was set.
func WithErrno(op string, kind Kind, errno syscall.Errno) *Error {
	return &Error{Op: op, Kind: kind, Errno: errno, Msg: errno.Error()}
}

// Wrap adapts an arbitrary error into dtprobed's structured form,
// mapping syscall.Errno values to a Kind via mapErrnoToKind and
// preserving an existing *Error's Kind/Errno if the inner error is
// already one of ours.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}

	var de *Error
	if errors.As(inner, &de) {
		return &Error{Op: op, Pid: de.Pid, Kind: de.Kind, Errno: de.Errno, Msg: de.Msg, Inner: de.Inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		k := kind
		if k == "" {
			k = mapErrnoToKind(errno)
		}
		return &Error{Op: op, Kind: k, Errno: errno, Msg: errno.Error(), Inner: inner}
	}

	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToKind(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOSPC, syscall.ENOMEM, syscall.EIO, syscall.EEXIST, syscall.ENOENT:
		return KindStashIO
	case syscall.E2BIG:
		return KindSize
	case syscall.EINVAL:
		return KindProtocol
	default:
		return KindInternal
	}
}

// IsKind reports whether err is (or wraps) a dtprobederr.Error of the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// IsErrno reports whether err is (or wraps) a dtprobederr.Error
// carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}

// Fatal wraps an error that should terminate the daemon per §7
// ("Internal init or duplicate-daemon detection are fatal").
func Fatal(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}
