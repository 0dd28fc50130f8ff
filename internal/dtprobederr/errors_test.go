package dtprobederr

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := New("ADDDOF", KindProtocol, "bad state transition")

	require.Equal(t, "ADDDOF", err.Op)
	require.Equal(t, KindProtocol, err.Kind)
	require.Equal(t, "dtprobed: bad state transition (op=ADDDOF)", err.Error())
}

func TestNewForCaller(t *testing.T) {
	err := NewForCaller("ADDDOF", 42, KindProtocol, "unexpected chunk")
	require.Equal(t, int32(42), err.Pid)
	require.Equal(t, "dtprobed: unexpected chunk (op=ADDDOF pid=42)", err.Error())
}

func TestWithErrno(t *testing.T) {
	err := WithErrno("stash.Register", KindStashIO, syscall.ENOSPC)
	require.Equal(t, syscall.ENOSPC, err.Errno)
	require.Contains(t, err.Error(), "no space left")
}

func TestWrapPreservesStructuredKind(t *testing.T) {
	inner := New("parse", KindParserInvalid, "bad magic")
	wrapped := Wrap("ADDDOF", "", inner)
	require.Equal(t, KindParserInvalid, wrapped.Kind)
	require.Equal(t, "ADDDOF", wrapped.Op)
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("stash.commitGeneration", "", syscall.ENOSPC)
	require.Equal(t, KindStashIO, wrapped.Kind)
	require.True(t, errors.Is(wrapped, syscall.ENOSPC))
}

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap("op", KindInternal, nil))
}

func TestIsKindAndIsErrno(t *testing.T) {
	err := WithErrno("op", KindSize, syscall.E2BIG)
	require.True(t, IsKind(err, KindSize))
	require.False(t, IsKind(err, KindInternal))
	require.True(t, IsErrno(err, syscall.E2BIG))
	require.False(t, IsErrno(nil, syscall.E2BIG))
}

func TestIsComparesKind(t *testing.T) {
	a := New("op-a", KindParserCrash, "timeout")
	b := &Error{Kind: KindParserCrash}
	require.True(t, errors.Is(a, b))

	c := &Error{Kind: KindStashIO}
	require.False(t, errors.Is(a, c))
}
