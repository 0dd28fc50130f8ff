package sandbox

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFilterEndsInKill(t *testing.T) {
	filter := buildFilter()
	require.NotEmpty(t, filter)
	last := filter[len(filter)-1]
	require.EqualValues(t, bpfRET, last.Code)
	require.EqualValues(t, retKillProcess, last.K)
}

func TestBuildFilterStartsWithArchCheck(t *testing.T) {
	filter := buildFilter()
	require.GreaterOrEqual(t, len(filter), 4)
	require.EqualValues(t, bpfLD|bpfW|bpfABS, filter[0].Code)
	require.EqualValues(t, offsetArch, filter[0].K)
	require.EqualValues(t, bpfJMP|bpfJEQ|bpfK, filter[1].Code)
	require.EqualValues(t, auditArchX86_64, filter[1].K)
}

// simulateBPF walks the filter the same way the kernel would for a
// given syscall number, returning the final return action; this lets
// the allowlist logic be checked without actually installing the
// filter, which requires root/CAP_SYS_ADMIN or PR_SET_NO_NEW_PRIVS.
func simulateBPF(filter []sockFilter, arch uint32, nr uint32) uint32 {
	pc := 0
	for {
		insn := filter[pc]
		switch insn.Code {
		case bpfLD | bpfW | bpfABS:
			pc++
		case bpfJMP | bpfJEQ | bpfK:
			var k uint32
			if insn.K == auditArchX86_64 {
				k = arch
			} else {
				k = nr
			}
			if k == insn.K {
				pc += 1 + int(insn.Jt)
			} else {
				pc += 1 + int(insn.Jf)
			}
		case bpfRET:
			return insn.K
		default:
			panic("unhandled opcode in simulateBPF")
		}
	}
}

func TestFilterAllowsOnlyAllowlistedSyscalls(t *testing.T) {
	filter := buildFilter()

	for _, nr := range allowedSyscalls {
		action := simulateBPF(filter, auditArchX86_64, uint32(nr))
		require.EqualValues(t, retAllow, action, "syscall %d should be allowed", nr)
	}

	disallowed := []uintptr{
		syscall.SYS_OPEN,
		syscall.SYS_OPENAT,
		syscall.SYS_CONNECT,
		syscall.SYS_EXECVE,
		syscall.SYS_FORK,
		syscall.SYS_PTRACE,
	}
	for _, nr := range disallowed {
		action := simulateBPF(filter, auditArchX86_64, uint32(nr))
		require.EqualValues(t, retKillProcess, action, "syscall %d should be killed", nr)
	}
}

func TestFilterKillsWrongArchitecture(t *testing.T) {
	filter := buildFilter()
	action := simulateBPF(filter, 0xdeadbeef, uint32(syscall.SYS_READ))
	require.EqualValues(t, retKillProcess, action)
}
