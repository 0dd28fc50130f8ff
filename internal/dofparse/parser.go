package dofparse

import (
	"syscall"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// Parse runs all three validation phases over buf (a fully-assembled
// DOF blob) given the helper struct that accompanied it, and returns
// either the extracted record stream or a single error record. It
// never panics on malformed input: every access into buf goes through
// a bounds check first, since buf is adversary-controlled and this
// function runs inside the seccomp jail specifically so a parsing bug
// here cannot reach outside it.
func Parse(helper *dof.Helper, buf []byte) []dof.Record {
	var hdr dof.Header
	if err := dof.UnmarshalHeader(buf, &hdr); err != nil {
		return []dof.Record{dof.NewErrorRecord(int32(syscall.EINVAL), err.Error())}
	}

	if err := validateHeader(buf, &hdr); err != nil {
		return []dof.Record{dof.NewErrorRecord(int32(syscall.EINVAL), err.Error())}
	}

	secs, err := readSectionHeaders(buf, &hdr)
	if err != nil {
		return []dof.Record{dof.NewErrorRecord(int32(syscall.EINVAL), err.Error())}
	}

	if err := relocate(buf, &hdr, secs, helper.LoadAddr); err != nil {
		return []dof.Record{dof.NewErrorRecord(int32(syscall.EINVAL), err.Error())}
	}

	records, err := extractProviders(buf, &hdr, secs, helper.ModuleName(), helper.LoadAddr)
	if err != nil {
		return []dof.Record{dof.NewErrorRecord(int32(syscall.EINVAL), err.Error())}
	}

	if records == nil {
		// A structurally valid DOF blob with no provider sections still
		// emits a single zero-probe provider record, so the host is
		// unblocked rather than waiting on a stream that never arrives.
		return []dof.Record{dof.NewProviderRecord("", 0)}
	}
	return records
}
