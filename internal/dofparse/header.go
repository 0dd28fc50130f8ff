// Package dofparse implements the three-phase DOF validator that runs
// inside the seccomp-jailed parser child: header validation, section
// table validation plus relocation, and provider/probe extraction. Any
// phase failure aborts the whole parse and is reported as a single
// error record rather than partial output, matching the upstream
// parser's dof_slurp/dof_parse split.
package dofparse

import (
	"fmt"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// isAligned reports whether v is a multiple of align (align must be a
// power of two).
func isAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// validateHeader is phase 1: check magic, data model, encoding,
// version, instruction-set version, register counts, reserved bytes,
// flags, and that the section table fits within the buffer and is
// 8-byte aligned. It does not look at individual sections; that is
// phase 2's job.
func validateHeader(buf []byte, hdr *dof.Header) error {
	if hdr.LoadSz < dof.HeaderSize {
		return fmt.Errorf("load size %d smaller than header size %d", hdr.LoadSz, dof.HeaderSize)
	}
	if uint64(len(buf)) < hdr.LoadSz {
		return fmt.Errorf("buffer shorter than declared load size: %d < %d", len(buf), hdr.LoadSz)
	}

	if hdr.Ident[dof.IDMag0] != dof.MagicBytes[0] || hdr.Ident[dof.IDMag1] != dof.MagicBytes[1] ||
		hdr.Ident[dof.IDMag2] != dof.MagicBytes[2] || hdr.Ident[dof.IDMag3] != dof.MagicBytes[3] {
		return fmt.Errorf("DOF magic string mismatch")
	}

	model := hdr.Ident[dof.IDModel]
	if model != dof.ModelILP32 && model != dof.ModelLP64 {
		return fmt.Errorf("DOF has invalid data model: %d", model)
	}

	if hdr.Ident[dof.IDEncoding] != dof.EncodingNative {
		return fmt.Errorf("DOF encoding mismatch: %d, expected %d", hdr.Ident[dof.IDEncoding], dof.EncodingNative)
	}

	version := hdr.Ident[dof.IDVersion]
	if version != dof.Version1 && version != dof.Version2 {
		return fmt.Errorf("DOF version mismatch: %d", version)
	}

	if hdr.Ident[dof.IDDifVers] != dof.DIFVersion2 {
		return fmt.Errorf("DOF uses unsupported instruction set %d", hdr.Ident[dof.IDDifVers])
	}
	if hdr.Ident[dof.IDDifIReg] > dof.DIFDirNRegs {
		return fmt.Errorf("DOF uses too many integer registers: %d > %d", hdr.Ident[dof.IDDifIReg], dof.DIFDirNRegs)
	}
	if hdr.Ident[dof.IDDifTReg] > dof.DIFDtrNRegs {
		return fmt.Errorf("DOF uses too many tuple registers: %d > %d", hdr.Ident[dof.IDDifTReg], dof.DIFDtrNRegs)
	}

	for i := dof.IDPad; i < dof.IDSize; i++ {
		if hdr.Ident[i] != 0 {
			return fmt.Errorf("DOF has invalid ident byte set: %d = %d", i, hdr.Ident[i])
		}
	}

	if hdr.Flags&^uint32(dof.FlagValid) != 0 {
		return fmt.Errorf("DOF has invalid flag bits set: %#x", hdr.Flags)
	}

	if hdr.SecSize == 0 {
		return fmt.Errorf("zero section header size")
	}

	secLen := uint64(hdr.SecNum) * uint64(hdr.SecSize)
	if hdr.SecOff > hdr.LoadSz || secLen > hdr.LoadSz || hdr.SecOff+secLen > hdr.LoadSz {
		return fmt.Errorf("truncated section headers: off=%d total=%d len=%d", hdr.SecOff, hdr.LoadSz, secLen)
	}

	if !isAligned(hdr.SecOff, 8) {
		return fmt.Errorf("misaligned section headers")
	}
	if !isAligned(uint64(hdr.SecSize), 8) {
		return fmt.Errorf("misaligned section size")
	}

	return nil
}
