package dofparse

import (
	"fmt"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// isLoadable reports whether a section type is one the loader places
// into the target address space, as opposed to purely descriptive
// metadata sections.
func isLoadable(secType uint32) bool {
	switch secType {
	case dof.SecTypeProvider, dof.SecTypeProbes, dof.SecTypePrArgs,
		dof.SecTypePrOffsets, dof.SecTypePrEnOffsets, dof.SecTypeStrTab:
		return true
	default:
		return false
	}
}

// readSectionHeaders decodes the section table into memory, bounds
// checking each entry's location within buf before ever touching its
// contents, and locates relocatable sections so relocate can adjust
// them in a second pass — exactly the two-pass structure the upstream
// validator uses to ensure every section header is sane before any of
// them are dereferenced.
func readSectionHeaders(buf []byte, hdr *dof.Header) ([]dof.SectionHeader, error) {
	secs := make([]dof.SectionHeader, hdr.SecNum)

	for i := uint32(0); i < hdr.SecNum; i++ {
		off := hdr.SecOff + uint64(i)*uint64(hdr.SecSize)
		if off+dof.SectionHeaderSize > uint64(len(buf)) {
			return nil, fmt.Errorf("section %d header out of bounds", i)
		}

		var sec dof.SectionHeader
		if err := dof.UnmarshalSectionHeader(buf[off:], &sec); err != nil {
			return nil, fmt.Errorf("section %d: %w", i, err)
		}

		if isLoadable(sec.Type) && sec.Flags&dof.SecFlagLoad == 0 {
			return nil, fmt.Errorf("loadable section %d with load flag unset", i)
		}
		if sec.Flags&dof.SecFlagLoad == 0 {
			secs[i] = sec
			continue
		}

		if sec.Align == 0 || sec.Align&(sec.Align-1) != 0 {
			return nil, fmt.Errorf("bad section %d alignment %#x", i, sec.Align)
		}
		if sec.Offset&(uint64(sec.Align)-1) != 0 {
			return nil, fmt.Errorf("misaligned section %d: %#x, stated alignment %#x", i, sec.Offset, sec.Align)
		}
		if sec.Offset > hdr.LoadSz || sec.Size > hdr.LoadSz || sec.Offset+sec.Size > hdr.LoadSz {
			return nil, fmt.Errorf("corrupt section %d header: offset=%#x size=%#x len=%#x", i, sec.Offset, sec.Size, hdr.LoadSz)
		}

		if sec.Type == dof.SecTypeStrTab {
			if sec.Size == 0 || buf[sec.Offset+sec.Size-1] != 0 {
				return nil, fmt.Errorf("section %d: non-0-terminated string table", i)
			}
		}

		secs[i] = sec
	}

	return secs, nil
}
