package dofparse

import (
	"encoding/binary"
	"fmt"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// relocEntrySize is the fixed layout of one entry in a relocation-table
// (SecTypeRelTab) section: which section the fixup applies to, and the
// byte offset within it of the uint64 to be rebased by ubase. Entries
// carry no relocation type: every entry is applied the same way.
const relocEntrySize = 8

// relocate walks every loadable relocation-table section and adds
// ubase to the uint64 located at each entry's target offset, exactly
// as the upstream parser's second validation pass performs
// relocations only after every section header has already been
// checked sane.
func relocate(buf []byte, hdr *dof.Header, secs []dof.SectionHeader, ubase uint64) error {
	for i, sec := range secs {
		if sec.Type != dof.SecTypeRelTab || sec.Flags&dof.SecFlagLoad == 0 {
			continue
		}
		if sec.EntSize != relocEntrySize {
			return fmt.Errorf("relocation section %d: bad entry size %d", i, sec.EntSize)
		}
		if sec.Size%relocEntrySize != 0 {
			return fmt.Errorf("relocation section %d: size %d not a multiple of entry size", i, sec.Size)
		}

		n := sec.Size / relocEntrySize
		for e := uint64(0); e < n; e++ {
			entryOff := sec.Offset + e*relocEntrySize
			targetSecIdx := binary.LittleEndian.Uint32(buf[entryOff : entryOff+4])
			targetOffset := binary.LittleEndian.Uint32(buf[entryOff+4 : entryOff+8])

			targetSec, err := sectionAtAny(secs, targetSecIdx)
			if err != nil {
				return fmt.Errorf("relocation section %d entry %d: %w", i, e, err)
			}
			if uint64(targetOffset)+8 > targetSec.Size {
				return fmt.Errorf("relocation section %d entry %d: target offset %d out of bounds", i, e, targetOffset)
			}

			addr := targetSec.Offset + uint64(targetOffset)
			val := binary.LittleEndian.Uint64(buf[addr : addr+8])
			binary.LittleEndian.PutUint64(buf[addr:addr+8], val+ubase)
		}
	}
	return nil
}
