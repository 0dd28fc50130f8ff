package dofparse

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/usdt-trace/dtprobed/internal/dof"
)

// providerSectionSizeV1 and providerSectionSizeV2 are the fixed layouts
// of a DOF_SECT_PROVIDER section's body: section indices followed by a
// string-table offset for the provider's own name. Version 2 inserts
// an extra section index, for the provider's is-enabled-offsets table,
// between the regular offset index and the name.
const (
	providerSectionSizeV1 = 20
	providerSectionSizeV2 = 24
)

// Per-name byte limits enforced on every string read out of a
// provider's string table.
const (
	maxProviderNameLen = 64
	maxModuleNameLen   = 64
	maxFunctionNameLen = 128
	maxProbeNameLen    = 64
)

// maxArgTypeLen bounds a single native or translated argument type
// string, matching the native DTRACE_ARGTYPELEN.
const maxArgTypeLen = 128

type providerSection struct {
	StrTab   uint32
	Probes   uint32
	PrArgs   uint32
	ProOffs  uint32
	PrEnOffs uint32
	Name     uint32
}

func decodeProviderSection(buf []byte, version uint8) (providerSection, error) {
	size := providerSectionSizeV1
	if version != dof.Version1 {
		size = providerSectionSizeV2
	}
	if len(buf) < size {
		return providerSection{}, dof.ErrInsufficientData
	}

	prov := providerSection{
		StrTab:   binary.LittleEndian.Uint32(buf[0:4]),
		Probes:   binary.LittleEndian.Uint32(buf[4:8]),
		PrArgs:   binary.LittleEndian.Uint32(buf[8:12]),
		ProOffs:  binary.LittleEndian.Uint32(buf[12:16]),
		PrEnOffs: dof.SecNone,
	}
	if version == dof.Version1 {
		prov.Name = binary.LittleEndian.Uint32(buf[16:20])
	} else {
		prov.PrEnOffs = binary.LittleEndian.Uint32(buf[16:20])
		prov.Name = binary.LittleEndian.Uint32(buf[20:24])
	}
	return prov, nil
}

// probeEntrySize is the fixed layout of one entry in a DOF_SECT_PROBES
// section. The arg fields are decoded only to validate the bounds and
// type strings they reference: translated argument exposure is out of
// scope (see the open design question on exposing translated args), so
// none of these values ever reach an emitted record.
const probeEntrySize = 52

type probeEntry struct {
	Addr     uint64
	Func     uint32 // strtab offset
	Name     uint32 // strtab offset
	OffIdx   uint32
	NOffs    uint32
	EnOffIdx uint32
	NEnOffs  uint32
	ArgIdx   uint32
	NArgc    uint32 // native arg count
	XArgc    uint32 // translated arg count
	NArgv    uint32 // strtab offset of native arg type list
	XArgv    uint32 // strtab offset of translated arg type list
}

func decodeProbeEntry(buf []byte) (probeEntry, error) {
	if len(buf) < probeEntrySize {
		return probeEntry{}, dof.ErrInsufficientData
	}
	return probeEntry{
		Addr:     binary.LittleEndian.Uint64(buf[0:8]),
		Func:     binary.LittleEndian.Uint32(buf[8:12]),
		Name:     binary.LittleEndian.Uint32(buf[12:16]),
		OffIdx:   binary.LittleEndian.Uint32(buf[16:20]),
		NOffs:    binary.LittleEndian.Uint32(buf[20:24]),
		EnOffIdx: binary.LittleEndian.Uint32(buf[24:28]),
		NEnOffs:  binary.LittleEndian.Uint32(buf[28:32]),
		ArgIdx:   binary.LittleEndian.Uint32(buf[32:36]),
		NArgc:    binary.LittleEndian.Uint32(buf[36:40]),
		XArgc:    binary.LittleEndian.Uint32(buf[40:44]),
		NArgv:    binary.LittleEndian.Uint32(buf[44:48]),
		XArgv:    binary.LittleEndian.Uint32(buf[48:52]),
	}, nil
}

// strtabString reads a NUL-terminated string at offset within a
// string-table section's bytes, bounds-checked against the section's
// own declared size (already validated by readSectionHeaders) and
// against maxLen, the caller's limit for this particular kind of name.
func strtabString(buf []byte, sec dof.SectionHeader, offset uint32, maxLen int) (string, error) {
	if uint64(offset) >= sec.Size {
		return "", fmt.Errorf("strtab offset %d exceeds table size %d", offset, sec.Size)
	}
	start := sec.Offset + uint64(offset)
	end := start
	for end < sec.Offset+sec.Size && buf[end] != 0 {
		end++
	}
	if end >= sec.Offset+sec.Size {
		return "", fmt.Errorf("unterminated string at strtab offset %d", offset)
	}
	if int(end-start) > maxLen {
		return "", fmt.Errorf("name at strtab offset %d exceeds %d bytes", offset, maxLen)
	}
	return string(buf[start:end]), nil
}

func offsetTableEntry(buf []byte, sec dof.SectionHeader, idx uint32) (uint32, error) {
	off := sec.Offset + uint64(idx)*4
	if off+4 > sec.Offset+sec.Size {
		return 0, fmt.Errorf("offset table index %d out of bounds", idx)
	}
	return binary.LittleEndian.Uint32(buf[off : off+4]), nil
}

// sortedUniqueOffsets reads count raw entries starting at idx out of
// sec, sorts them, and rejects the result if any two entries are equal
// or out of order: after sorting, offsets must be strictly increasing.
func sortedUniqueOffsets(buf []byte, sec dof.SectionHeader, idx, count uint32) ([]uint32, error) {
	offs := make([]uint32, count)
	for k := uint32(0); k < count; k++ {
		v, err := offsetTableEntry(buf, sec, idx+k)
		if err != nil {
			return nil, err
		}
		offs[k] = v
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	for k := 1; k < len(offs); k++ {
		if offs[k] <= offs[k-1] {
			return nil, fmt.Errorf("duplicate or non-increasing offset %d", offs[k])
		}
	}
	return offs, nil
}

// validateArgTypeStrings walks count NUL-terminated type strings in
// strtabSec starting at strtab offset idx, rejecting any that is out
// of bounds or longer than maxArgTypeLen.
func validateArgTypeStrings(buf []byte, strtabSec dof.SectionHeader, idx uint32, count uint32) error {
	for k := uint32(0); k < count; k++ {
		if uint64(idx) >= strtabSec.Size {
			return fmt.Errorf("arg %d: type offset %d out of bounds", k, idx)
		}
		start := strtabSec.Offset + uint64(idx)
		end := start
		for end < strtabSec.Offset+strtabSec.Size && buf[end] != 0 {
			end++
		}
		if end >= strtabSec.Offset+strtabSec.Size {
			return fmt.Errorf("arg %d: unterminated type string", k)
		}
		typesz := end - start + 1
		if typesz > maxArgTypeLen {
			return fmt.Errorf("arg %d: type string exceeds %d bytes", k, maxArgTypeLen)
		}
		idx += uint32(typesz)
	}
	return nil
}

// validateTranslatedArgIndices checks, for each of a probe's xargc
// translated arguments, that the native argument index it names (read
// out of the args section itself) does not exceed nargc.
func validateTranslatedArgIndices(buf []byte, argSec dof.SectionHeader, argIdx, xargc, nargc uint32) error {
	for k := uint32(0); k < xargc; k++ {
		byteOff := argSec.Offset + uint64(argIdx+k)
		if byteOff >= argSec.Offset+argSec.Size {
			return fmt.Errorf("arg %d: index out of bounds", k)
		}
		if uint32(buf[byteOff]) > nargc {
			return fmt.Errorf("arg %d: native argument index %d exceeds count %d", k, buf[byteOff], nargc)
		}
	}
	return nil
}

// extractProviders is phase 3: walk every loadable provider section,
// emit a provider record followed by one probe record per probe and
// one tracepoint record per instrumentation site — a non-is-enabled
// tracepoint for each of the probe's regular offsets followed by an
// is-enabled tracepoint for each of its is-enabled offsets — mirroring
// the provider/probe/tracepoint-tagged stream the sandboxed parser
// writes out over its pipe.
func extractProviders(buf []byte, hdr *dof.Header, secs []dof.SectionHeader, module string, loadAddr uint64) ([]dof.Record, error) {
	var records []dof.Record
	version := hdr.Ident[dof.IDVersion]

	minProviderSize := providerSectionSizeV1
	if version != dof.Version1 {
		minProviderSize = providerSectionSizeV2
	}

	if len(module) > maxModuleNameLen {
		return nil, fmt.Errorf("module name %q exceeds %d bytes", module, maxModuleNameLen)
	}

	for i, sec := range secs {
		if sec.Type != dof.SecTypeProvider || sec.Flags&dof.SecFlagLoad == 0 {
			continue
		}

		if sec.Size < uint64(minProviderSize) {
			return nil, fmt.Errorf("provider section %d too small", i)
		}
		prov, err := decodeProviderSection(buf[sec.Offset:], version)
		if err != nil {
			return nil, fmt.Errorf("provider section %d: %w", i, err)
		}

		strtabSec, err := sectionAt(secs, prov.StrTab, dof.SecTypeStrTab)
		if err != nil {
			return nil, err
		}
		probesSec, err := sectionAt(secs, prov.Probes, dof.SecTypeProbes)
		if err != nil {
			return nil, err
		}
		offSec, err := sectionAt(secs, prov.ProOffs, dof.SecTypePrOffsets)
		if err != nil {
			return nil, err
		}
		argSec, err := sectionAt(secs, prov.PrArgs, dof.SecTypePrArgs)
		if err != nil {
			return nil, err
		}
		if argSec.EntSize != 1 {
			return nil, fmt.Errorf("provider section %d: args section entsize %d, want 1", i, argSec.EntSize)
		}

		var enoffSec dof.SectionHeader
		haveEnoffSec := false
		if version != dof.Version1 && prov.PrEnOffs != dof.SecNone {
			enoffSec, err = sectionAt(secs, prov.PrEnOffs, dof.SecTypePrEnOffsets)
			if err != nil {
				return nil, err
			}
			haveEnoffSec = true
		}

		name, err := strtabString(buf, strtabSec, prov.Name, maxProviderNameLen)
		if err != nil {
			return nil, fmt.Errorf("provider section %d: name: %w", i, err)
		}

		if probesSec.EntSize == 0 {
			return nil, fmt.Errorf("provider section %d: zero probe entry size", i)
		}
		nprobes := probesSec.Size / uint64(probesSec.EntSize)

		// nprobes is the raw section-derived count and is never
		// adjusted downward for probes later skipped below because
		// they carry zero tracepoints.
		records = append(records, dof.NewProviderRecord(name, nprobes))

		for p := uint64(0); p < nprobes; p++ {
			entryOff := probesSec.Offset + p*uint64(probesSec.EntSize)
			if entryOff+probeEntrySize > probesSec.Offset+probesSec.Size {
				return nil, fmt.Errorf("provider %s: probe %d out of bounds", name, p)
			}
			probe, err := decodeProbeEntry(buf[entryOff:])
			if err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: %w", name, p, err)
			}

			funcName, err := strtabString(buf, strtabSec, probe.Func, maxFunctionNameLen)
			if err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: func: %w", name, p, err)
			}
			probeName, err := strtabString(buf, strtabSec, probe.Name, maxProbeNameLen)
			if err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: name: %w", name, p, err)
			}

			if probe.OffIdx+probe.NOffs < probe.OffIdx {
				return nil, fmt.Errorf("provider %s: probe %d: offset index overflow", name, p)
			}
			if probe.EnOffIdx+probe.NEnOffs < probe.EnOffIdx {
				return nil, fmt.Errorf("provider %s: probe %d: is-enabled offset index overflow", name, p)
			}
			if !haveEnoffSec && (probe.EnOffIdx != 0 || probe.NEnOffs != 0) {
				return nil, fmt.Errorf("provider %s: probe %d: is-enabled offsets with no is-enabled section", name, p)
			}

			if probe.ArgIdx+probe.XArgc < probe.ArgIdx ||
				(uint64(probe.ArgIdx)+uint64(probe.XArgc))*uint64(argSec.EntSize) > argSec.Size {
				return nil, fmt.Errorf("provider %s: probe %d: invalid args idx %d count %d", name, p, probe.ArgIdx, probe.XArgc)
			}
			if err := validateArgTypeStrings(buf, strtabSec, probe.NArgv, probe.NArgc); err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: native arg types: %w", name, p, err)
			}
			if err := validateArgTypeStrings(buf, strtabSec, probe.XArgv, probe.XArgc); err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: translated arg types: %w", name, p, err)
			}
			if err := validateTranslatedArgIndices(buf, argSec, probe.ArgIdx, probe.XArgc, probe.NArgc); err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: translated arg indices: %w", name, p, err)
			}

			total := probe.NOffs + probe.NEnOffs
			if total == 0 {
				// A probe with no regular and no is-enabled offsets is
				// silently skipped, never emitted.
				continue
			}

			offs, err := sortedUniqueOffsets(buf, offSec, probe.OffIdx, probe.NOffs)
			if err != nil {
				return nil, fmt.Errorf("provider %s: probe %d: offsets: %w", name, p, err)
			}
			var enoffs []uint32
			if probe.NEnOffs > 0 {
				enoffs, err = sortedUniqueOffsets(buf, enoffSec, probe.EnOffIdx, probe.NEnOffs)
				if err != nil {
					return nil, fmt.Errorf("provider %s: probe %d: is-enabled offsets: %w", name, p, err)
				}
			}

			records = append(records, dof.NewProbeRecord(module, funcName, probeName, uint64(total)))

			for _, off := range offs {
				records = append(records, dof.NewTracepointRecord(loadAddr+uint64(off), false))
			}
			for _, off := range enoffs {
				records = append(records, dof.NewTracepointRecord(loadAddr+uint64(off), true))
			}
		}
	}

	return records, nil
}

func sectionAt(secs []dof.SectionHeader, idx uint32, wantType uint32) (dof.SectionHeader, error) {
	sec, err := sectionAtAny(secs, idx)
	if err != nil {
		return dof.SectionHeader{}, err
	}
	if sec.Type != wantType {
		return dof.SectionHeader{}, fmt.Errorf("section %d: expected type %d, got %d", idx, wantType, sec.Type)
	}
	return sec, nil
}

// sectionAtAny looks a section up by index without checking its type,
// used by the relocator, which applies to arbitrary target sections.
func sectionAtAny(secs []dof.SectionHeader, idx uint32) (dof.SectionHeader, error) {
	if int(idx) >= len(secs) {
		return dof.SectionHeader{}, fmt.Errorf("section index %d out of range", idx)
	}
	return secs[idx], nil
}
