package dofparse

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usdt-trace/dtprobed/internal/dof"
)

// probeSpec describes one probe entry for buildDOF: its names and its
// regular and is-enabled offset lists, given in whatever order the
// test wants them laid out on the wire — buildDOF never sorts them, so
// callers can exercise both already-sorted and duplicate/out-of-order
// inputs.
type probeSpec struct {
	funcName  string
	probeName string
	offs      []uint32
	enoffs    []uint32
}

func align8(v uint64) uint64 { return (v + 7) &^ 7 }

// buildDOF assembles a DOF blob with a single provider and the given
// probes, laid out as: header, strtab, provider, probes, offsets,
// is-enabled-offsets (only present when withEnoffSection is true and
// version isn't 1), args — each 8-byte aligned.
func buildDOF(t *testing.T, version uint8, providerName string, withEnoffSection bool, probes []probeSpec) []byte {
	t.Helper()

	strtab := []byte{0}
	intern := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, append([]byte(s), 0)...)
		return off
	}
	provNameOff := intern(providerName)

	type decodedProbe struct {
		funcOff, nameOff uint32
		offs, enoffs     []uint32
	}
	decoded := make([]decodedProbe, 0, len(probes))
	for _, p := range probes {
		decoded = append(decoded, decodedProbe{
			funcOff: intern(p.funcName),
			nameOff: intern(p.probeName),
			offs:    p.offs,
			enoffs:  p.enoffs,
		})
	}

	var probesBuf, offsetsBuf, enoffsetsBuf []byte
	var offIdx, enOffIdx uint32
	for _, d := range decoded {
		entry := make([]byte, probeEntrySize)
		binary.LittleEndian.PutUint32(entry[8:12], d.funcOff)
		binary.LittleEndian.PutUint32(entry[12:16], d.nameOff)
		binary.LittleEndian.PutUint32(entry[16:20], offIdx)
		binary.LittleEndian.PutUint32(entry[20:24], uint32(len(d.offs)))
		binary.LittleEndian.PutUint32(entry[24:28], enOffIdx)
		binary.LittleEndian.PutUint32(entry[28:32], uint32(len(d.enoffs)))
		probesBuf = append(probesBuf, entry...)

		for _, off := range d.offs {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, off)
			offsetsBuf = append(offsetsBuf, b...)
		}
		offIdx += uint32(len(d.offs))

		for _, off := range d.enoffs {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, off)
			enoffsetsBuf = append(enoffsetsBuf, b...)
		}
		enOffIdx += uint32(len(d.enoffs))
	}

	haveEnoffSection := withEnoffSection && version != dof.Version1
	provSize := providerSectionSizeV1
	if version != dof.Version1 {
		provSize = providerSectionSizeV2
	}
	provBuf := make([]byte, provSize)

	nsec := uint32(5) // strtab, provider, probes, offsets, args
	if haveEnoffSection {
		nsec = 6
	}
	secOff := uint64(dof.HeaderSize)

	idx := uint32(0)
	strtabSecIdx := idx
	idx++
	provSecIdx := idx
	idx++
	probesSecIdx := idx
	idx++
	offSecIdx := idx
	idx++
	var enoffSecIdx uint32
	if haveEnoffSection {
		enoffSecIdx = idx
		idx++
	}
	argsSecIdx := idx

	binary.LittleEndian.PutUint32(provBuf[0:4], strtabSecIdx)
	binary.LittleEndian.PutUint32(provBuf[4:8], probesSecIdx)
	binary.LittleEndian.PutUint32(provBuf[8:12], argsSecIdx)
	binary.LittleEndian.PutUint32(provBuf[12:16], offSecIdx)
	if version == dof.Version1 {
		binary.LittleEndian.PutUint32(provBuf[16:20], provNameOff)
	} else {
		if haveEnoffSection {
			binary.LittleEndian.PutUint32(provBuf[16:20], enoffSecIdx)
		} else {
			binary.LittleEndian.PutUint32(provBuf[16:20], dof.SecNone)
		}
		binary.LittleEndian.PutUint32(provBuf[20:24], provNameOff)
	}

	bodyOff := secOff + uint64(nsec)*dof.SectionHeaderSize
	strtabOff := align8(bodyOff)
	provOff := align8(strtabOff + uint64(len(strtab)))
	probesOff := align8(provOff + uint64(provSize))
	offsOff := align8(probesOff + uint64(len(probesBuf)))
	var enoffsOff, argsOff uint64
	if haveEnoffSection {
		enoffsOff = align8(offsOff + uint64(len(offsetsBuf)))
		argsOff = align8(enoffsOff + uint64(len(enoffsetsBuf)))
	} else {
		argsOff = align8(offsOff + uint64(len(offsetsBuf)))
	}
	total := argsOff

	buf := make([]byte, total)

	hdr := dof.Header{
		Flags:   dof.FlagValid,
		HdrSize: dof.HeaderSize,
		SecSize: dof.SectionHeaderSize,
		SecNum:  nsec,
		SecOff:  secOff,
		LoadSz:  total,
		FileSz:  total,
	}
	copy(hdr.Ident[:], dof.MagicBytes[:])
	hdr.Ident[dof.IDModel] = dof.ModelLP64
	hdr.Ident[dof.IDEncoding] = dof.EncodingNative
	hdr.Ident[dof.IDVersion] = version
	hdr.Ident[dof.IDDifVers] = dof.DIFVersion2
	copy(buf[0:dof.HeaderSize], hdr.Marshal())

	writeSec := func(secidx uint32, secType uint32, offset, size uint64, entsize uint32) {
		sec := dof.SectionHeader{Type: secType, Align: 8, Flags: dof.SecFlagLoad, EntSize: entsize, Offset: offset, Size: size}
		at := secOff + uint64(secidx)*dof.SectionHeaderSize
		copy(buf[at:at+dof.SectionHeaderSize], sec.Marshal())
	}

	writeSec(strtabSecIdx, dof.SecTypeStrTab, strtabOff, uint64(len(strtab)), 1)
	writeSec(provSecIdx, dof.SecTypeProvider, provOff, uint64(provSize), uint32(provSize))
	writeSec(probesSecIdx, dof.SecTypeProbes, probesOff, uint64(len(probesBuf)), probeEntrySize)
	writeSec(offSecIdx, dof.SecTypePrOffsets, offsOff, uint64(len(offsetsBuf)), 4)
	if haveEnoffSection {
		writeSec(enoffSecIdx, dof.SecTypePrEnOffsets, enoffsOff, uint64(len(enoffsetsBuf)), 4)
	}
	writeSec(argsSecIdx, dof.SecTypePrArgs, argsOff, 0, 1)

	copy(buf[strtabOff:], strtab)
	copy(buf[provOff:], provBuf)
	copy(buf[probesOff:], probesBuf)
	copy(buf[offsOff:], offsetsBuf)
	if haveEnoffSection {
		copy(buf[enoffsOff:], enoffsetsBuf)
	}

	return buf
}

// singleProbeDOF builds the minimal one-provider, one-probe,
// one-tracepoint blob most tests just need a valid starting point for.
func singleProbeDOF(t *testing.T, providerName, funcName, probeName string) []byte {
	t.Helper()
	return buildDOF(t, dof.Version2, providerName, false, []probeSpec{
		{funcName: funcName, probeName: probeName, offs: []uint32{0x200}},
	})
}

func TestParseValidDOF(t *testing.T) {
	buf := singleProbeDOF(t, "myprovider", "myfunc", "myprobe")
	helper := &dof.Helper{LoadAddr: 0x400000}
	helper.SetModuleName("mymodule")

	records := Parse(helper, buf)
	require.Len(t, records, 3)

	require.Equal(t, dof.RecordProvider, records[0].Type)
	require.Equal(t, "myprovider", records[0].Provider.Name)
	require.Equal(t, uint64(1), records[0].Provider.NProbes)

	require.Equal(t, dof.RecordProbe, records[1].Type)
	require.Equal(t, "mymodule", records[1].Probe.Module)
	require.Equal(t, "myfunc", records[1].Probe.Function)
	require.Equal(t, "myprobe", records[1].Probe.Name)
	require.Equal(t, uint64(1), records[1].Probe.NTracepoints)

	require.Equal(t, dof.RecordTracepoint, records[2].Type)
	require.Equal(t, uint64(0x400000+0x200), records[2].Tracepoint.Addr)
	require.False(t, records[2].Tracepoint.IsEnabled)
}

func TestParseBadMagicReturnsSingleErrorRecord(t *testing.T) {
	buf := singleProbeDOF(t, "p", "f", "n")
	buf[0] = 0

	helper := &dof.Helper{LoadAddr: 0x1000}
	records := Parse(helper, buf)

	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseTruncatedBufferIsError(t *testing.T) {
	buf := singleProbeDOF(t, "p", "f", "n")
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf[:len(buf)-10])
	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseMisalignedSectionOffsetIsError(t *testing.T) {
	buf := singleProbeDOF(t, "p", "f", "n")
	var hdr dof.Header
	require.NoError(t, dof.UnmarshalHeader(buf, &hdr))

	// Shift the first section's (the string table's) recorded offset by
	// one byte, so it no longer satisfies its declared 8-byte alignment.
	secAt := hdr.SecOff
	var sec dof.SectionHeader
	require.NoError(t, dof.UnmarshalSectionHeader(buf[secAt:], &sec))
	sec.Offset++
	copy(buf[secAt:secAt+dof.SectionHeaderSize], sec.Marshal())

	helper := &dof.Helper{LoadAddr: 0x1000}
	records := Parse(helper, buf)
	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseEmptyProviderListEmitsZeroProbeProvider(t *testing.T) {
	buf := singleProbeDOF(t, "p", "f", "n")
	var hdr dof.Header
	require.NoError(t, dof.UnmarshalHeader(buf, &hdr))
	hdr.SecNum = 0
	copy(buf[0:dof.HeaderSize], hdr.Marshal())

	helper := &dof.Helper{LoadAddr: 0x1000}
	records := Parse(helper, buf)

	require.Len(t, records, 1)
	require.Equal(t, dof.RecordProvider, records[0].Type)
	require.Equal(t, "", records[0].Provider.Name)
	require.Equal(t, uint64(0), records[0].Provider.NProbes)
}

func TestParseEmitsIsEnabledTracepointsAfterRegularOnes(t *testing.T) {
	buf := buildDOF(t, dof.Version2, "p", true, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x10}, enoffs: []uint32{0x20}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 4)

	require.Equal(t, dof.RecordProbe, records[1].Type)
	require.Equal(t, uint64(2), records[1].Probe.NTracepoints)

	require.Equal(t, dof.RecordTracepoint, records[2].Type)
	require.Equal(t, uint64(0x1000+0x10), records[2].Tracepoint.Addr)
	require.False(t, records[2].Tracepoint.IsEnabled)

	require.Equal(t, dof.RecordTracepoint, records[3].Type)
	require.Equal(t, uint64(0x1000+0x20), records[3].Tracepoint.Addr)
	require.True(t, records[3].Tracepoint.IsEnabled)
}

func TestParseIsEnabledOffsetsWithoutSectionIsError(t *testing.T) {
	// withEnoffSection=false means no PRENOFFS section is written, but
	// the probe still declares is-enabled offsets.
	buf := buildDOF(t, dof.Version2, "p", false, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x10}, enoffs: []uint32{0x20}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseZeroTracepointProbeIsSkipped(t *testing.T) {
	buf := buildDOF(t, dof.Version2, "p", false, []probeSpec{
		{funcName: "dead", probeName: "dead"},
		{funcName: "live", probeName: "live", offs: []uint32{0x30}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 3)

	require.Equal(t, dof.RecordProvider, records[0].Type)
	// Raw section-derived count, unadjusted for the skipped probe.
	require.Equal(t, uint64(2), records[0].Provider.NProbes)

	require.Equal(t, dof.RecordProbe, records[1].Type)
	require.Equal(t, "live", records[1].Probe.Function)

	require.Equal(t, dof.RecordTracepoint, records[2].Type)
	require.Equal(t, uint64(0x1000+0x30), records[2].Tracepoint.Addr)
}

func TestParseDuplicateOffsetsAreRejected(t *testing.T) {
	buf := buildDOF(t, dof.Version2, "p", false, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x10, 0x10}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseDuplicateIsEnabledOffsetsAreRejected(t *testing.T) {
	buf := buildDOF(t, dof.Version2, "p", true, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x10}, enoffs: []uint32{0x20, 0x20}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 1)
	require.Equal(t, dof.RecordError, records[0].Type)
}

func TestParseUnsortedOffsetsAreAcceptedOnceSorted(t *testing.T) {
	buf := buildDOF(t, dof.Version2, "p", false, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x30, 0x10, 0x20}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 5) // provider, probe, 3 tracepoints

	require.Equal(t, uint64(0x1000+0x10), records[2].Tracepoint.Addr)
	require.Equal(t, uint64(0x1000+0x20), records[3].Tracepoint.Addr)
	require.Equal(t, uint64(0x1000+0x30), records[4].Tracepoint.Addr)
}

func TestParseNameLengthLimits(t *testing.T) {
	cases := []struct {
		name      string
		provider  string
		funcName  string
		probeName string
		wantError bool
	}{
		{"provider at limit", strings.Repeat("a", maxProviderNameLen), "f", "n", false},
		{"provider over limit", strings.Repeat("a", maxProviderNameLen+1), "f", "n", true},
		{"function at limit", "p", strings.Repeat("a", maxFunctionNameLen), "n", false},
		{"function over limit", "p", strings.Repeat("a", maxFunctionNameLen+1), "n", true},
		{"probe at limit", "p", "f", strings.Repeat("a", maxProbeNameLen), false},
		{"probe over limit", "p", "f", strings.Repeat("a", maxProbeNameLen+1), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := buildDOF(t, dof.Version2, tc.provider, false, []probeSpec{
				{funcName: tc.funcName, probeName: tc.probeName, offs: []uint32{0x10}},
			})
			helper := &dof.Helper{LoadAddr: 0x1000}

			records := Parse(helper, buf)
			if tc.wantError {
				require.Len(t, records, 1)
				require.Equal(t, dof.RecordError, records[0].Type)
			} else {
				require.Equal(t, dof.RecordProvider, records[0].Type)
				require.NotEqual(t, dof.RecordError, records[0].Type)
			}
		})
	}
}

func TestParseVersion1HasNoIsEnabledSupport(t *testing.T) {
	buf := buildDOF(t, dof.Version1, "p", false, []probeSpec{
		{funcName: "f", probeName: "n", offs: []uint32{0x10}},
	})
	helper := &dof.Helper{LoadAddr: 0x1000}

	records := Parse(helper, buf)
	require.Len(t, records, 3)
	require.Equal(t, dof.RecordProvider, records[0].Type)
	require.False(t, records[2].Tracepoint.IsEnabled)
}
