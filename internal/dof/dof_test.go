package dof

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestStructSizes(t *testing.T) {
	require.Equal(t, 64, int(unsafe.Sizeof(Header{})))
	require.Equal(t, 32, int(unsafe.Sizeof(SectionHeader{})))
	require.Equal(t, 64, int(unsafe.Sizeof(Helper{})))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Flags:   FlagValid,
		HdrSize: HeaderSize,
		SecSize: SectionHeaderSize,
		SecNum:  3,
		SecOff:  HeaderSize,
		LoadSz:  4096,
		FileSz:  4096,
	}
	copy(h.Ident[:], MagicBytes[:])
	h.Ident[IDModel] = ModelLP64
	h.Ident[IDEncoding] = EncodingNative
	h.Ident[IDVersion] = Version2

	buf := h.Marshal()
	require.Len(t, buf, HeaderSize)

	var got Header
	require.NoError(t, UnmarshalHeader(buf, &got))
	require.Equal(t, *h, got)
}

func TestUnmarshalHeaderInsufficientData(t *testing.T) {
	var h Header
	require.ErrorIs(t, UnmarshalHeader(make([]byte, 10), &h), ErrInsufficientData)
}

func TestSectionHeaderRoundTrip(t *testing.T) {
	s := &SectionHeader{
		Type:    SecTypeProbes,
		Align:   8,
		Flags:   SecFlagLoad,
		EntSize: 16,
		Offset:  128,
		Size:    256,
	}
	buf := s.Marshal()
	require.Len(t, buf, SectionHeaderSize)

	var got SectionHeader
	require.NoError(t, UnmarshalSectionHeader(buf, &got))
	require.Equal(t, *s, got)
}

func TestHelperModuleName(t *testing.T) {
	h := &Helper{LoadAddr: 0xdeadbeef, Pid: 4242}
	h.SetModuleName("mymodule")

	buf := h.Marshal()
	var got Helper
	require.NoError(t, UnmarshalHelper(buf, &got))
	require.Equal(t, uint64(0xdeadbeef), got.LoadAddr)
	require.Equal(t, int32(4242), got.Pid)
	require.Equal(t, "mymodule", got.ModuleName())
}

func TestHelperModuleNameTruncates(t *testing.T) {
	h := &Helper{}
	long := make([]byte, modNameLen+10)
	for i := range long {
		long[i] = 'x'
	}
	h.SetModuleName(string(long))
	require.Len(t, h.ModuleName(), modNameLen)
}

func TestRecordStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	records := []Record{
		NewProviderRecord("myprovider", 1),
		NewProbeRecord("mymodule", "myfunc", "myprobe", 2),
		NewTracepointRecord(0x1000, false),
		NewTracepointRecord(0x1040, true),
	}
	for _, r := range records {
		require.NoError(t, enc.Encode(r))
	}

	dec := NewDecoder(&buf)
	for i, want := range records {
		got, err := dec.Decode()
		require.NoError(t, err, "record %d", i)
		require.Equal(t, want, got, "record %d", i)
	}

	_, err := dec.Decode()
	require.Error(t, err)
}

func TestErrorRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(NewErrorRecord(22, "bad magic")))

	dec := NewDecoder(&buf)
	got, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, RecordError, got.Type)
	require.Equal(t, int32(22), got.Err.Errno)
	require.Equal(t, "bad magic", got.Err.Msg)
}
