package dof

import (
	"encoding/binary"
	"unsafe"
)

// Header must match the on-the-wire DOF header exactly (64 bytes):
//
//	struct dof_hdr {
//	  uint8_t  dofh_ident[16];
//	  uint32_t dofh_flags;
//	  uint32_t dofh_hdrsize;
//	  uint32_t dofh_secsize;
//	  uint32_t dofh_secnum;
//	  uint64_t dofh_secoff;
//	  uint64_t dofh_loadsz;
//	  uint64_t dofh_filesz;
//	  uint64_t dofh_pad;
//	};
type Header struct {
	Ident   [IDSize]byte
	Flags   uint32
	HdrSize uint32
	SecSize uint32
	SecNum  uint32
	SecOff  uint64
	LoadSz  uint64
	FileSz  uint64
	Pad     uint64
}

// Compile-time size check, matching the teacher's idiom for wire structs.
var _ [64]byte = [unsafe.Sizeof(Header{})]byte{}

// HeaderSize is sizeof(Header) as a named constant for slicing raw
// chunk buffers.
const HeaderSize = 64

func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:16], h.Ident[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Flags)
	binary.LittleEndian.PutUint32(buf[20:24], h.HdrSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.SecSize)
	binary.LittleEndian.PutUint32(buf[28:32], h.SecNum)
	binary.LittleEndian.PutUint64(buf[32:40], h.SecOff)
	binary.LittleEndian.PutUint64(buf[40:48], h.LoadSz)
	binary.LittleEndian.PutUint64(buf[48:56], h.FileSz)
	binary.LittleEndian.PutUint64(buf[56:64], h.Pad)
	return buf
}

func UnmarshalHeader(data []byte, h *Header) error {
	if len(data) < HeaderSize {
		return ErrInsufficientData
	}
	copy(h.Ident[:], data[0:16])
	h.Flags = binary.LittleEndian.Uint32(data[16:20])
	h.HdrSize = binary.LittleEndian.Uint32(data[20:24])
	h.SecSize = binary.LittleEndian.Uint32(data[24:28])
	h.SecNum = binary.LittleEndian.Uint32(data[28:32])
	h.SecOff = binary.LittleEndian.Uint64(data[32:40])
	h.LoadSz = binary.LittleEndian.Uint64(data[40:48])
	h.FileSz = binary.LittleEndian.Uint64(data[48:56])
	h.Pad = binary.LittleEndian.Uint64(data[56:64])
	return nil
}

// SectionHeader must match the on-the-wire DOF section header exactly
// (32 bytes):
//
//	struct dof_sec {
//	  uint32_t dofs_type;
//	  uint32_t dofs_align;
//	  uint32_t dofs_flags;
//	  uint32_t dofs_entsize;
//	  uint64_t dofs_offset;
//	  uint64_t dofs_size;
//	};
type SectionHeader struct {
	Type    uint32
	Align   uint32
	Flags   uint32
	EntSize uint32
	Offset  uint64
	Size    uint64
}

var _ [32]byte = [unsafe.Sizeof(SectionHeader{})]byte{}

const SectionHeaderSize = 32

func UnmarshalSectionHeader(data []byte, s *SectionHeader) error {
	if len(data) < SectionHeaderSize {
		return ErrInsufficientData
	}
	s.Type = binary.LittleEndian.Uint32(data[0:4])
	s.Align = binary.LittleEndian.Uint32(data[4:8])
	s.Flags = binary.LittleEndian.Uint32(data[8:12])
	s.EntSize = binary.LittleEndian.Uint32(data[12:16])
	s.Offset = binary.LittleEndian.Uint64(data[16:24])
	s.Size = binary.LittleEndian.Uint64(data[24:32])
	return nil
}

func (s *SectionHeader) Marshal() []byte {
	buf := make([]byte, SectionHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.Type)
	binary.LittleEndian.PutUint32(buf[4:8], s.Align)
	binary.LittleEndian.PutUint32(buf[8:12], s.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], s.EntSize)
	binary.LittleEndian.PutUint64(buf[16:24], s.Offset)
	binary.LittleEndian.PutUint64(buf[24:32], s.Size)
	return buf
}

// MarshalError describes a wire-format violation.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "dof: insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "dof: invalid type for marshaling"
)
