package dof

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// modNameLen bounds the helper record's embedded module name so the
// whole struct stays a fixed 64 bytes, matching spec's "Helper record
// (≈64 bytes, fixed layout)".
const modNameLen = 48

// Helper is the per-load metadata a registering process sends ahead
// of its DOF buffer: the address the DOF was (or will be) loaded at,
// and the name of the module registering it. It is stored verbatim in
// the stash so a later re-parse can reconstruct addresses without the
// caller re-sending anything.
type Helper struct {
	LoadAddr uint64
	Pid      int32
	_        int32 // padding to keep ModName 8-byte aligned
	ModName  [modNameLen]byte
}

var _ [64]byte = [unsafe.Sizeof(Helper{})]byte{}

const HelperSize = 64

func (h *Helper) Marshal() []byte {
	buf := make([]byte, HelperSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.LoadAddr)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Pid))
	copy(buf[16:64], h.ModName[:])
	return buf
}

func UnmarshalHelper(data []byte, h *Helper) error {
	if len(data) < HelperSize {
		return ErrInsufficientData
	}
	h.LoadAddr = binary.LittleEndian.Uint64(data[0:8])
	h.Pid = int32(binary.LittleEndian.Uint32(data[8:12]))
	copy(h.ModName[:], data[16:64])
	return nil
}

// ModuleName returns the NUL-terminated module name as a Go string.
func (h *Helper) ModuleName() string {
	i := bytes.IndexByte(h.ModName[:], 0)
	if i < 0 {
		i = len(h.ModName)
	}
	return string(h.ModName[:i])
}

// SetModuleName copies name into ModName, truncating it if it doesn't
// fit; callers are expected to have already rejected overlong names
// at the protocol layer.
func (h *Helper) SetModuleName(name string) {
	n := copy(h.ModName[:], name)
	for i := n; i < modNameLen; i++ {
		h.ModName[i] = 0
	}
}
