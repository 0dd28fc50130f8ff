// Package dof defines the wire format exchanged between a registering
// process and dtprobed: the DOF (DTrace Object Format) header and
// section table it receives over chunked ioctls, and the tagged
// record stream the sandboxed parser emits back to the host.
package dof

// MaxSize is the largest DOF blob dtprobed will accept in a single
// registration; the kernel equivalent refuses anything larger to
// bound how much memory an adversarial caller can force the daemon to
// allocate.
const MaxSize = 512 * 1024 * 1024

// ChunkSize is the size of each ioctl chunk a caller transfers a DOF
// blob in; large DOF is always chunked rather than mapped in one
// shot, matching the host-vs-caller transport in DOF_PARSED_VERSION's
// consumer, dof_parser_host.c.
const ChunkSize = 64 * 1024

// Identification-block byte offsets (dofh_ident[DOF_ID_SIZE]).
const (
	IDMag0    = 0
	IDMag1    = 1
	IDMag2    = 2
	IDMag3    = 3
	IDModel   = 4
	IDEncoding = 5
	IDVersion = 6
	IDDifVers = 7
	IDDifIReg = 8
	IDDifTReg = 9
	IDPad     = 10
	IDSize    = 16
)

// MagicBytes are the four leading identification bytes every valid
// DOF blob must carry.
var MagicBytes = [4]byte{0x7f, 'D', 'O', 'F'}

// Data model and encoding identification values.
const (
	ModelILP32 = 1
	ModelLP64  = 2

	EncodingNative = 1
)

// Format versions this parser accepts.
const (
	Version1 = 1
	Version2 = 2
)

// DIF (D Intermediate Format) constraints referenced from the
// identification block.
const (
	DIFVersion2  = 2
	DIFDirNRegs  = 8
	DIFDtrNRegs  = 8
)

// Header flag bits; anything outside this mask is rejected.
const (
	FlagValid = 0x1
)

// Section types dtprobed cares about; others are skipped but not
// rejected, mirroring the original parser's selective section walk.
const (
	SecTypeNone        = 0
	SecTypeProvider    = 1
	SecTypeProbes      = 2
	SecTypePrArgs      = 3
	SecTypePrOffsets   = 4
	SecTypeStrTab      = 5
	SecTypeRelTab      = 6
	SecTypeURelHdr     = 7
	SecTypePrEnOffsets = 8
)

// SecNone marks an optional section reference (a provider's args or
// is-enabled-offsets section index) as absent.
const SecNone = 0xffffffff

// Section flags.
const (
	SecFlagLoad = 0x1
)

// ParsedVersion is written as a single 64-bit word at the start of any
// file consisting of an array of Record values; it has no equivalent
// prefix on the live stream coming out of the sandboxed parser, only
// on values dtprobed persists to the stash as parsed/<record>.
const ParsedVersion = 1
