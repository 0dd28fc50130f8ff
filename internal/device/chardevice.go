package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Ioctl command codes the helper device recognizes, named after the
// reference implementation's DTRACEHIOC_ADDDOF/DTRACEHIOC_REMOVE.
const (
	CmdAddDOF uint32 = 1
	CmdRemove uint32 = 2
)

// requestHeaderSize is the framing dtprobed's cdev binding uses to
// read one ioctl request off the device file: command, caller pid,
// and the length of the argument bytes that follow. This is a
// simplification of CUSE's own fuse_in_header/fuse_ioctl_in framing
// (out of scope to reproduce byte-for-byte), kept deliberately
// minimal since only cmd/pid/arg matter to the state machine above.
const requestHeaderSize = 12

// CharDevice abstracts the ioctl transport so the state machine in
// Engine can run identically against a real helper device node and an
// in-memory fake used by tests, mirroring the teacher's split between
// a real io_uring-backed ring and a fake one.
type CharDevice interface {
	// NextRequest blocks until a request arrives, returning the ioctl
	// command, the calling process's pid, and any argument bytes
	// already available.
	NextRequest() (cmd uint32, pid int32, arg []byte, err error)
	// Reenter asks the framework to re-invoke the handler for the same
	// logical ioctl, this time copying in argSize bytes from the
	// caller.
	Reenter(argSize uint32) error
	// Reply completes the in-flight ioctl, copying value out to the
	// caller as its ioctl return value.
	Reply(value uint64) error
	// Fail completes the in-flight ioctl with an error.
	Fail(err error) error
	// Close releases the underlying transport.
	Close() error
}

// realCharDevice implements CharDevice over an opened character
// device node using the minimal request/reply framing above.
type realCharDevice struct {
	f *os.File
}

// OpenCharDevice opens path (e.g. /dev/dtrace/helper) for the
// request/reply protocol.
func OpenCharDevice(path string) (CharDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening helper device %s: %w", path, err)
	}
	return &realCharDevice{f: f}, nil
}

func (d *realCharDevice) NextRequest() (uint32, int32, []byte, error) {
	hdr := make([]byte, requestHeaderSize)
	if _, err := io.ReadFull(d.f, hdr); err != nil {
		return 0, 0, nil, err
	}
	cmd := binary.LittleEndian.Uint32(hdr[0:4])
	pid := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	argLen := binary.LittleEndian.Uint32(hdr[8:12])

	arg := make([]byte, argLen)
	if argLen > 0 {
		if _, err := io.ReadFull(d.f, arg); err != nil {
			return 0, 0, nil, err
		}
	}
	return cmd, pid, arg, nil
}

func (d *realCharDevice) Reenter(argSize uint32) error {
	buf := make([]byte, 5)
	buf[0] = replyReenter
	binary.LittleEndian.PutUint32(buf[1:5], argSize)
	_, err := d.f.Write(buf)
	return err
}

func (d *realCharDevice) Reply(value uint64) error {
	buf := make([]byte, 9)
	buf[0] = replyOK
	binary.LittleEndian.PutUint64(buf[1:9], value)
	_, err := d.f.Write(buf)
	return err
}

func (d *realCharDevice) Fail(ferr error) error {
	msg := []byte(ferr.Error())
	buf := make([]byte, 5+len(msg))
	buf[0] = replyError
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(msg)))
	copy(buf[5:], msg)
	_, err := d.f.Write(buf)
	return err
}

func (d *realCharDevice) Close() error { return d.f.Close() }

const (
	replyReenter byte = 1
	replyOK      byte = 2
	replyError   byte = 3
)
