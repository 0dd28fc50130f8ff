package device

import "fmt"

// fakeRequest is one ioctl call a test wants the engine to observe.
type fakeRequest struct {
	cmd uint32
	pid int32
	arg []byte
}

// fakeResponse records what the engine told the transport to do in
// response to the most recently delivered request.
type fakeResponse struct {
	reenterSize int
	isReenter   bool
	replied     bool
	replyValue  uint64
	failed      bool
	failErr     error
}

// FakeCharDevice is an in-memory CharDevice driven by a test: Push
// enqueues a request as if a caller had issued that ioctl, and
// LastResponse reports how the engine responded, letting a test walk
// the full ADDDOF chunking sequence one re-entry at a time without a
// real kernel device.
type FakeCharDevice struct {
	queue     []fakeRequest
	responses []fakeResponse
	closed    bool
}

func NewFakeCharDevice() *FakeCharDevice {
	return &FakeCharDevice{}
}

// Push enqueues a request to be returned by the next NextRequest call.
func (f *FakeCharDevice) Push(cmd uint32, pid int32, arg []byte) {
	f.queue = append(f.queue, fakeRequest{cmd: cmd, pid: pid, arg: arg})
}

func (f *FakeCharDevice) NextRequest() (uint32, int32, []byte, error) {
	if len(f.queue) == 0 {
		return 0, 0, nil, fmt.Errorf("fake char device: no queued requests")
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	return req.cmd, req.pid, req.arg, nil
}

func (f *FakeCharDevice) Reenter(argSize uint32) error {
	f.responses = append(f.responses, fakeResponse{isReenter: true, reenterSize: int(argSize)})
	return nil
}

func (f *FakeCharDevice) Reply(value uint64) error {
	f.responses = append(f.responses, fakeResponse{replied: true, replyValue: value})
	return nil
}

func (f *FakeCharDevice) Fail(err error) error {
	f.responses = append(f.responses, fakeResponse{failed: true, failErr: err})
	return nil
}

func (f *FakeCharDevice) Close() error {
	f.closed = true
	return nil
}

// LastResponse returns the most recent response the engine produced,
// or the zero value if none yet.
func (f *FakeCharDevice) LastResponse() fakeResponse {
	if len(f.responses) == 0 {
		return fakeResponse{}
	}
	return f.responses[len(f.responses)-1]
}

// Pending reports how many requests are still queued.
func (f *FakeCharDevice) Pending() int { return len(f.queue) }
