package sandbox

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/dofparse"
)

// RunChild is the parser child's entire body: it reads a request from
// stdin and writes the parsed record stream to stdout, exactly the
// pipes Pool.runOnce wired up before exec. It is invoked by
// cmd/dtprobed's main() before any flag parsing or logging setup runs,
// since every one of those facilities reaches further into the system
// than the seccomp filter installed here permits. It never returns: it
// always calls os.Exit itself, so that no deferred cleanup anywhere
// else in the binary's init path can run additional syscalls after the
// filter is installed.
func RunChild() {
	helper, buf, err := readRequest(os.Stdin)
	if err != nil {
		os.Exit(2)
	}

	if os.Getenv(skipJailEnv) != "1" {
		if err := Jail(); err != nil {
			os.Exit(2)
		}
	}

	records := dofparse.Parse(helper, buf)

	enc := dof.NewEncoder(os.Stdout)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func readRequest(r *os.File) (*dof.Helper, []byte, error) {
	helperBuf := make([]byte, dof.HelperSize)
	if _, err := io.ReadFull(r, helperBuf); err != nil {
		return nil, nil, fmt.Errorf("reading helper: %w", err)
	}
	var helper dof.Helper
	if err := dof.UnmarshalHelper(helperBuf, &helper); err != nil {
		return nil, nil, err
	}

	sizeBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, nil, fmt.Errorf("reading size prefix: %w", err)
	}
	size := binary.LittleEndian.Uint64(sizeBuf)
	if size > dof.MaxSize {
		return nil, nil, fmt.Errorf("declared DOF size %d exceeds maximum", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("reading DOF buffer: %w", err)
	}

	return &helper, buf, nil
}
