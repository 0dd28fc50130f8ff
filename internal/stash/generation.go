package stash

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

const nextGenFile = "next-gen"

// allocateGeneration hands out the next generation number for pid as
// a single ftruncate on a sparse file whose length IS the counter: the
// returned value is the file's length before the truncate, and the
// truncate to length+1 is the only write, so a crash between "compute"
// and "use" cannot double-allocate a generation.
func allocateGeneration(pidDir string, pid int32) (uint64, error) {
	path := fmt.Sprintf("%s/%s", pidDir, nextGenFile)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.allocateGeneration", pid, dtprobederr.KindStashIO, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.allocateGeneration", pid, dtprobederr.KindStashIO, err.Error())
	}
	gen := uint64(info.Size())

	if err := unix.Ftruncate(int(f.Fd()), int64(gen+1)); err != nil {
		return 0, dtprobederr.NewForCaller("stash.allocateGeneration", pid, dtprobederr.KindStashIO, err.Error())
	}
	return gen, nil
}
