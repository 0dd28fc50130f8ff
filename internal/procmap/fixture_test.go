package procmap

import "github.com/prometheus/procfs"

// procMapFixture is a terser way to build procfs.ProcMap values for
// tests than repeating the upstream struct's full field set.
type procMapFixture struct {
	start, end uintptr
	exec       bool
	inode      uint64
	dev        string
}

type procMapFixtures []*procMapFixture

func (fs procMapFixtures) toProcMaps() []*procfs.ProcMap {
	out := make([]*procfs.ProcMap, 0, len(fs))
	for _, f := range fs {
		out = append(out, &procfs.ProcMap{
			StartAddr: f.start,
			EndAddr:   f.end,
			Perms:     &procfs.ProcMapPermissions{Execute: f.exec},
			Inode:     f.inode,
			Dev:       f.dev,
		})
	}
	return out
}
