package stash

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/procmap"
)

func testHandle(t *testing.T, oracle *procmap.FakeOracle) *Handle {
	t.Helper()
	h, err := Open(Config{
		StateDir: t.TempDir(),
		Oracle:   oracle,
	})
	require.NoError(t, err)
	return h
}

func sampleRecords() []dof.Record {
	return []dof.Record{
		dof.NewProviderRecord("myprov", 1),
		dof.NewProbeRecord("mymod", "myfunc", "myprobe", 2),
		dof.NewTracepointRecord(0x1000, true),
		dof.NewTracepointRecord(0x1010, false),
	}
}

func sampleOracle() *procmap.FakeOracle {
	o := procmap.NewFakeOracle()
	o.Set(1234, procmap.Mapping{Dev: "8:1", Ino: 100})
	return o
}

func TestRegisterCreatesRawDOFAndParsedProbe(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	gen, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)
	require.Equal(t, uint64(0), gen)

	dname := dofName("8:1", 100)
	raw, err := os.ReadFile(h.dofPath(dname))
	require.NoError(t, err)
	require.Equal(t, "rawdof", string(raw))

	probeLink := filepath.Join(h.probesDir, "1234", "myprov1234", "mymod", "myfunc", "myprobe")
	_, err = os.Stat(probeLink)
	require.NoError(t, err)

	versionPath := filepath.Join(h.pidDir, "1234", dname, "parsed", "version")
	versionBytes, err := os.ReadFile(versionPath)
	require.NoError(t, err)
	require.Equal(t, uint64(dof.ParsedVersion), binary.LittleEndian.Uint64(versionBytes))
}

func TestRegisterIsIdempotentForSameMapping(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	gen1, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	gen2, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)
	require.NotEqual(t, gen1, gen2, "each registration still gets its own generation")

	dname := dofName("8:1", 100)
	raw, err := os.ReadFile(h.dofPath(dname))
	require.NoError(t, err)
	require.Equal(t, "rawdof", string(raw), "second registration must not rewrite the raw DOF")
}

func TestRegisterZeroTracepointProbeIsSkipped(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	records := []dof.Record{
		dof.NewProviderRecord("myprov", 1),
		dof.NewProbeRecord("mymod", "myfunc", "myprobe", 0),
	}

	gen, err := h.Register(1234, helper, []byte("rawdof"), records)
	require.NoError(t, err)

	dname := dofName("8:1", 100)
	parsedDir := filepath.Join(h.pidDir, "1234", dname, "parsed")
	entries, err := os.ReadDir(parsedDir)
	require.NoError(t, err)
	for _, e := range entries {
		require.Equal(t, "version", e.Name(), "no parsed file should exist for a zero-tracepoint probe")
	}
	require.Equal(t, uint64(0), gen)
}

func TestRemoveUnlinksRawAndProbeOnLastReference(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	gen, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	dname := dofName("8:1", 100)
	require.NoError(t, h.Remove(1234, gen))

	_, err = os.Stat(h.dofPath(dname))
	require.True(t, os.IsNotExist(err), "root DOF object should be gone once its only reference is removed")

	_, err = os.Stat(filepath.Join(h.pidDir, "1234"))
	require.True(t, os.IsNotExist(err), "pid directory should be cleaned up once it has no generations left")

	probeLink := filepath.Join(h.probesDir, "1234", "myprov1234", "mymod", "myfunc", "myprobe")
	_, err = os.Stat(probeLink)
	require.True(t, os.IsNotExist(err))
}

func TestRemoveKeepsDOFObjectWhileAnotherPidReferencesIt(t *testing.T) {
	oracle := procmap.NewFakeOracle()
	oracle.Set(1111, procmap.Mapping{Dev: "8:1", Ino: 100})
	oracle.Set(2222, procmap.Mapping{Dev: "8:1", Ino: 100})
	h := testHandle(t, oracle)

	h1 := &dof.Helper{LoadAddr: 0x400000, Pid: 1111}
	h2 := &dof.Helper{LoadAddr: 0x400000, Pid: 2222}

	gen1, err := h.Register(1111, h1, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)
	_, err = h.Register(2222, h2, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	dname := dofName("8:1", 100)
	require.NoError(t, h.Remove(1111, gen1))

	_, err = os.Stat(h.dofPath(dname))
	require.NoError(t, err, "DOF object must survive while pid 2222 still references it")
}

func TestRegisterPurgesPriorRegistrationsAfterExec(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	_, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	oracle.Set(1234, procmap.Mapping{Dev: "8:2", Ino: 200})
	newHelper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}
	gen, err := h.Register(1234, newHelper, []byte("newdof"), sampleRecords())
	require.NoError(t, err)
	require.Equal(t, uint64(0), gen, "generation counter resets after the exec-triggered purge")

	oldDOF := dofName("8:1", 100)
	_, err = os.Stat(h.dofPath(oldDOF))
	require.True(t, os.IsNotExist(err), "the pre-exec DOF object must be unlinked once its only reference is purged")
}

func TestReparseRewritesStaleParsedVersion(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	_, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	dname := dofName("8:1", 100)
	versionPath := filepath.Join(h.pidDir, "1234", dname, "parsed", "version")
	stale := make([]byte, 8)
	binary.LittleEndian.PutUint64(stale, 0)
	require.NoError(t, os.WriteFile(versionPath, stale, 0o644))

	fp := &fakeReparser{records: sampleRecords()}
	h.parser = fp

	require.NoError(t, h.Reparse(false))
	require.Equal(t, 1, fp.calls)

	versionBytes, err := os.ReadFile(versionPath)
	require.NoError(t, err)
	require.Equal(t, uint64(dof.ParsedVersion), binary.LittleEndian.Uint64(versionBytes))
}

func TestAuditReportsNoInconsistenciesForCleanStash(t *testing.T) {
	oracle := sampleOracle()
	h := testHandle(t, oracle)
	helper := &dof.Helper{LoadAddr: 0x400000, Pid: 1234}

	_, err := h.Register(1234, helper, []byte("rawdof"), sampleRecords())
	require.NoError(t, err)

	report, err := h.Audit()
	require.NoError(t, err)
	require.True(t, report.OK(), "%v", report.Inconsistencies)
	require.Equal(t, 1, report.DOFObjects)
	require.Equal(t, 1, report.Pids)
	require.Equal(t, 1, report.Mappings)
	require.Equal(t, 1, report.Probes)
}

type fakeReparser struct {
	records []dof.Record
	calls   int
}

func (f *fakeReparser) Parse(helper *dof.Helper, buf []byte) ([]dof.Record, error) {
	f.calls++
	return f.records, nil
}
