package stash

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
	"github.com/usdt-trace/dtprobed/internal/procmap"
)

// Register persists a successfully parsed DOF registration for pid,
// implementing device.Stash. The (device, inode) a DOF object is keyed
// on is resolved from helper.LoadAddr via the configured MapOracle, not
// passed in: the caller only ever hands the protocol engine a pid and
// a buffer, exactly as the reference ioctl interface does.
func (h *Handle) Register(pid int32, helper *dof.Helper, raw []byte, records []dof.Record) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, err := h.oracle.Acquire(pid)
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}
	defer mh.Release()

	execMapping, err := mh.PrimaryText()
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}
	dofMapping, err := mh.Resolve(helper.LoadAddr)
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}

	pidDir := h.pidPath(pid)
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}

	if err := h.invalidateIfExeced(pid, pidDir, execMapping); err != nil {
		return 0, err
	}

	rb := &rollback{}
	defer rb.unwind()

	dname := dofName(dofMapping.Dev, dofMapping.Ino)

	newDOF, err := h.writeRawIfAbsent(dname, raw)
	if err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}
	if newDOF {
		path := h.dofPath(dname)
		rb.push(func() { os.Remove(path) })
	}

	mappingDir := filepath.Join(pidDir, dname)
	newMapping := !dirExists(mappingDir)
	if err := os.MkdirAll(mappingDir, 0o755); err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}
	if newMapping {
		rb.push(func() { os.Remove(mappingDir) })
	}

	rawLink := filepath.Join(mappingDir, "raw")
	if !fileExists(rawLink) {
		if err := os.Link(h.dofPath(dname), rawLink); err != nil {
			return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
		}
		h.obs.ObserveStashLink(true)
		rb.push(func() {
			os.Remove(rawLink)
			h.obs.ObserveStashLink(false)
		})
	}

	if err := os.WriteFile(filepath.Join(mappingDir, "dh"), helper.Marshal(), 0o644); err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}

	if newMapping {
		execMappingPath := filepath.Join(pidDir, "exec-mapping")
		if !fileExists(execMappingPath) {
			content := dofName(execMapping.Dev, execMapping.Ino)
			if err := os.WriteFile(execMappingPath, []byte(content), 0o644); err != nil {
				return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
			}
		}
	}

	if err := h.writeParsed(pid, mappingDir, records); err != nil {
		return 0, err
	}

	gen, err := allocateGeneration(pidDir, pid)
	if err != nil {
		return 0, err
	}
	// Generation allocation is not rolled back on a later failure: the
	// reference implementation documents this exact leak ("on error
	// after this point we leak generation counter values") rather than
	// risk reusing a generation number a caller may already have seen.

	genLink := filepath.Join(pidDir, strconv.FormatUint(gen, 10))
	if err := os.Symlink(dname, genLink); err != nil {
		return 0, dtprobederr.NewForCaller("stash.Register", pid, dtprobederr.KindStashIO, err.Error())
	}
	rb.push(func() { os.Remove(genLink) })

	rb.commit()
	return gen, nil
}

func (h *Handle) writeRawIfAbsent(name string, raw []byte) (wrote bool, err error) {
	path := h.dofPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}

// invalidateIfExeced compares the stored exec-mapping against the
// process's current primary text mapping, purging the pid's entire
// registration set if they differ: the process either re-exec'd or its
// pid was reused by an unrelated program, and every prior registration
// is now meaningless.
func (h *Handle) invalidateIfExeced(pid int32, pidDir string, current procmap.Mapping) error {
	execMappingPath := filepath.Join(pidDir, "exec-mapping")
	data, err := os.ReadFile(execMappingPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return dtprobederr.NewForCaller("stash.invalidateIfExeced", pid, dtprobederr.KindStashIO, err.Error())
	}

	oldDev, oldIno, err := splitDOFName(string(data))
	if err != nil {
		h.log.WithPid(pid).WithError(err).Warn("unparseable exec-mapping; assuming no exec")
		return nil
	}
	if oldDev == current.Dev && oldIno == current.Ino {
		return nil
	}

	h.log.WithPid(pid).Info("exec() or pid reuse detected; purging prior registrations")
	if err := h.removePidSubtree(pid); err != nil {
		return err
	}
	return os.MkdirAll(pidDir, 0o755)
}

// writeParsed writes the version-prefixed parsed record stream for one
// DOF mapping into mappingDir/parsed, linking each surviving probe's
// file into the public probes/ tree. Creating the version file is the
// idempotency gate: if it already exists, a prior registration of this
// exact (pid, dof) pair already wrote everything there is to write, and
// this call is a deliberate no-op, matching the "second registration is
// a no-op" law.
func (h *Handle) writeParsed(pid int32, mappingDir string, records []dof.Record) error {
	parsedDir := filepath.Join(mappingDir, "parsed")
	if err := os.MkdirAll(parsedDir, 0o755); err != nil {
		return dtprobederr.NewForCaller("stash.writeParsed", pid, dtprobederr.KindStashIO, err.Error())
	}

	versionPath := filepath.Join(parsedDir, "version")
	vf, err := os.OpenFile(versionPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return dtprobederr.NewForCaller("stash.writeParsed", pid, dtprobederr.KindStashIO, err.Error())
	}
	versionBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(versionBytes, uint64(dof.ParsedVersion))
	_, werr := vf.Write(versionBytes)
	vf.Close()
	if werr != nil {
		os.Remove(versionPath)
		return dtprobederr.NewForCaller("stash.writeParsed", pid, dtprobederr.KindStashIO, werr.Error())
	}

	attempted, succeeded := 0, 0
	var provider *dof.ProviderInfo

	i := 0
	for i < len(records) {
		r := records[i]
		switch r.Type {
		case dof.RecordProvider:
			provider = r.Provider
			i++
		case dof.RecordProbe:
			probe := r.Probe
			tracepoints := records[i+1 : min(len(records), i+1+int(probe.NTracepoints))]
			i += 1 + len(tracepoints)

			if probe.NTracepoints == 0 {
				continue
			}
			attempted++
			if err := h.writeProbe(pid, parsedDir, provider, probe, tracepoints); err != nil {
				h.log.WithPid(pid).WithError(err).Warn("stashing probe failed; skipping")
				continue
			}
			succeeded++
		default:
			i++
		}
	}

	if attempted > 0 && succeeded == 0 {
		return dtprobederr.NewForCaller("stash.writeParsed", pid, dtprobederr.KindStashIO, "every probe in this DOF failed to stash")
	}
	return nil
}

// writeProbe creates the parsed/<prov>:<mod>:<fun>:<prb> file for one
// probe and hard-links it into probes/<pid>/<prov><pid>/<mod>/<fun>/<prb>.
// Any failure rolls back only this probe's own partial mutations,
// matching the reference implementation's per-probe failure ladder:
// surviving probes in the same DOF remain active.
func (h *Handle) writeProbe(pid int32, parsedDir string, provider *dof.ProviderInfo, probe *dof.ProbeInfo, tracepoints []dof.Record) error {
	spec, err := probespecName(provider.Name, probe.Module, probe.Function, probe.Name)
	if err != nil {
		return err
	}

	rb := &rollback{}
	defer rb.unwind()

	parsedFilePath := filepath.Join(parsedDir, spec)
	pf, err := os.OpenFile(parsedFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	rb.push(func() { os.Remove(parsedFilePath) })

	versionBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(versionBytes, uint64(dof.ParsedVersion))
	_, encErr := pf.Write(versionBytes)
	enc := dof.NewEncoder(pf)
	if encErr == nil {
		encErr = enc.Encode(dof.NewProviderRecord(provider.Name, provider.NProbes))
	}
	if encErr == nil {
		encErr = enc.Encode(dof.NewProbeRecord(probe.Module, probe.Function, probe.Name, probe.NTracepoints))
	}
	for _, tp := range tracepoints {
		if encErr != nil {
			break
		}
		encErr = enc.Encode(tp)
	}
	pf.Close()
	if encErr != nil {
		return encErr
	}

	provPidDir := filepath.Join(h.probesDir, pidDirName(pid), provPidName(provider.Name, pid), probe.Module, probe.Function)
	if err := os.MkdirAll(provPidDir, 0o755); err != nil {
		return err
	}

	probeLink := filepath.Join(provPidDir, probe.Name)
	if err := os.Link(parsedFilePath, probeLink); err != nil {
		if errors.Is(err, os.ErrExist) {
			rb.commit()
			return nil
		}
		return err
	}
	h.obs.ObserveStashLink(true)

	rb.commit()
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
