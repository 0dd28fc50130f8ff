package stash

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

// Reparse walks every stashed mapping and resubmits its raw DOF to the
// configured Parser wherever the parsed form disagrees with the
// current parsed-record version — or unconditionally, if force is set.
// A mapping that fails to reparse is dropped and left alone: most DOF,
// most of the time, goes unused, so a stale or unreparseable entry
// costs nothing but a little disk space.
func (h *Handle) Reparse(force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pidEntries, err := os.ReadDir(h.pidDir)
	if err != nil {
		return dtprobederr.Wrap("stash.Reparse", dtprobederr.KindStashIO, err)
	}

	for _, pidEnt := range pidEntries {
		if !pidEnt.IsDir() || !isGenerationName(pidEnt.Name()) {
			continue
		}
		pid64, err := strconv.ParseInt(pidEnt.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := int32(pid64)
		pidDir := filepath.Join(h.pidDir, pidEnt.Name())

		mappingEntries, err := os.ReadDir(pidDir)
		if err != nil {
			h.log.WithPid(pid).WithError(err).Warn("reparse: cannot list mappings")
			continue
		}

		for _, mapEnt := range mappingEntries {
			if !mapEnt.IsDir() || mapEnt.Name()[0] == '.' {
				continue
			}
			h.reparseMapping(pid, pidDir, mapEnt.Name(), force)
		}
	}

	h.obs.ObserveStashReparse()
	return nil
}

func (h *Handle) reparseMapping(pid int32, pidDir, dname string, force bool) {
	mappingDir := filepath.Join(pidDir, dname)

	if !force && parsedVersionCurrent(mappingDir) {
		return
	}

	h.removeMappingProbeLinks(pid, mappingDir)
	if err := os.RemoveAll(filepath.Join(mappingDir, "parsed")); err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: cannot delete stale parsed directory")
		return
	}

	raw, err := os.ReadFile(filepath.Join(mappingDir, "raw"))
	if err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: cannot read raw DOF; ignored")
		return
	}
	dhBytes, err := os.ReadFile(filepath.Join(mappingDir, "dh"))
	if err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: cannot read helper struct; ignored")
		return
	}
	var helper dof.Helper
	if err := dof.UnmarshalHelper(dhBytes, &helper); err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: cannot unmarshal helper struct; ignored")
		return
	}

	records, err := h.parser.Parse(&helper, raw)
	if err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: parser rejected stashed DOF; ignored")
		return
	}

	if err := h.writeParsed(pid, mappingDir, records); err != nil {
		h.log.WithPid(pid).WithError(err).Warn("reparse: failed to re-stash parsed DOF; ignored")
	}
}

// parsedVersionCurrent reports whether mappingDir/parsed/version
// already agrees with the running binary's parsed-record format.
func parsedVersionCurrent(mappingDir string) bool {
	data, err := os.ReadFile(filepath.Join(mappingDir, "parsed", "version"))
	if err != nil || len(data) < 8 {
		return false
	}
	return binary.LittleEndian.Uint64(data) == uint64(dof.ParsedVersion)
}
