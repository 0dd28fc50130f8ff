package stash

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/usdt-trace/dtprobed/internal/dof"
	"github.com/usdt-trace/dtprobed/internal/dtprobederr"
)

// AuditReport summarizes a consistency walk over the stash, asserting
// the hard-link refcount invariants directly against the filesystem.
// It is test/ops tooling, not part of the registration path: used by
// the test suite and exposed through Daemon.Audit.
type AuditReport struct {
	DOFObjects      int
	Pids            int
	Mappings        int
	Probes          int
	Inconsistencies []string
}

func (r AuditReport) OK() bool { return len(r.Inconsistencies) == 0 }

// Audit walks stash/dof, stash/dof-pid, and probes, checking that:
//   - every dof/<dev>-<ino> file's hard-link count equals 1 (the root
//     copy) plus the number of pid mappings that reference it;
//   - every pid directory's generation symlinks resolve to a mapping
//     directory that actually exists;
//   - where a mapping's parsed/version file holds the current
//     parsed-record version, every other parsed file's name splits into
//     a probespec. A missing or stale version file is not reported, and
//     the contents of the per-probe parsed files are not read.
func (h *Handle) Audit() (AuditReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var report AuditReport

	dofEntries, err := os.ReadDir(h.dofDir)
	if err != nil {
		return report, dtprobederr.Wrap("stash.Audit", dtprobederr.KindStashIO, err)
	}
	expectedLinks := map[string]int{}
	for _, e := range dofEntries {
		report.DOFObjects++
		expectedLinks[e.Name()] = 1
	}

	pidEntries, err := os.ReadDir(h.pidDir)
	if err != nil {
		return report, dtprobederr.Wrap("stash.Audit", dtprobederr.KindStashIO, err)
	}

	for _, pidEnt := range pidEntries {
		if !pidEnt.IsDir() || !isGenerationName(pidEnt.Name()) {
			continue
		}
		report.Pids++
		pidDir := filepath.Join(h.pidDir, pidEnt.Name())

		mapEntries, err := os.ReadDir(pidDir)
		if err != nil {
			report.Inconsistencies = append(report.Inconsistencies,
				fmt.Sprintf("pid %s: cannot list mappings: %v", pidEnt.Name(), err))
			continue
		}

		for _, mapEnt := range mapEntries {
			if !mapEnt.IsDir() || mapEnt.Name()[0] == '.' {
				continue
			}
			report.Mappings++
			dname := mapEnt.Name()
			if _, ok := expectedLinks[dname]; !ok {
				report.Inconsistencies = append(report.Inconsistencies,
					fmt.Sprintf("pid %s: mapping %s has no matching dof/ object", pidEnt.Name(), dname))
				continue
			}
			expectedLinks[dname]++

			mappingDir := filepath.Join(pidDir, dname)
			if err := h.auditMapping(pidEnt.Name(), mappingDir, &report); err != nil {
				report.Inconsistencies = append(report.Inconsistencies,
					fmt.Sprintf("pid %s mapping %s: %v", pidEnt.Name(), dname, err))
			}
		}

		for _, genEnt := range mapEntries {
			if genEnt.IsDir() || !isGenerationName(genEnt.Name()) {
				continue
			}
			target, err := os.Readlink(filepath.Join(pidDir, genEnt.Name()))
			if err != nil {
				report.Inconsistencies = append(report.Inconsistencies,
					fmt.Sprintf("pid %s generation %s: unreadable symlink: %v", pidEnt.Name(), genEnt.Name(), err))
				continue
			}
			if !dirExists(filepath.Join(pidDir, target)) {
				report.Inconsistencies = append(report.Inconsistencies,
					fmt.Sprintf("pid %s generation %s: points at missing mapping %s", pidEnt.Name(), genEnt.Name(), target))
			}
		}
	}

	for dname, want := range expectedLinks {
		info, err := os.Stat(h.dofPath(dname))
		if err != nil {
			report.Inconsistencies = append(report.Inconsistencies,
				fmt.Sprintf("dof %s: cannot stat: %v", dname, err))
			continue
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			continue
		}
		if int(st.Nlink) != want {
			report.Inconsistencies = append(report.Inconsistencies,
				fmt.Sprintf("dof %s: link count %d, expected %d", dname, st.Nlink, want))
		}
	}

	return report, nil
}

func (h *Handle) auditMapping(pidName, mappingDir string, report *AuditReport) error {
	parsedDir := filepath.Join(mappingDir, "parsed")
	versionPath := filepath.Join(parsedDir, "version")
	data, err := os.ReadFile(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read parsed/version: %w", err)
	}
	if len(data) < 8 {
		return fmt.Errorf("parsed/version truncated (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint64(data) != uint64(dof.ParsedVersion) {
		return nil // stale version is a reparse target, not an inconsistency
	}

	entries, err := os.ReadDir(parsedDir)
	if err != nil {
		return fmt.Errorf("cannot list parsed directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "version" {
			continue
		}
		report.Probes++
		if _, _, _, _, err := splitProbespecName(e.Name()); err != nil {
			report.Inconsistencies = append(report.Inconsistencies,
				fmt.Sprintf("pid %s mapping: malformed probe file name %q", pidName, e.Name()))
		}
	}
	return nil
}
