package stash

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrReservedName is returned when a probespec component is "." or
// "..", which dtrace -h can never emit but an adversarial caller could
// still smuggle into a DOF string table.
var ErrReservedName = fmt.Errorf("stash: reserved path component")

func isReserved(s string) bool {
	return s == "." || s == ".."
}

// provPidName is the per-pid provider directory name under probes/,
// e.g. provider "p" and pid 1234 becomes "p1234".
func provPidName(provider string, pid int32) string {
	return provider + strconv.FormatInt(int64(pid), 10)
}

// probespecName composes the parsed-file name for one probe, rejecting
// any reserved path component the way the reference stash does before
// a filename is ever constructed.
func probespecName(provider, module, function, probe string) (string, error) {
	for _, part := range []string{provider, module, function, probe} {
		if isReserved(part) {
			return "", ErrReservedName
		}
	}
	return strings.Join([]string{provider, module, function, probe}, ":"), nil
}

// splitProbespecName reverses probespecName, tolerating colons
// embedded in the final (probe-name) component the same way the
// reference implementation's sequential strchr split does.
func splitProbespecName(spec string) (provider, module, function, probe string, err error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("stash: malformed probespec %q", spec)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// dofName composes the dev-ino directory/file name a DOF object is
// keyed on.
func dofName(dev string, ino uint64) string {
	return dev + "-" + strconv.FormatUint(ino, 10)
}

// splitDOFName reverses dofName. dev never itself contains a dash
// (procfs reports it as "major:minor"), so splitting on the last dash
// isolates the inode unambiguously.
func splitDOFName(name string) (dev string, ino uint64, err error) {
	i := strings.LastIndex(name, "-")
	if i < 0 {
		return "", 0, fmt.Errorf("stash: malformed dof name %q", name)
	}
	ino, err = strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("stash: malformed dof name %q: %w", name, err)
	}
	return name[:i], ino, nil
}
