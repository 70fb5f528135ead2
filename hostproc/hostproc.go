// Package hostproc detects running host editor processes. Detection only:
// terminating the host is the user's call, not this tool's.
package hostproc

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"idsweep/logger"
)

// Running returns a "name (pid)" entry for every live process that belongs
// to one of the given application identities. A running host will hold the
// state database lock and regenerate identifiers on exit, so callers warn
// before mutating anything.
func Running(apps []string) []string {
	procs, err := process.Processes()
	if err != nil {
		logger.Debugf("Could not enumerate processes: %v", err)
		return nil
	}

	var hits []string
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		exe, _ := p.Exe()
		if matches(name, exe, apps) {
			hits = append(hits, fmt.Sprintf("%s (%d)", name, p.Pid))
		}
	}
	return hits
}

func matches(name, exe string, apps []string) bool {
	base := strings.TrimSuffix(strings.ToLower(name), ".exe")
	lowExe := strings.ToLower(exe)
	for _, app := range apps {
		for _, candidate := range processNames(app) {
			if base == candidate {
				return true
			}
		}
		// Exe-path heuristic catches helper processes; too noisy for a
		// name as short as "Code".
		if len(app) > 4 && strings.Contains(lowExe, strings.ToLower(app)) {
			return true
		}
	}
	return false
}

// processNames maps an application identity to the binary names it runs as.
func processNames(app string) []string {
	switch strings.ToLower(app) {
	case "code":
		return []string{"code", "electron"}
	case "code - insiders":
		return []string{"code-insiders", "code - insiders"}
	case "vscodium":
		return []string{"codium", "vscodium"}
	default:
		return []string{strings.ToLower(app)}
	}
}
