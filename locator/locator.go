package locator

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"idsweep/config"
	"idsweep/logger"
)

// ErrNotFound is returned by Discover when no profile of any requested
// application exists on this machine.
var ErrNotFound = errors.New("no application profile found")

const (
	identityFileName = "storage.json"
	machineIDName    = "machineId"
	stateDBName      = "state.vscdb"
	stateDBBackup    = "state.vscdb.backup"
)

// Profile is the set of per-installation files one cleaning pipeline acts on.
// Members that do not exist on disk are empty strings or absent from slices;
// callers skip them rather than fail.
type Profile struct {
	App           string   `json:"app"`
	Root          string   `json:"root"`
	GlobalDir     string   `json:"global_dir,omitempty"`
	IdentityFile  string   `json:"identity_file,omitempty"`
	MachineIDFile string   `json:"machine_id_file,omitempty"`
	StateDBs      []string `json:"state_dbs,omitempty"`
	WorkspaceDBs  []string `json:"workspace_dbs,omitempty"`
}

// Empty reports whether discovery found nothing actionable under the root.
func (p Profile) Empty() bool {
	return p.IdentityFile == "" && p.MachineIDFile == "" &&
		len(p.StateDBs) == 0 && len(p.WorkspaceDBs) == 0
}

// Discover resolves profiles for the current operating system. It is
// read-only: existence checks only, no side effects.
func Discover(cfg *config.Config) ([]Profile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	var profiles []Profile
	if len(cfg.ProfilePaths) > 0 {
		for _, p := range cfg.ProfilePaths {
			prof := profileAt("override", p, cfg.PurgeWorkspace)
			if !prof.Empty() {
				profiles = append(profiles, prof)
			} else {
				logger.Warnf("No identity or state files under %s", p)
			}
		}
	} else {
		bases := BaseDirs(runtime.GOOS, home, os.Getenv)
		for _, app := range cfg.Apps {
			for _, base := range bases {
				root := filepath.Join(base, app)
				if !dirExists(root) {
					continue
				}
				prof := profileAt(app, root, cfg.PurgeWorkspace)
				if !prof.Empty() {
					profiles = append(profiles, prof)
				}
			}
		}
	}

	profiles = dedupe(profiles)
	if len(profiles) == 0 {
		return nil, ErrNotFound
	}
	return profiles, nil
}

// BaseDirs returns the per-OS directories that may contain an application's
// configuration root. Pure function of its inputs so tests can exercise every
// platform branch anywhere.
func BaseDirs(goos, home string, getenv func(string) string) []string {
	var dirs []string
	switch goos {
	case "windows":
		if appdata := getenv("APPDATA"); appdata != "" {
			dirs = append(dirs, appdata)
		}
	case "darwin":
		if home != "" {
			dirs = append(dirs, filepath.Join(home, "Library", "Application Support"))
		}
	default:
		if home != "" {
			dirs = append(dirs,
				filepath.Join(home, ".config"),
				filepath.Join(home, "snap", "code", "common", ".config"),
				filepath.Join(home, ".var", "app", "com.visualstudio.code", "config"),
				filepath.Join(home, ".var", "app", "com.visualstudio.code-insiders", "config"),
			)
		}
	}
	return dirs
}

// profileAt maps an application root to the files the pipeline acts on.
// root may also point directly at a globalStorage directory (path override).
func profileAt(app, root string, withWorkspace bool) Profile {
	prof := Profile{App: app, Root: root}

	// Portable installs keep the whole profile under a data/ prefix.
	userDir := filepath.Join(root, "User")
	machineIDDir := root
	if !dirExists(userDir) && dirExists(filepath.Join(root, "data", "User")) {
		userDir = filepath.Join(root, "data", "User")
		machineIDDir = filepath.Join(root, "data")
	}

	globalDir := filepath.Join(userDir, "globalStorage")
	if fileExists(filepath.Join(root, identityFileName)) {
		// Override pointing straight at globalStorage.
		globalDir = root
	}
	if dirExists(globalDir) {
		prof.GlobalDir = globalDir
		if p := filepath.Join(globalDir, identityFileName); fileExists(p) {
			prof.IdentityFile = p
		}
		for _, name := range []string{stateDBName, stateDBBackup} {
			if p := filepath.Join(globalDir, name); fileExists(p) {
				prof.StateDBs = append(prof.StateDBs, p)
			}
		}
	}

	if p := filepath.Join(machineIDDir, machineIDName); fileExists(p) {
		prof.MachineIDFile = p
	}

	if withWorkspace {
		prof.WorkspaceDBs = workspaceDBs(filepath.Join(userDir, "workspaceStorage"))
	}
	return prof
}

func workspaceDBs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var dbs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, name := range []string{stateDBName, stateDBBackup} {
			if p := filepath.Join(dir, e.Name(), name); fileExists(p) {
				dbs = append(dbs, p)
			}
		}
	}
	sort.Strings(dbs)
	return dbs
}

func dedupe(profiles []Profile) []Profile {
	seen := make(map[string]bool, len(profiles))
	var out []Profile
	for _, p := range profiles {
		key := p.Root
		if resolved, err := filepath.EvalSymlinks(p.Root); err == nil {
			key = resolved
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
