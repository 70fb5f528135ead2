// Package guard write-protects sanitized files so the host application
// cannot silently regenerate identifiers, and records enough state to revert
// the protection exactly in a later run.
package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"idsweep/logger"
)

// ErrNotProtected is returned by Release for a path with no recorded state.
var ErrNotProtected = errors.New("file is not protected")

// KindSoft marks permission-bit protection. The host can undo it by changing
// permissions back; report it as capability-limited, never as a hard
// guarantee. No platform we target offers a persistent hard lock that
// survives process exit.
const KindSoft = "soft"

// LockState records what Protect did to one file, so Release can restore the
// prior permission bits bit-for-bit without re-deriving them.
type LockState struct {
	Path         string `json:"path"`
	OriginalMode uint32 `json:"original_mode"`
	AppliedMode  uint32 `json:"applied_mode"`
	Kind         string `json:"kind"`
	ProtectedAt  string `json:"protected_at"`
}

// Guard owns the LockState records. States are persisted to a single JSON
// file after every mutation; a later invocation (or -restore) reloads them.
type Guard struct {
	statePath string

	mu     sync.Mutex
	states map[string]LockState
}

func New(statePath string) (*Guard, error) {
	g := &Guard{
		statePath: statePath,
		states:    make(map[string]LockState),
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &g.states); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt: %w", statePath, err)
	}
	return g, nil
}

// Protect removes write permission from path and persists a LockState.
// Protecting an already-protected file is a no-op returning the existing
// state.
func (g *Guard) Protect(path string) (LockState, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return LockState{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if state, ok := g.states[abs]; ok {
		return state, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return LockState{}, err
	}
	original := uint32(info.Mode().Perm())
	applied := original &^ 0o222

	if err := applyReadOnly(abs, os.FileMode(applied)); err != nil {
		return LockState{}, err
	}

	state := LockState{
		Path:         abs,
		OriginalMode: original,
		AppliedMode:  applied,
		Kind:         KindSoft,
		ProtectedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	g.states[abs] = state
	if err := g.save(); err != nil {
		return LockState{}, err
	}
	return state, nil
}

// Release restores the recorded permission bits exactly and drops the record.
func (g *Guard) Release(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.states[abs]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotProtected, abs)
	}
	if err := removeReadOnly(abs, os.FileMode(state.OriginalMode)); err != nil {
		return err
	}
	delete(g.states, abs)
	return g.save()
}

// IsProtected reports whether a LockState exists for path.
func (g *Guard) IsProtected(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.states[abs]
	return ok
}

// States returns all persisted LockStates, ordered by path.
func (g *Guard) States() []LockState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LockState, 0, len(g.states))
	for _, s := range g.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Unprotect temporarily lifts protection for a rewrite, running fn with the
// file writable and re-protecting afterwards. Files without a LockState run
// fn directly.
func (g *Guard) Unprotect(path string, fn func() error) error {
	if !g.IsProtected(path) {
		return fn()
	}
	if err := g.Release(path); err != nil {
		return err
	}
	ferr := fn()
	if _, err := g.Protect(path); err != nil {
		logger.Warnf("Could not re-protect %s: %v", path, err)
	}
	return ferr
}

func (g *Guard) save() error {
	if err := os.MkdirAll(filepath.Dir(g.statePath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(g.states, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(g.statePath, bytes.NewReader(data))
}
