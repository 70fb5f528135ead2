// Package pipeline sequences the cleaning stages per discovered file and
// collects per-file outcomes. Cleaning is best-effort: a failed file never
// aborts the run, and there is no cross-file rollback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"idsweep/config"
	"idsweep/guard"
	"idsweep/identity"
	"idsweep/locator"
	"idsweep/logger"
	"idsweep/store"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is one row of the final report: one action on one file.
type Outcome struct {
	App     string   `json:"app"`
	Path    string   `json:"path"`
	Action  string   `json:"action"`
	Status  Status   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Removed int64    `json:"removed,omitempty"`
}

type Report struct {
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	DryRun    bool      `json:"dry_run"`
	Outcomes  []Outcome `json:"outcomes"`
}

// ExitCode maps the report to the process exit status: 0 full success,
// 1 partial (something was skipped or failed). Fatal conditions never
// produce a report at all.
func (r *Report) ExitCode() int {
	for _, o := range r.Outcomes {
		if o.Status != StatusOK {
			return 1
		}
	}
	return 0
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusOK:
		logger.Debugf("%s %s: ok", o.Action, o.Path)
	default:
		logger.Warnf("%s %s: %s (%s)", o.Action, o.Path, o.Status, o.Reason)
	}
}

// Run discovers profiles and executes the cleaning pipeline for each target
// file. Only total discovery failure is returned as an error; everything
// else lands in the report. Cancellation takes effect between files: a
// single file's rewrite either completes or fails atomically.
func Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	profiles, err := locator.Discover(cfg)
	if err != nil {
		return nil, err
	}

	g, err := guard.New(cfg.StateFile)
	if err != nil {
		return nil, err
	}

	report := &Report{
		StartTime: time.Now().Format(time.RFC3339),
		DryRun:    cfg.DryRun,
	}

	// Either stage can be disabled by emptying its key/pattern list.
	rewrite := len(cfg.IdentityKeys) > 0
	purge := len(cfg.PurgePatterns) > 0

	total := 0
	for _, p := range profiles {
		if rewrite && p.IdentityFile != "" {
			total++
		}
		if rewrite && p.MachineIDFile != "" {
			total++
		}
		if purge {
			total += len(p.StateDBs) + len(p.WorkspaceDBs)
		}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Sanitizing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(cfg.ShowProgress),
	)

	for _, p := range profiles {
		logger.Infof("Profile %s at %s", p.App, p.Root)
		if ctx.Err() != nil {
			break
		}

		if rewrite && p.IdentityFile != "" {
			report.add(rewriteIdentity(cfg, g, p, p.IdentityFile, false))
			_ = bar.Add(1)
		}
		if rewrite && p.MachineIDFile != "" {
			report.add(rewriteIdentity(cfg, g, p, p.MachineIDFile, true))
			_ = bar.Add(1)
		}
		if !purge {
			continue
		}
		for _, db := range append(append([]string(nil), p.StateDBs...), p.WorkspaceDBs...) {
			if ctx.Err() != nil {
				break
			}
			report.add(purgeStore(ctx, cfg, p, db))
			_ = bar.Add(1)
		}
	}

	report.EndTime = time.Now().Format(time.RFC3339)
	return report, nil
}

// rewriteIdentity regenerates identifiers in one file and, unless disabled,
// leaves it write-protected. valueFile selects the bare machine-id format.
func rewriteIdentity(cfg *config.Config, g *guard.Guard, p locator.Profile, path string, valueFile bool) Outcome {
	out := Outcome{App: p.App, Path: path, Action: "rewrite"}

	if cfg.DryRun {
		out.Action = "rewrite (dry-run)"
		if valueFile {
			out.Keys = []string{"machineId"}
		} else {
			rec, err := identity.Read(path)
			if err != nil {
				return classified(out, err)
			}
			for _, key := range cfg.IdentityKeys {
				if _, ok := rec[key]; ok {
					out.Keys = append(out.Keys, key)
				}
			}
		}
		out.Status = StatusOK
		return out
	}

	err := g.Unprotect(path, func() error {
		var change *identity.Change
		var err error
		if valueFile {
			change, err = identity.RewriteValueFile(path)
		} else {
			change, err = identity.Rewrite(path, cfg.IdentityKeys)
		}
		if err != nil {
			return err
		}
		out.Keys = change.Keys
		if valueFile {
			out.Keys = []string{"machineId"}
		}
		return nil
	})
	if err != nil {
		return classified(out, err)
	}

	if cfg.Protect {
		if _, err := g.Protect(path); err != nil {
			out.Status = StatusFailed
			out.Reason = fmt.Sprintf("rewritten but not protected: %v", err)
			return out
		}
		out.Action = "rewrite+protect"
	}
	out.Status = StatusOK
	return out
}

// purgeStore removes telemetry rows from one state database, compacting when
// the purge freed more than the configured fraction of rows.
func purgeStore(ctx context.Context, cfg *config.Config, p locator.Profile, path string) Outcome {
	out := Outcome{App: p.App, Path: path, Action: "purge"}

	s, err := store.OpenRetry(ctx, path, cfg.StorageTable, cfg.LockRetryMaxWait)
	if err != nil {
		return classified(out, err)
	}
	defer s.Close()

	if cfg.DryRun {
		out.Action = "purge (dry-run)"
		n, err := s.CountMatching(ctx, cfg.PurgePatterns)
		if err != nil {
			return classified(out, err)
		}
		out.Removed = n
		out.Status = StatusOK
		return out
	}

	total, err := s.TotalRows(ctx)
	if err != nil {
		return classified(out, err)
	}
	removed, err := s.PurgeMatching(ctx, cfg.PurgePatterns)
	if err != nil {
		return classified(out, err)
	}
	out.Removed = removed

	if shouldCompact(removed, total, cfg.CompactFraction) {
		if err := s.Compact(ctx); err != nil {
			logger.Warnf("Compaction of %s failed: %v", path, err)
		} else {
			out.Action = "purge+compact"
		}
	}
	out.Status = StatusOK
	return out
}

// shouldCompact bounds compaction cost: only rewrite the store when the
// purge freed a meaningful share of it. fraction 0 disables, 1 means never.
func shouldCompact(removed, total int64, fraction float64) bool {
	if removed == 0 || total == 0 || fraction <= 0 || fraction >= 1 {
		return false
	}
	return float64(removed)/float64(total) > fraction
}

// Restore releases every persisted protection, for the -restore flag.
func Restore(cfg *config.Config) (*Report, error) {
	g, err := guard.New(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	report := &Report{StartTime: time.Now().Format(time.RFC3339)}
	for _, state := range g.States() {
		out := Outcome{Path: state.Path, Action: "release"}
		if err := g.Release(state.Path); err != nil {
			out = classified(out, err)
		} else {
			out.Status = StatusOK
		}
		report.add(out)
	}
	report.EndTime = time.Now().Format(time.RFC3339)
	return report, nil
}

// classified downgrades a per-file error to a report entry, mapping the
// error taxonomy to a status and a human reason.
func classified(out Outcome, err error) Outcome {
	switch {
	case errors.Is(err, store.ErrStoreLocked):
		out.Status = StatusSkipped
		out.Reason = "store locked: close the application and retry"
	case errors.Is(err, store.ErrStoreCorrupt):
		out.Status = StatusFailed
		out.Reason = fmt.Sprintf("store corrupt: %v", err)
	case errors.Is(err, identity.ErrParse):
		out.Status = StatusSkipped
		out.Reason = fmt.Sprintf("parse error: %v", err)
	case errors.Is(err, identity.ErrWrite):
		out.Status = StatusFailed
		out.Reason = fmt.Sprintf("write failed, original intact: %v", err)
	case errors.Is(err, os.ErrPermission):
		out.Status = StatusSkipped
		out.Reason = "permission denied: re-run with sufficient rights"
	case errors.Is(err, os.ErrNotExist):
		out.Status = StatusSkipped
		out.Reason = "file vanished during run"
	case errors.Is(err, guard.ErrNotProtected):
		out.Status = StatusSkipped
		out.Reason = "no protection recorded"
	default:
		out.Status = StatusFailed
		out.Reason = err.Error()
	}
	return out
}
