// Package recovery cleans up what a crashed run left behind before a new
// run reuses the same state file.
package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ilocn/prspec/internal/state"
	"github.com/ilocn/prspec/internal/worker"
)

// ErrStateInUse is returned when the state file belongs to a supervisor
// that is still running.
var ErrStateInUse = errors.New("state file is in use by another prspec run")

// capturePatterns match the ephemeral output files of one run.
func capturePatterns(runID string) []string {
	prefix := "prspec-" + runID + "-*"
	return []string{prefix + ".out", prefix + ".err"}
}

// Recover inspects the record at statePath. If it was written by a process
// that is no longer alive, the record, its lock file and that run's capture
// files in scratchDir are removed. Capture files of other runs sharing the
// scratch directory are left alone, and nothing is swept when the record
// names no run. A record owned by a live process other than this one yields
// ErrStateInUse. A missing record is not an error.
func Recover(statePath, scratchDir string) error {
	var runID string
	rec, err := state.Read(statePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		slog.Warn("unreadable state record, treating as stale", slog.String("path", statePath), slog.Any("error", err))
	default:
		pid := rec.SupervisorPID
		if pid != os.Getpid() && worker.IsAlive(pid) {
			return fmt.Errorf("%w: %s (pid %d, run %s)", ErrStateInUse, statePath, pid, rec.RunID)
		}
		slog.Info("removing state left by dead run",
			slog.String("run_id", rec.RunID),
			slog.Int("pid", pid),
			slog.Int("running_worker_count", rec.RunningWorkerCount))
		if !strings.ContainsAny(rec.RunID, `*?[\/`) {
			runID = rec.RunID
		}
	}

	var errs *multierror.Error
	if err := state.Open(statePath).Remove(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if scratchDir != "" && runID != "" {
		for _, pattern := range capturePatterns(runID) {
			matches, err := filepath.Glob(filepath.Join(scratchDir, pattern))
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			for _, m := range matches {
				slog.Debug("removing stale capture file", slog.String("path", m))
				if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("recovery completed with errors: %w", err)
	}
	return nil
}
