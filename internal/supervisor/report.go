package supervisor

import (
	"time"

	"github.com/ilocn/prspec/internal/exitcodes"
	"github.com/ilocn/prspec/internal/worker"
)

// Report is the outcome of a run.
type Report struct {
	// Output holds buffered-mode output in completion order.
	Output string
	// Results has one entry per worker, in completion order.
	Results  []worker.Result
	Duration time.Duration
	DryRun   bool
}

// Failures returns the results of workers that failed to spawn or exited
// non-zero.
func (r *Report) Failures() []worker.Result {
	var failed []worker.Result
	for _, res := range r.Results {
		if res.Failed() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Tests returns the number of test identifiers across all workers.
func (r *Report) Tests() int {
	n := 0
	for _, res := range r.Results {
		n += res.Tests
	}
	return n
}

// ExitCode maps the run onto a process exit code. A dry run always succeeds.
func (r *Report) ExitCode() int {
	if r.DryRun || len(r.Failures()) == 0 {
		return exitcodes.Success
	}
	return exitcodes.TestFailure
}
