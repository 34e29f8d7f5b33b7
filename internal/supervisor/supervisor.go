// Package supervisor starts a run's workers, polls them until every one has
// finished, relays their output and publishes the running-worker count.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"

	"github.com/ilocn/prspec/internal/recovery"
	"github.com/ilocn/prspec/internal/state"
	"github.com/ilocn/prspec/internal/worker"
)

// DefaultPollInterval is how often finished workers are collected when
// Options.PollInterval is unset.
const DefaultPollInterval = time.Second

var (
	// ErrNoWorkers is returned when Run is given nothing to supervise.
	ErrNoWorkers = errors.New("no workers to run")
	// ErrInvalidWorker is returned when the worker list holds a nil entry.
	ErrInvalidWorker = errors.New("invalid worker")
)

// ConfigError marks an error caused by how the run was set up rather than
// by the tests themselves.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError. A nil err stays nil.
func NewConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Err: err}
}

// IsConfigError reports whether err, or anything it wraps, is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Options tunes a run.
type Options struct {
	// Store receives the running-worker count. Nil disables publication.
	Store *state.Store
	// ScratchDir is swept for capture files left by a crashed run before
	// the first publish. Empty skips the sweep but not the record check.
	ScratchDir string
	// DryRun builds and reports the workers without spawning anything.
	DryRun bool
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Quiet suppresses relaying of serialized output.
	Quiet bool
	// Stdout receives serialized output; nil means os.Stdout.
	Stdout io.Writer
}

type supervisor struct {
	opts    Options
	running int
	out     strings.Builder
}

// Run supervises workers to completion. Every finished worker is closed and
// its result collected in completion order. If ctx is cancelled the
// remaining workers are closed concurrently and ctx.Err() is returned along
// with any close errors. The state record is removed on every return path.
func Run(ctx context.Context, workers []*worker.Worker, opts Options) (*Report, error) {
	if len(workers) == 0 {
		return nil, NewConfigError(ErrNoWorkers)
	}
	for i, w := range workers {
		if w == nil {
			return nil, NewConfigError(fmt.Errorf("%w: entry %d is nil", ErrInvalidWorker, i))
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	if opts.Store != nil {
		if err := recovery.Recover(opts.Store.Path(), opts.ScratchDir); err != nil {
			if errors.Is(err, recovery.ErrStateInUse) {
				return nil, NewConfigError(err)
			}
			slog.Warn("startup recovery error", slog.Any("error", err))
		}
		defer func() {
			if err := opts.Store.Remove(); err != nil {
				slog.Warn("removing state record failed", slog.Any("error", err))
			}
		}()
	}

	began := time.Now()
	s := &supervisor{opts: opts, running: len(workers)}
	report := &Report{DryRun: opts.DryRun}
	s.publish()

	if opts.DryRun {
		slog.Info("dry run, workers not started", slog.Int("workers", len(workers)))
	} else {
		slog.Info("starting workers", slog.Int("workers", len(workers)))
		for _, w := range workers {
			// Spawn failures are recorded on the worker and collected below.
			_ = w.Start(ctx)
		}
	}

	live := append([]*worker.Worker(nil), workers...)
	tick := time.NewTicker(opts.PollInterval)
	defer tick.Stop()

	for {
		live = s.sweep(live, report)
		if len(live) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("run interrupted, stopping workers", slog.Int("running", len(live)))
			err := closeAll(live)
			for _, w := range live {
				report.Results = append(report.Results, w.Result())
			}
			report.Output = s.out.String()
			report.Duration = time.Since(began)
			if err != nil {
				return report, multierror.Append(ctx.Err(), err)
			}
			return report, ctx.Err()
		case <-tick.C:
			slog.Debug("workers still running", slog.Int("running", len(live)))
		}
	}

	report.Output = s.out.String()
	report.Duration = time.Since(began)
	slog.Info("all workers finished", slog.Int("failed", len(report.Failures())), slog.Duration("duration", report.Duration))
	return report, nil
}

// sweep collects every finished worker and returns the ones still running.
func (s *supervisor) sweep(live []*worker.Worker, report *Report) []*worker.Worker {
	remaining := live[:0]
	for _, w := range live {
		if !w.IsDone() {
			remaining = append(remaining, w)
			continue
		}
		s.collect(w, report)
	}
	return remaining
}

func (s *supervisor) collect(w *worker.Worker, report *Report) {
	r := w.Result()
	slog.Debug("worker done", slog.Int("worker_id", w.ID), slog.Int("exit_code", r.ExitCode))

	switch w.Shared.Mode {
	case worker.Buffered:
		s.out.WriteString(r.Output)
	case worker.Serialized:
		if !s.opts.Quiet && r.Output != "" {
			if _, err := io.WriteString(s.opts.Stdout, r.Output); err != nil {
				slog.Warn("relaying worker output failed", slog.Int("worker_id", w.ID), slog.Any("error", err))
			}
		}
	}
	report.Results = append(report.Results, r)

	s.running--
	s.publish()

	if err := w.Close(); err != nil {
		slog.Warn("closing worker failed", slog.Int("worker_id", w.ID), slog.Any("error", err))
	}
}

func (s *supervisor) publish() {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Publish(s.running); err != nil {
		slog.Warn("publishing worker count failed", slog.Int("running", s.running), slog.Any("error", err))
		return
	}
	slog.Debug("published worker count", slog.Int("running", s.running))
}

// closeAll closes workers concurrently and aggregates their errors.
func closeAll(workers []*worker.Worker) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
		wg   conc.WaitGroup
	)
	for _, w := range workers {
		w := w
		wg.Go(func() {
			if err := w.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("closing worker %d: %w", w.ID, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs.ErrorOrNil()
}
