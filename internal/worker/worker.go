// Package worker runs one bucket of test identifiers as a single invocation
// of the external test runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultFilterFlag is the runner flag that precedes each identifier.
const DefaultFilterFlag = "-e"

// OutputMode controls where a worker's stdout and stderr go.
type OutputMode int

const (
	// Buffered captures output to files and hands it to the supervisor,
	// which relays it after all workers finish.
	Buffered OutputMode = iota
	// Serialized captures output like Buffered but the supervisor relays
	// each worker's output as soon as that worker finishes.
	Serialized
	// Live connects the child directly to the parent's streams.
	Live
)

func (m OutputMode) String() string {
	switch m {
	case Serialized:
		return "serialized"
	case Live:
		return "live"
	default:
		return "buffered"
	}
}

// SpawnMode controls whether the worker waits for its child.
type SpawnMode int

const (
	// Wait monitors the child until it exits.
	Wait SpawnMode = iota
	// Detach starts the child and lets it go.
	Detach
)

// SharedConfig is the part of a worker's configuration common to every
// worker in a run.
type SharedConfig struct {
	Dir        string
	Runner     string
	Target     string
	FilterFlag string
	RunnerArgs []string
	Mode       OutputMode
	Spawn      SpawnMode

	// OutPath and ErrPath name a worker's capture files. When nil, files
	// under os.TempDir() are used.
	OutPath func(id int) string
	ErrPath func(id int) string

	// Stdout and Stderr receive Live output; nil means the parent's streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Spec describes one worker.
type Spec struct {
	ID     int
	Bucket []string
	Env    []EnvVar
	Shared SharedConfig
}

// Result is what a worker leaves behind once it is done.
type Result struct {
	ID       int
	Tests    int
	PID      int
	ExitCode int
	Err      error
	Output   string
	Stderr   string
	Duration time.Duration
	Detached bool
}

// Failed reports whether the worker could not be spawned or its runner
// exited non-zero.
func (r Result) Failed() bool { return r.Err != nil || r.ExitCode != 0 }

// ErrInvalidSpec is returned by New for a spec that cannot be run.
var ErrInvalidSpec = errors.New("invalid worker spec")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("worker already started")

// Worker is a running (or runnable) bucket. Only its monitor goroutine
// writes the result, once, when the child exits.
type Worker struct {
	Spec

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result

	closeOnce sync.Once
	closeErr  error
}

// New validates spec and returns an unstarted Worker.
func New(spec Spec) (*Worker, error) {
	switch {
	case spec.ID < 0:
		return nil, fmt.Errorf("%w: negative id %d", ErrInvalidSpec, spec.ID)
	case len(spec.Bucket) == 0:
		return nil, fmt.Errorf("%w: worker %d has no test identifiers", ErrInvalidSpec, spec.ID)
	case strings.TrimSpace(spec.Shared.Runner) == "":
		return nil, fmt.Errorf("%w: no runner command", ErrInvalidSpec)
	}
	if err := checkEnv(runtime.GOOS, spec.Env); err != nil {
		return nil, err
	}
	return &Worker{Spec: spec, result: Result{ID: spec.ID, Tests: len(spec.Bucket)}}, nil
}

// Build returns one Worker per bucket. Worker i exports env followed by the
// run variables from RunEnv(i, statePath).
func Build(buckets [][]string, shared SharedConfig, env []EnvVar, statePath string) ([]*Worker, error) {
	workers := make([]*Worker, 0, len(buckets))
	for i, b := range buckets {
		wenv := make([]EnvVar, 0, len(env)+3)
		wenv = append(wenv, env...)
		wenv = append(wenv, RunEnv(i, statePath)...)
		w, err := New(Spec{ID: i, Bucket: b, Env: wenv, Shared: shared})
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// OutPath returns the stdout capture file for this worker.
func (w *Worker) OutPath() string {
	if w.Shared.OutPath != nil {
		return w.Shared.OutPath(w.ID)
	}
	return w.tempPath(".out")
}

// ErrPath returns the stderr capture file for this worker.
func (w *Worker) ErrPath() string {
	if w.Shared.ErrPath != nil {
		return w.Shared.ErrPath(w.ID)
	}
	return w.tempPath(".err")
}

func (w *Worker) tempPath(ext string) string {
	name := "prspec-" + strconv.Itoa(os.Getpid()) + "-" + strconv.Itoa(w.ID) + ext
	return filepath.Join(os.TempDir(), name)
}

// waitResult holds the outcome of an exec.Cmd.Wait call.
type waitResult struct {
	state *os.ProcessState
	err   error
}

// Start spawns the runner. A spawn failure is recorded in the Result and
// also returned; the worker counts as done either way.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	began := time.Now()
	line := w.CommandLine()
	slog.Debug("starting worker", slog.Int("worker_id", w.ID), slog.Int("tests", len(w.Bucket)), slog.String("command", line))

	cmd := shellCommand(line)
	cmd.Dir = w.Shared.Dir
	cmd.Env = childEnv()

	var captured []*os.File
	switch {
	case w.Shared.Mode == Live:
		cmd.Stdout = orDefault(w.Shared.Stdout, os.Stdout)
		cmd.Stderr = orDefault(w.Shared.Stderr, os.Stderr)
	case w.Shared.Spawn == Detach:
		// Nobody reads a detached worker's output; it goes to the null device.
	default:
		outF, err := os.Create(w.OutPath())
		if err != nil {
			return w.spawnFailed(fmt.Errorf("creating output file: %w", err), began)
		}
		errF, err := os.Create(w.ErrPath())
		if err != nil {
			outF.Close()
			return w.spawnFailed(fmt.Errorf("creating error file: %w", err), began)
		}
		cmd.Stdout, cmd.Stderr = outF, errF
		captured = []*os.File{outF, errF}
	}

	err := cmd.Start()
	// The child holds its own descriptors now.
	for _, f := range captured {
		f.Close()
	}
	if err != nil {
		return w.spawnFailed(fmt.Errorf("starting runner: %w", err), began)
	}
	pid := cmd.Process.Pid

	if w.Shared.Spawn == Detach {
		slog.Info("worker detached", slog.Int("worker_id", w.ID), slog.Int("pid", pid))
		_ = cmd.Process.Release()
		w.finish(Result{PID: pid, Detached: true, Duration: time.Since(began)})
		return nil
	}

	slog.Info("worker started", slog.Int("worker_id", w.ID), slog.Int("pid", pid), slog.Int("tests", len(w.Bucket)))
	go w.monitor(ctx, cmd, began)
	return nil
}

func (w *Worker) spawnFailed(err error, began time.Time) error {
	slog.Error("worker failed to start", slog.Int("worker_id", w.ID), slog.Any("error", err))
	w.finish(Result{ExitCode: -1, Err: err, Duration: time.Since(began)})
	return fmt.Errorf("worker %d: %w", w.ID, err)
}

// monitor waits for the child, killing its process group if ctx ends first.
func (w *Worker) monitor(ctx context.Context, cmd *exec.Cmd, began time.Time) {
	ch := make(chan waitResult, 1)
	go func() {
		err := cmd.Wait()
		ch <- waitResult{cmd.ProcessState, err}
	}()

	var res waitResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		terminateProcess(cmd)
		res = <-ch // drain so the inner goroutine exits
	}

	r := Result{PID: cmd.Process.Pid, Duration: time.Since(began)}
	switch {
	case res.state != nil:
		r.ExitCode = res.state.ExitCode()
		if !res.state.Success() && ctx.Err() != nil {
			r.Err = ctx.Err()
		}
	case res.err != nil:
		r.ExitCode = -1
		r.Err = res.err
	}

	if w.Shared.Mode != Live {
		if data, err := os.ReadFile(w.OutPath()); err == nil {
			r.Output = string(data)
		}
		if data, err := os.ReadFile(w.ErrPath()); err == nil {
			r.Stderr = string(data)
		}
	}

	if r.Failed() {
		slog.Warn("worker exited with error",
			slog.Int("worker_id", w.ID),
			slog.Int("exit_code", r.ExitCode),
			slog.Any("error", r.Err),
			slog.String("stderr", strings.TrimSpace(r.Stderr)))
	} else {
		slog.Info("worker completed", slog.Int("worker_id", w.ID), slog.Duration("duration", r.Duration))
	}
	w.finish(r)
}

func (w *Worker) finish(r Result) {
	r.ID = w.ID
	r.Tests = len(w.Bucket)
	w.mu.Lock()
	w.result = r
	w.mu.Unlock()
	close(w.done)
}

// IsDone reports whether the child has exited. A worker that was never
// started, failed to spawn, or was detached is done.
func (w *Worker) IsDone() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Result returns the outcome recorded so far.
func (w *Worker) Result() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Close kills the child if it is still running, waits for the monitor and
// removes the capture files. It is safe to call more than once. A detached
// child is left alone.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		cancel, done := w.cancel, w.done
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		if w.Shared.Mode == Live || w.Shared.Spawn == Detach {
			return
		}
		var errs *multierror.Error
		for _, p := range []string{w.OutPath(), w.ErrPath()} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = multierror.Append(errs, err)
			}
		}
		w.closeErr = errs.ErrorOrNil()
	})
	return w.closeErr
}

// childEnv returns the parent environment minus PRSPEC_* variables left by
// an enclosing run.
func childEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "PRSPEC_") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
