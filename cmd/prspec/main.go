package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/ilocn/prspec/internal/discover"
	"github.com/ilocn/prspec/internal/exitcodes"
	"github.com/ilocn/prspec/internal/extract"
	"github.com/ilocn/prspec/internal/idgen"
	"github.com/ilocn/prspec/internal/logger"
	"github.com/ilocn/prspec/internal/partition"
	"github.com/ilocn/prspec/internal/state"
	"github.com/ilocn/prspec/internal/supervisor"
	"github.com/ilocn/prspec/internal/worker"
	"github.com/ilocn/prspec/internal/workspace"
)

var version = "dev" // injected via ldflags at build time

const description = "prspec — run a spec suite across parallel runner processes\n\n" +
	"Extracts every test case from the spec files, deals them round-robin to N workers\n" +
	"and runs one runner invocation per worker.\n\n" +
	"USAGE:  prspec [run] [flags]"

// Globals holds the streams commands write to.
type Globals struct {
	Stdout io.Writer
	Stderr io.Writer
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Run     RunCmd     `cmd:"" default:"withargs" help:"Partition the suite and run it (default command)."`
	Workers WorkersCmd `cmd:"" help:"Print the running worker count of an active run."`
	Version VersionCmd `cmd:"" help:"Print version and platform info."`
}

func parserOptions(g *Globals) []kong.Option {
	return []kong.Option{
		kong.Name("prspec"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Bind(g),
	}
}

// exitStatus carries a non-zero exit code that needs no further message.
type exitStatus int

func (e exitStatus) Error() string { return "exit status " + strconv.Itoa(int(e)) }

// exitCode maps a command error onto the process exit code.
func exitCode(err error) int {
	var st exitStatus
	switch {
	case err == nil:
		return exitcodes.Success
	case errors.As(err, &st):
		return int(st)
	case supervisor.IsConfigError(err):
		return exitcodes.ConfigError
	default:
		return exitcodes.TestFailure
	}
}

// ─── run ─────────────────────────────────────────────────────────────────────

type RunCmd struct {
	Dir             string        `short:"d" default:"." help:"Base directory the runner executes in."`
	Path            string        `short:"p" help:"Spec directory or single .rb file, relative to --dir (default: spec)."`
	Exclude         string        `short:"e" help:"Skip spec files whose path matches this regular expression."`
	NumWorkers      int           `short:"n" name:"num-workers" help:"Number of parallel workers (default: number of CPUs)."`
	Tag             string        `short:"t" help:"Only run cases tagged NAME or NAME:VALUE."`
	RunnerArgs      string        `short:"r" name:"runner-args" help:"Extra arguments appended to every runner invocation."`
	Runner          string        `help:"Runner command (default: rspec)."`
	FilterFlag      string        `name:"filter-flag" help:"Runner flag that selects one test case (default: -e)."`
	TestMode        bool          `name:"test-mode" help:"Plan the run and print each worker's command without starting it."`
	Quiet           bool          `short:"q" help:"Do not relay runner output or print the summary."`
	SerializeOutput bool          `short:"s" name:"serialize-output" xor:"output" help:"Print each worker's output as soon as it finishes."`
	Live            bool          `xor:"output" help:"Stream runner output directly instead of capturing it."`
	IgnorePending   bool          `name:"ignore-pending" help:"Skip cases whose body starts with pending or skip."`
	Detach          bool          `help:"Start the runners and exit without waiting for them."`
	Env             []string      `name:"env" placeholder:"KEY=VALUE" help:"Export a variable to every runner (repeatable)."`
	Unset           []string      `name:"unset" placeholder:"KEY" help:"Unset a variable for every runner (repeatable)."`
	PollInterval    time.Duration `name:"poll-interval" help:"How often finished workers are collected (default: 1s)."`
	StateFile       string        `name:"state-file" help:"Shared state record, relative to --dir (default: .prspec/state.json)."`
	NoSummary       bool          `name:"no-summary" help:"Do not print the per-worker summary table."`
}

// envKey is the shape of a variable name both shells accept unquoted.
var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// settings is the run configuration after .prspec.yml and flags are merged.
type settings struct {
	path, exclude, suffix string
	runner, filterFlag    string
	runnerArgs            []string
	workers               int
	tag                   extract.TagFilter
	keywords              []string
	env                   []worker.EnvVar
	pollInterval          time.Duration
}

// resolve overlays explicit flags on the workspace config and fills in
// defaults for anything neither sets.
func (c *RunCmd) resolve(cfg workspace.Config) (settings, error) {
	s := settings{
		path:         first(c.Path, cfg.Path, "spec"),
		exclude:      first(c.Exclude, cfg.Exclude),
		suffix:       first(cfg.Suffix, discover.DefaultSuffix),
		runner:       first(c.Runner, cfg.Runner, "rspec"),
		filterFlag:   first(c.FilterFlag, cfg.FilterFlag, worker.DefaultFilterFlag),
		tag:          extract.ParseTagFilter(first(c.Tag, cfg.Tag)),
		keywords:     cfg.Keywords,
		workers:      c.NumWorkers,
		pollInterval: c.PollInterval,
	}
	if c.RunnerArgs != "" {
		s.runnerArgs = strings.Fields(c.RunnerArgs)
	} else {
		s.runnerArgs = cfg.RunnerArgs
	}
	if s.workers == 0 {
		s.workers = cfg.Workers
	}
	if s.workers == 0 {
		s.workers = runtime.NumCPU()
	}
	if s.pollInterval == 0 {
		s.pollInterval = cfg.PollInterval
	}

	// Exports are rendered in key order, so map order does not matter.
	for k, v := range cfg.Env {
		s.env = append(s.env, worker.EnvVar{Key: k, Value: v})
	}
	for _, k := range cfg.Unset {
		s.env = append(s.env, worker.EnvVar{Key: k, Unset: true})
	}
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return s, fmt.Errorf("--env must be KEY=VALUE, got: %s", kv)
		}
		s.env = append(s.env, worker.EnvVar{Key: k, Value: v})
	}
	for _, k := range c.Unset {
		s.env = append(s.env, worker.EnvVar{Key: k, Unset: true})
	}
	for _, e := range s.env {
		if !envKey.MatchString(e.Key) {
			return s, fmt.Errorf("invalid environment variable name %q", e.Key)
		}
	}
	return s, nil
}

func (c *RunCmd) outputMode() worker.OutputMode {
	switch {
	case c.Live:
		return worker.Live
	case c.SerializeOutput:
		return worker.Serialized
	default:
		return worker.Buffered
	}
}

func (c *RunCmd) Run(g *Globals) error {
	ws, err := workspace.Open(c.Dir, idgen.NewRunID())
	if err != nil {
		return supervisor.NewConfigError(err)
	}
	if c.StateFile != "" {
		ws.Config.StateFile = c.StateFile
	}
	s, err := c.resolve(ws.Config)
	if err != nil {
		return supervisor.NewConfigError(err)
	}

	files, err := discover.Files(ws.Root, s.path, s.exclude, s.suffix)
	if err != nil {
		return supervisor.NewConfigError(err)
	}
	abs := make([]string, len(files))
	for i, f := range files {
		abs[i] = filepath.Join(ws.Root, filepath.FromSlash(f))
	}
	ids, err := extract.New(s.tag, c.IgnorePending, s.keywords...).Extract(abs)
	if err != nil {
		return supervisor.NewConfigError(err)
	}
	slog.Info("found test cases", slog.Int("tests", len(ids)), slog.Int("files", len(files)), slog.String("tag", s.tag.String()))

	buckets, effective, err := partition.Partition(ids, s.workers)
	if err != nil {
		return supervisor.NewConfigError(fmt.Errorf("%w in %s", err, filepath.Join(ws.Root, s.path)))
	}

	// A dry run leaves the directory untouched.
	if !c.TestMode {
		if err := ws.EnsureScratch(); err != nil {
			return fmt.Errorf("creating scratch directory: %w", err)
		}
	}
	shared := worker.SharedConfig{
		Dir:        ws.Root,
		Runner:     s.runner,
		Target:     s.path,
		FilterFlag: s.filterFlag,
		RunnerArgs: s.runnerArgs,
		Mode:       c.outputMode(),
		OutPath:    ws.OutPath,
		ErrPath:    ws.ErrPath,
		Stdout:     g.Stdout,
		Stderr:     g.Stderr,
	}
	if c.Detach {
		shared.Spawn = worker.Detach
	}
	workers, err := worker.Build(buckets, shared, s.env, ws.StatePath())
	if err != nil {
		return supervisor.NewConfigError(err)
	}

	if c.TestMode {
		for _, w := range workers {
			fmt.Fprintf(g.Stdout, "worker %d (%d tests): %s\n", w.ID, len(w.Bucket), w.CommandLine())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *state.Store
	if !c.TestMode {
		store = state.Open(ws.StatePath())
		store.RunID = ws.RunID
	}
	slog.Info("starting run", slog.String("run_id", ws.RunID), slog.Int("workers", effective), slog.String("mode", shared.Mode.String()))

	report, err := supervisor.Run(ctx, workers, supervisor.Options{
		Store:        store,
		ScratchDir:   ws.ScratchDir(),
		DryRun:       c.TestMode,
		PollInterval: s.pollInterval,
		Quiet:        c.Quiet,
		Stdout:       g.Stdout,
	})
	if err != nil && report == nil {
		return err
	}

	if shared.Mode == worker.Buffered && !c.Quiet {
		fmt.Fprint(g.Stdout, report.Output)
	}
	if !c.Quiet && !c.NoSummary {
		if serr := supervisor.WriteSummary(g.Stderr, report); serr != nil {
			slog.Warn("writing summary failed", slog.Any("error", serr))
		}
	}
	if err != nil {
		return err
	}
	if code := report.ExitCode(); code != exitcodes.Success {
		return exitStatus(code)
	}
	return nil
}

// first returns the first non-empty value.
func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ─── workers ─────────────────────────────────────────────────────────────────

type WorkersCmd struct {
	Dir       string `short:"d" default:"." help:"Base directory of the run."`
	StateFile string `name:"state-file" help:"Shared state record, relative to --dir (default: .prspec/state.json)."`
}

func (c *WorkersCmd) Run(g *Globals) error {
	ws, err := workspace.Open(c.Dir, "")
	if err != nil {
		return supervisor.NewConfigError(err)
	}
	if c.StateFile != "" {
		ws.Config.StateFile = c.StateFile
	}
	n, err := state.ReadCount(ws.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		n, err = 0, nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(g.Stdout, n)
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.Stdout, "prspec %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

func main() {
	logger.Init()

	var cli CLI
	globals := &Globals{Stdout: os.Stdout, Stderr: os.Stderr}
	ctx := kong.Parse(&cli, parserOptions(globals)...)

	err := ctx.Run()
	var st exitStatus
	if err != nil && !errors.As(err, &st) {
		fmt.Fprintf(os.Stderr, "prspec: %v\n", err)
	}
	os.Exit(exitCode(err))
}
