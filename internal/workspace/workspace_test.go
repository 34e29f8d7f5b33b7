package workspace_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/prspec/internal/workspace"
)

func TestOpenWithoutConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ws, err := workspace.Open(dir, "r-test")
	require.NoError(t, err)
	assert.Equal(t, dir, ws.Root)
	assert.Equal(t, workspace.Config{}, ws.Config)
}

func TestOpenMissingDir(t *testing.T) {
	t.Parallel()
	_, err := workspace.Open(filepath.Join(t.TempDir(), "nope"), "r-test")
	require.Error(t, err)
}

func TestOpenFileNotDir(t *testing.T) {
	t.Parallel()
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	_, err := workspace.Open(f, "r-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := `runner: bundle exec rspec
path: spec/models
workers: 3
filter_flag: --example
runner_args: ["--format", "progress"]
env:
  RAILS_ENV: test
unset: [HOME]
poll_interval: 250ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.ConfigFile), []byte(yml), 0644))

	cfg, err := workspace.LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "bundle exec rspec", cfg.Runner)
	assert.Equal(t, "spec/models", cfg.Path)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "--example", cfg.FilterFlag)
	assert.Equal(t, []string{"--format", "progress"}, cfg.RunnerArgs)
	assert.Equal(t, map[string]string{"RAILS_ENV": "test"}, cfg.Env)
	assert.Equal(t, []string{"HOME"}, cfg.Unset)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

func TestLoadConfigMalformed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.ConfigFile), []byte("workers: [1"), 0644))
	_, err := workspace.LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestPathHelpers(t *testing.T) {
	t.Parallel()
	ws := &workspace.Workspace{Root: "/base", RunID: "r-abc"}
	assert.Equal(t, filepath.Join("/base", ".prspec", "state.json"), ws.StatePath())
	assert.Equal(t, filepath.Join("/base", ".prspec", "prspec-r-abc-2.out"), ws.OutPath(2))
	assert.Equal(t, filepath.Join("/base", ".prspec", "prspec-r-abc-2.err"), ws.ErrPath(2))

	ws.Config.StateFile = "tmp/state.json"
	assert.Equal(t, filepath.Join("/base", "tmp", "state.json"), ws.StatePath())
}

func TestOutPathsUniquePerRun(t *testing.T) {
	t.Parallel()
	a := &workspace.Workspace{Root: "/base", RunID: "r-1"}
	b := &workspace.Workspace{Root: "/base", RunID: "r-2"}
	assert.NotEqual(t, a.OutPath(0), b.OutPath(0))
	assert.True(t, strings.HasSuffix(a.ErrPath(0), ".err"))
}

func TestEnsureScratchAndAtomicWrite(t *testing.T) {
	t.Parallel()
	ws, err := workspace.Open(t.TempDir(), "r-test")
	require.NoError(t, err)
	require.NoError(t, ws.EnsureScratch())

	p := filepath.Join(ws.ScratchDir(), "x.json")
	require.NoError(t, workspace.WriteFileAtomic(p, []byte(`{"a":1}`)))
	require.NoError(t, workspace.WriteFileAtomic(p, []byte(`{"a":2}`)))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))
	leftovers, err := filepath.Glob(filepath.Join(ws.ScratchDir(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteFileAtomicConcurrentWriters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "state.json")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			assert.NoError(t, workspace.WriteFileAtomic(p, []byte(strconv.Itoa(v))))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	v, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.True(t, v >= 0 && v < 8, "unexpected content %q", data)
	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
