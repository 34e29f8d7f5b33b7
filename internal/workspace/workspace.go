package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the optional per-project configuration read from the base
// directory.
const ConfigFile = ".prspec.yml"

// Config is the .prspec.yml content. Every field is optional; zero values
// mean "use the command-line default".
type Config struct {
	Runner       string            `yaml:"runner"`
	Path         string            `yaml:"path"`
	Exclude      string            `yaml:"exclude"`
	Suffix       string            `yaml:"suffix"`
	Workers      int               `yaml:"workers"`
	Tag          string            `yaml:"tag"`
	FilterFlag   string            `yaml:"filter_flag"`
	RunnerArgs   []string          `yaml:"runner_args"`
	Keywords     []string          `yaml:"keywords"`
	Env          map[string]string `yaml:"env"`
	Unset        []string          `yaml:"unset"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	StateFile    string            `yaml:"state_file"`
}

// Workspace is the base directory a run executes in, plus the identifier
// that keeps this run's scratch files apart from any other run.
type Workspace struct {
	Root   string
	RunID  string
	Config Config
}

// Open resolves root, verifies it is a directory and loads .prspec.yml when
// present.
func Open(root, runID string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("base directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("base directory %s is not a directory", abs)
	}
	cfg, err := LoadConfig(abs)
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: abs, RunID: runID, Config: cfg}, nil
}

// LoadConfig reads <root>/.prspec.yml. A missing file yields a zero Config.
func LoadConfig(root string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s is malformed: %w", ConfigFile, err)
	}
	return cfg, nil
}

// Path helpers: scratch data lives under <root>/.prspec/

func (ws *Workspace) ScratchDir() string { return filepath.Join(ws.Root, ".prspec") }

// StatePath returns the shared state record location: the configured file
// (relative paths resolve against Root) or <root>/.prspec/state.json.
func (ws *Workspace) StatePath() string {
	if p := ws.Config.StateFile; p != "" {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(ws.Root, p)
	}
	return filepath.Join(ws.ScratchDir(), "state.json")
}

func (ws *Workspace) OutPath(workerID int) string {
	return filepath.Join(ws.ScratchDir(), "prspec-"+ws.RunID+"-"+strconv.Itoa(workerID)+".out")
}

func (ws *Workspace) ErrPath(workerID int) string {
	return filepath.Join(ws.ScratchDir(), "prspec-"+ws.RunID+"-"+strconv.Itoa(workerID)+".err")
}

// EnsureScratch creates the scratch directory and the state file's parent.
func (ws *Workspace) EnsureScratch() error {
	if err := os.MkdirAll(ws.ScratchDir(), 0755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(ws.StatePath()), 0755)
}

// WriteFileAtomic writes data to path atomically via a uniquely named temp
// file in the same directory and a rename.
func WriteFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
