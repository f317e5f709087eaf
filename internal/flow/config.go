package flow

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the engine and its surrounding
// tooling, loaded from YAML.
type Config struct {
	Executable  string `yaml:"executable"`
	Shell       string `yaml:"shell"`
	Concurrency int    `yaml:"concurrency"`
	Strict      bool   `yaml:"strict"`
	EnvFile     string `yaml:"env_file"`

	History HistoryConfig `yaml:"history"`
	Archive ArchiveConfig `yaml:"archive"`
}

// HistoryConfig enables the SQLite run ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig describes the remote storage host for artifact stage-out.
type ArchiveConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/abiflow/config.yaml or ~/.config/abiflow/config.yaml.
// A missing default config is not an error; built-in defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		Executable:  "abinit",
		Shell:       "/bin/sh",
		Concurrency: 1,
	}
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "abiflow", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return cfg, nil
}

// LoadEnvFile reads KEY=VALUE pairs for the subprocess environment
// (OMP_NUM_THREADS and friends). Lines starting with # are ignored.
// A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}
	return out, nil
}

// Probes are the external predicates the engine consults when deriving a
// task Status. The engine never interprets job output itself.
type Probes struct {
	// IsComplete reports whether the primary output file reached a valid
	// terminal state. Missing or unreadable files must yield false.
	IsComplete func(path string) bool
	// ParseEWC extracts error/warning/comment messages from an output or
	// log file.
	ParseEWC func(path string) (EWC, error)
}

// ScriptSpec is handed to the job-script generator.
type ScriptSpec struct {
	Shell      string
	Executable string
	FilesPath  string
	LogPath    string
	StderrPath string
	Env        map[string]string
}

// Options is the pass-through configuration blob a Work applies to every
// Task it creates.
type Options struct {
	Executable  string
	Shell       string
	Env         map[string]string
	Strict      bool
	Concurrency int

	Probes Probes
	// Script renders the job.sh content. When nil a minimal launcher is used.
	Script func(ScriptSpec) string

	// Hooks. TaskTeardown runs only after a zero exit code.
	TaskSetup    func(*Task) error
	TaskTeardown func(*Task) error
	Setup        func(*Work) error
	Teardown     func(*Work) error
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Executable == "" {
		opts.Executable = "abinit"
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Probes.IsComplete == nil {
		opts.Probes.IsComplete = func(string) bool { return false }
	}
	if opts.Probes.ParseEWC == nil {
		opts.Probes.ParseEWC = func(string) (EWC, error) { return EWC{}, nil }
	}
	if opts.Script == nil {
		opts.Script = defaultScript
	}
	return opts
}

// defaultScript is the minimal launcher used when no generator is injected.
// The richer generator lives in internal/input.
func defaultScript(s ScriptSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!%s\n", s.Shell)
	fmt.Fprintf(&b, "exec %q < %q > %q 2> %q\n", s.Executable, s.FilesPath, s.LogPath, s.StderrPath)
	return b.String()
}
