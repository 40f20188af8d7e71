package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"
)

// FileName is the optional per-project config file, looked up in the watched root.
const FileName = ".autorestart.yaml"

// StateDirName holds runtime files (control socket, history database).
// It is always ignored by the watcher.
const StateDirName = ".autorestart"

// Config holds supervisor configuration.
//
// Values are resolved in order: defaults, config file, environment, then CLI flags
// (applied by the caller). Durations in the YAML file use Go syntax ("2s", "500ms").
type Config struct {
	// Dir is the watched root and the child's working directory.
	Dir string `yaml:"-"`

	// EntryFile must exist under Dir before the supervisor starts the child.
	// Default: main.py
	EntryFile string `yaml:"entry_file"`

	// Command is the child command line, split with POSIX shell rules.
	// Default: python main.py --host 0.0.0.0 --port 8000 --reload
	Command string `yaml:"command"`

	// SourceSuffixes are the file suffixes that count as source changes.
	// Default: [.py]
	SourceSuffixes []string `yaml:"source_suffixes"`

	// IgnoreDirs are directory names whose contents never trigger a restart.
	IgnoreDirs []string `yaml:"ignore_dirs"`

	// Debounce is the cooldown after an accepted change.
	// Default: 2s, Range: 100ms-1m
	Debounce time.Duration `yaml:"debounce"`

	// StartGrace is how long a fresh child must survive to count as started.
	// Default: 3s, Range: 0-1m
	StartGrace time.Duration `yaml:"start_grace"`

	// StopTimeout bounds the graceful stop before a forced kill.
	// Default: 10s, Range: 100ms-5m
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// RestartPause is the gap between stop and start during a restart.
	// Default: 1s, Range: 0-1m
	RestartPause time.Duration `yaml:"restart_pause"`

	// PollInterval is the scan interval of the polling watcher.
	// Default: 2s, Range: 100ms-1m
	PollInterval time.Duration `yaml:"poll_interval"`

	// ForcePolling skips the native watcher.
	ForcePolling bool `yaml:"force_polling"`

	// SocketPath is the control socket. Relative paths resolve against Dir.
	// Default: .autorestart/supervisor.sock
	SocketPath string `yaml:"socket_path"`

	// HistoryDB enables the lifecycle journal when non-empty.
	// Relative paths resolve against Dir.
	HistoryDB string `yaml:"history_db"`

	// HistoryKeep is how many journal events survive pruning. 0 keeps everything.
	// Default: 1000, Range: 0-1000000
	HistoryKeep int `yaml:"history_keep"`

	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`
}

// DefaultCommand is the child command used when none is configured.
const DefaultCommand = "python main.py --host 0.0.0.0 --port 8000 --reload"

// DefaultIgnoreDirs returns the directory names that are never watched.
func DefaultIgnoreDirs() []string {
	return []string{
		".git",
		".hg",
		".svn",
		StateDirName,
		"node_modules",
		"__pycache__",
		".venv",
		"venv",
		".pytest_cache",
		".mypy_cache",
		"build",
		"dist",
		".idea",
		".vscode",
	}
}

// Default returns the configuration used when nothing is overridden.
func Default(dir string) *Config {
	return &Config{
		Dir:            dir,
		EntryFile:      "main.py",
		Command:        DefaultCommand,
		SourceSuffixes: []string{".py"},
		IgnoreDirs:     DefaultIgnoreDirs(),
		Debounce:       2 * time.Second,
		StartGrace:     3 * time.Second,
		StopTimeout:    10 * time.Second,
		RestartPause:   1 * time.Second,
		PollInterval:   2 * time.Second,
		SocketPath:     filepath.Join(StateDirName, "supervisor.sock"),
		HistoryKeep:    1000,
		LogLevel:       "info",
	}
}

// Load builds the configuration for dir: defaults, then dir/.autorestart.yaml if
// present, then AUTORESTART_* environment variables. The result is validated.
func Load(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	cfg := Default(abs)
	if err := cfg.LoadFile(filepath.Join(abs, FileName)); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dir := c.Dir
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.Dir = dir
	return nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("dir must be set")
	}
	if strings.TrimSpace(c.EntryFile) == "" {
		return errors.New("entry_file must be set")
	}
	if _, err := c.Argv(); err != nil {
		return err
	}
	if len(c.SourceSuffixes) == 0 {
		return errors.New("source_suffixes must list at least one suffix")
	}
	for _, s := range c.SourceSuffixes {
		if s == "" {
			return errors.New("source_suffixes must not contain empty entries")
		}
	}

	bounds := []struct {
		name     string
		value    time.Duration
		min, max time.Duration
	}{
		{"debounce", c.Debounce, 100 * time.Millisecond, time.Minute},
		{"start_grace", c.StartGrace, 0, time.Minute},
		{"stop_timeout", c.StopTimeout, 100 * time.Millisecond, 5 * time.Minute},
		{"restart_pause", c.RestartPause, 0, time.Minute},
		{"poll_interval", c.PollInterval, 100 * time.Millisecond, time.Minute},
	}
	for _, b := range bounds {
		if b.value < b.min || b.value > b.max {
			return fmt.Errorf("%s must be between %s and %s (got %s)", b.name, b.min, b.max, b.value)
		}
	}

	if c.HistoryKeep < 0 || c.HistoryKeep > 1000000 {
		return fmt.Errorf("history_keep must be between 0 and 1000000 (got %d)", c.HistoryKeep)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}

// Argv splits Command into an argument vector.
func (c *Config) Argv() ([]string, error) {
	args, err := shell.Fields(c.Command, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", c.Command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("command must not be empty")
	}
	return args, nil
}

// EntryPath returns the absolute path of the entry file.
func (c *Config) EntryPath() string {
	return c.Resolve(c.EntryFile)
}

// SocketFile returns the absolute control socket path.
func (c *Config) SocketFile() string {
	return c.Resolve(c.SocketPath)
}

// HistoryFile returns the absolute journal path, or "" when the journal is disabled.
func (c *Config) HistoryFile() string {
	if c.HistoryDB == "" {
		return ""
	}
	return c.Resolve(c.HistoryDB)
}

// Resolve makes p absolute relative to Dir.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// String returns a one-line summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Dir: %s, EntryFile: %s, Command: %q, Debounce: %s, StartGrace: %s, StopTimeout: %s, PollInterval: %s, ForcePolling: %t}",
		c.Dir, c.EntryFile, c.Command, c.Debounce, c.StartGrace, c.StopTimeout, c.PollInterval, c.ForcePolling,
	)
}
