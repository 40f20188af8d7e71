package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default("/srv/app")

	if cfg.Debounce != 2*time.Second {
		t.Errorf("Expected Debounce to be 2s, got %s", cfg.Debounce)
	}
	if cfg.StartGrace != 3*time.Second {
		t.Errorf("Expected StartGrace to be 3s, got %s", cfg.StartGrace)
	}
	if cfg.StopTimeout != 10*time.Second {
		t.Errorf("Expected StopTimeout to be 10s, got %s", cfg.StopTimeout)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("Expected PollInterval to be 2s, got %s", cfg.PollInterval)
	}
	assert.Equal(t, "main.py", cfg.EntryFile)
	assert.Equal(t, []string{".py"}, cfg.SourceSuffixes)
	assert.Contains(t, cfg.IgnoreDirs, StateDirName)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default config is valid", mutate: func(c *Config) {}},
		{name: "zero start grace is valid", mutate: func(c *Config) { c.StartGrace = 0 }},
		{name: "zero restart pause is valid", mutate: func(c *Config) { c.RestartPause = 0 }},
		{name: "debounce too small", mutate: func(c *Config) { c.Debounce = time.Millisecond }, wantErr: true},
		{name: "stop timeout too large", mutate: func(c *Config) { c.StopTimeout = time.Hour }, wantErr: true},
		{name: "negative start grace", mutate: func(c *Config) { c.StartGrace = -time.Second }, wantErr: true},
		{name: "poll interval too small", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
		{name: "empty entry file", mutate: func(c *Config) { c.EntryFile = " " }, wantErr: true},
		{name: "empty command", mutate: func(c *Config) { c.Command = "" }, wantErr: true},
		{name: "unterminated quote", mutate: func(c *Config) { c.Command = `python "main.py` }, wantErr: true},
		{name: "no suffixes", mutate: func(c *Config) { c.SourceSuffixes = nil }, wantErr: true},
		{name: "empty suffix", mutate: func(c *Config) { c.SourceSuffixes = []string{""} }, wantErr: true},
		{name: "negative history keep", mutate: func(c *Config) { c.HistoryKeep = -1 }, wantErr: true},
		{name: "zero history keep is valid", mutate: func(c *Config) { c.HistoryKeep = 0 }},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/srv/app")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestArgv(t *testing.T) {
	cfg := Default("/srv/app")
	cfg.Command = `uvicorn "main:app" --host 127.0.0.1 --port 9000`

	args, err := cfg.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"uvicorn", "main:app", "--host", "127.0.0.1", "--port", "9000"}, args)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yamlContent := `
entry_file: app.py
command: python app.py
debounce: 500ms
stop_timeout: 3s
source_suffixes: [".py", ".pyi"]
force_polling: true
history_db: .autorestart/history.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(yamlContent), 0644))

	t.Setenv("AUTORESTART_START_GRACE", "250ms")
	t.Setenv("AUTORESTART_LOG_LEVEL", "debug")
	t.Setenv("AUTORESTART_HISTORY_KEEP", "50")

	cfg, err := Load(dir)
	require.NoError(t, err)

	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, cfg.Dir, "file must not override Dir")
	assert.Equal(t, "app.py", cfg.EntryFile)
	assert.Equal(t, "python app.py", cfg.Command)
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 3*time.Second, cfg.StopTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.StartGrace)
	assert.Equal(t, []string{".py", ".pyi"}, cfg.SourceSuffixes)
	assert.True(t, cfg.ForcePolling)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.HistoryKeep)
	assert.Equal(t, filepath.Join(abs, ".autorestart", "history.db"), cfg.HistoryFile())
	assert.Equal(t, filepath.Join(abs, "app.py"), cfg.EntryPath())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultCommand, cfg.Command)
	assert.Empty(t, cfg.HistoryFile())
}

func TestLoadRejectsBadEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"AUTORESTART_DEBOUNCE", "soon"},
		{"AUTORESTART_FORCE_POLLING", "maybe"},
		{"AUTORESTART_STOP_TIMEOUT", "1ms"},
		{"AUTORESTART_HISTORY_KEEP", "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("debounce: [oops"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestParseEnvList(t *testing.T) {
	t.Setenv("AUTORESTART_IGNORE_DIRS", " .git, node_modules ,,build")

	var dirs []string
	parseEnvList("AUTORESTART_IGNORE_DIRS", &dirs)
	assert.Equal(t, []string{".git", "node_modules", "build"}, dirs)
}
