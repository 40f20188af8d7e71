package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides c from environment variables:
//   - AUTORESTART_ENTRY_FILE
//   - AUTORESTART_COMMAND
//   - AUTORESTART_SOURCE_SUFFIXES (comma separated)
//   - AUTORESTART_IGNORE_DIRS (comma separated, replaces the list)
//   - AUTORESTART_DEBOUNCE, AUTORESTART_START_GRACE, AUTORESTART_STOP_TIMEOUT,
//     AUTORESTART_RESTART_PAUSE, AUTORESTART_POLL_INTERVAL (Go durations)
//   - AUTORESTART_FORCE_POLLING (bool)
//   - AUTORESTART_SOCKET
//   - AUTORESTART_HISTORY_DB
//   - AUTORESTART_HISTORY_KEEP (int)
//   - AUTORESTART_LOG_LEVEL
func (c *Config) ApplyEnv() error {
	parseEnvString("AUTORESTART_ENTRY_FILE", &c.EntryFile)
	parseEnvString("AUTORESTART_COMMAND", &c.Command)
	parseEnvList("AUTORESTART_SOURCE_SUFFIXES", &c.SourceSuffixes)
	parseEnvList("AUTORESTART_IGNORE_DIRS", &c.IgnoreDirs)
	parseEnvString("AUTORESTART_SOCKET", &c.SocketPath)
	parseEnvString("AUTORESTART_HISTORY_DB", &c.HistoryDB)
	parseEnvString("AUTORESTART_LOG_LEVEL", &c.LogLevel)

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"AUTORESTART_DEBOUNCE", &c.Debounce},
		{"AUTORESTART_START_GRACE", &c.StartGrace},
		{"AUTORESTART_STOP_TIMEOUT", &c.StopTimeout},
		{"AUTORESTART_RESTART_PAUSE", &c.RestartPause},
		{"AUTORESTART_POLL_INTERVAL", &c.PollInterval},
	}
	for _, d := range durations {
		if err := parseEnvDuration(d.key, d.dest); err != nil {
			return err
		}
	}

	if err := parseEnvInt("AUTORESTART_HISTORY_KEEP", &c.HistoryKeep); err != nil {
		return err
	}
	return parseEnvBool("AUTORESTART_FORCE_POLLING", &c.ForcePolling)
}

func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

func parseEnvList(key string, dest *[]string) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dest = out
}
