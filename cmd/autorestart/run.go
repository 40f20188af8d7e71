package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/autorestart/internal/config"
	"github.com/steveyegge/autorestart/internal/logging"
	"github.com/steveyegge/autorestart/internal/process"
	"github.com/steveyegge/autorestart/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server and restart it on source changes",
	Long: `Start the server command in the project directory and restart it whenever
a tracked source file changes.

The entry file must exist before anything is started. Changes inside ignored
directories (.git, node_modules, __pycache__, .venv, ...) and files without a
source suffix never trigger a restart. Changes within the debounce window of
an accepted change are dropped.

Exit codes:
  0  clean shutdown (Ctrl+C, SIGTERM or 'autorestart stop')
  1  missing entry file, failed initial start or bad configuration`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if code := runSupervisor(cmd); code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// addRunFlags registers the flags that override config values.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("command", "c", "", "Server command line (default: "+config.DefaultCommand+")")
	f.StringP("entry", "e", "", "Entry file that must exist before starting (default: main.py)")
	f.StringSlice("suffix", nil, "Source file suffixes that trigger a restart (default: .py)")
	f.Duration("debounce", 0, "Cooldown after an accepted change (default: 2s)")
	f.Duration("start-grace", 0, "How long a new server must stay up to count as started (default: 3s)")
	f.Duration("stop-timeout", 0, "Graceful stop timeout before the server is killed (default: 10s)")
	f.Duration("restart-pause", 0, "Pause between stopping and starting during a restart (default: 1s)")
	f.Duration("poll-interval", 0, "Scan interval when polling for changes (default: 2s)")
	f.Bool("poll", false, "Poll for changes instead of using OS file notifications")
	f.String("history-db", "", "Record lifecycle history in this sqlite database")
	f.String("log-level", "", "Log level: debug, info, warn or error (default: info)")
}

// applyRunFlags copies flags that were set on the command line into cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("command") {
		cfg.Command, _ = f.GetString("command")
	}
	if f.Changed("entry") {
		cfg.EntryFile, _ = f.GetString("entry")
	}
	if f.Changed("suffix") {
		cfg.SourceSuffixes, _ = f.GetStringSlice("suffix")
	}
	durations := []struct {
		name string
		dest *time.Duration
	}{
		{"debounce", &cfg.Debounce},
		{"start-grace", &cfg.StartGrace},
		{"stop-timeout", &cfg.StopTimeout},
		{"restart-pause", &cfg.RestartPause},
		{"poll-interval", &cfg.PollInterval},
	}
	for _, d := range durations {
		if f.Changed(d.name) {
			*d.dest, _ = f.GetDuration(d.name)
		}
	}
	if f.Changed("poll") {
		cfg.ForcePolling, _ = f.GetBool("poll")
	}
	if f.Changed("history-db") {
		cfg.HistoryDB, _ = f.GetString("history-db")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// runSupervisor runs until shutdown and returns the process exit code.
func runSupervisor(cmd *cobra.Command) int {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	logger.Debug("configuration", zap.Stringer("config", cfg))

	sup, err := supervisor.New(supervisor.Options{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	stopSignals := cancelOnSignal(cancel, logger)
	defer stopSignals()

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s autorestart %s watching %s\n", green("✓"), cyan(version), cfg.Dir)
	fmt.Fprintf(os.Stderr, "  Command: %s\n", cfg.Command)
	fmt.Fprintf(os.Stderr, "  Press Ctrl+C to stop\n\n")

	if err := sup.Run(ctx); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		switch {
		case errors.Is(err, supervisor.ErrEntryFileMissing):
			fmt.Fprintf(os.Stderr, "Hint: create %s or point --entry at the server's entry file.\n", cfg.EntryFile)
		case errors.Is(err, supervisor.ErrAlreadySupervised):
			fmt.Fprintf(os.Stderr, "Hint: check it with 'autorestart status' or end it with 'autorestart stop'.\n")
		case process.IsStartupError(err):
			fmt.Fprintf(os.Stderr, "Hint: the server exited within %s of starting; see its output above.\n", cfg.StartGrace)
		}
		return 1
	}

	fmt.Fprintf(os.Stderr, "%s Server stopped\n", green("✓"))
	return 0
}

// cancelOnSignal calls cancel on the first SIGINT or SIGTERM. The returned
// func stops listening; signals after it are handled by the runtime again.
func cancelOnSignal(cancel context.CancelFunc, logger *zap.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}
