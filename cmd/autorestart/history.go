package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autorestart/internal/config"
	"github.com/steveyegge/autorestart/internal/journal"
	"github.com/steveyegge/autorestart/internal/process"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent server lifecycle events",
	Long: `Show recent starts, stops, crashes and restart requests from the history
database. History is recorded only when history_db (or --history-db) is set.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		runID, _ := cmd.Flags().GetString("run")
		dbPath, _ := cmd.Flags().GetString("db")

		cfg, err := loadConfig(cmd)
		if err != nil {
			fail("%v", err)
		}
		if dbPath == "" {
			dbPath = cfg.HistoryFile()
		} else {
			dbPath = cfg.Resolve(dbPath)
		}
		if dbPath == "" {
			fail("history is disabled; set history_db in %s or AUTORESTART_HISTORY_DB", config.FileName)
		}
		if _, err := os.Stat(dbPath); err != nil {
			fail("no history at %s: %v", dbPath, err)
		}

		ctx := context.Background()
		j, err := journal.Open(ctx, dbPath)
		if err != nil {
			fail("%v", err)
		}
		defer j.Close()

		entries, err := j.Recent(ctx, limit, runID)
		if err != nil {
			fail("%v", err)
		}
		printHistory(os.Stdout, entries)
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of events to show")
	historyCmd.Flags().String("run", "", "Only show events for this run ID")
	historyCmd.Flags().String("db", "", "History database (default: history_db from config)")
	rootCmd.AddCommand(historyCmd)
}

// printHistory renders entries oldest first.
func printHistory(w io.Writer, entries []journal.Entry) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	if len(entries) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No history recorded"))
		return
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		kind := kindColor(e.Kind)(fmt.Sprintf("%-18s", e.Kind))
		line := fmt.Sprintf("%s  %s", gray(e.CreatedAt.Format(time.DateTime)), kind)
		if e.PID != 0 {
			line += fmt.Sprintf(" pid=%d", e.PID)
		}
		if e.RunID != "" {
			line += " run=" + shortID(e.RunID)
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(w, line)
	}
}

func kindColor(kind string) func(a ...interface{}) string {
	switch kind {
	case string(process.StateRunning):
		return color.New(color.FgGreen).SprintFunc()
	case string(process.StateStopped):
		return color.New(color.FgRed).SprintFunc()
	case journal.KindRestartRequested:
		return color.New(color.FgCyan).SprintFunc()
	case journal.KindSupervisorStart, journal.KindSupervisorStop:
		return color.New(color.FgMagenta).SprintFunc()
	default:
		return color.New(color.FgYellow).SprintFunc()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
