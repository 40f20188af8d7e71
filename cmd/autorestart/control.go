package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autorestart/internal/control"
	"github.com/steveyegge/autorestart/internal/process"
	"github.com/steveyegge/autorestart/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running supervisor's status",
	Long:  `Display the server process state, restart counts and change detection statistics.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		resp := sendControl(cmd, func(c *control.Client) (*control.Response, error) {
			return c.Status()
		})
		st, err := supervisor.DecodeStatus(resp.Data)
		if err != nil {
			fail("%v", err)
		}
		printStatus(os.Stdout, st)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the server now",
	Long: `Queue a restart of the server. The request skips the ignore rules, the
debounce window and pause. If a restart is already pending the two coalesce.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		resp := sendControl(cmd, func(c *control.Client) (*control.Response, error) {
			return c.Restart(reason)
		})

		green := color.New(color.FgGreen).SprintFunc()
		if queued, ok := resp.Data["queued"].(bool); ok && !queued {
			fmt.Printf("%s Restart already pending\n", green("✓"))
			return
		}
		fmt.Printf("%s Restart queued\n", green("✓"))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop restarting on file changes",
	Long: `Pause change detection. The server keeps running; file changes are ignored
until 'autorestart resume'. Manual restarts still work.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		sendControl(cmd, func(c *control.Client) (*control.Response, error) {
			return c.Pause(reason)
		})

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Change detection paused\n", green("✓"))
		fmt.Printf("\nTo resume: autorestart resume\n")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume restarting on file changes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		sendControl(cmd, func(c *control.Client) (*control.Response, error) {
			return c.Resume()
		})

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Change detection resumed\n", green("✓"))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the server and the supervisor",
	Long: `Ask the running supervisor to stop the server gracefully and exit.
The server gets SIGTERM and is killed if it has not exited after the stop timeout.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		sendControl(cmd, func(c *control.Client) (*control.Response, error) {
			return c.Shutdown(reason)
		})

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Shutdown requested\n", green("✓"))
	},
}

func init() {
	restartCmd.Flags().StringP("reason", "r", "", "Reason for the restart (optional)")
	pauseCmd.Flags().StringP("reason", "r", "", "Reason for pausing (optional)")
	stopCmd.Flags().StringP("reason", "r", "", "Reason for stopping (optional)")

	for _, c := range []*cobra.Command{statusCmd, restartCmd, pauseCmd, resumeCmd, stopCmd} {
		c.Flags().Duration("timeout", 10*time.Second, "How long to wait for the supervisor to answer")
		rootCmd.AddCommand(c)
	}
}

// sendControl sends one command to the supervisor for --dir and exits on
// any failure.
func sendControl(cmd *cobra.Command, send func(*control.Client) (*control.Response, error)) *control.Response {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fail("%v", err)
	}

	client := control.NewClient(cfg.SocketFile())
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		client.SetTimeout(timeout)
	}

	resp, err := send(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Hint: Is the supervisor running? Start it with 'autorestart run'.\n")
		os.Exit(1)
	}

	if !resp.Success {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("%s %s\n", red("✗"), resp.Message)
		if resp.Error != "" {
			fmt.Printf("  Error: %s\n", resp.Error)
		}
		os.Exit(1)
	}
	return resp
}

// printStatus renders a supervisor status report.
func printStatus(w io.Writer, st supervisor.Status) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n\n", cyan("=== autorestart status ==="))

	fmt.Fprintf(w, "%s\n", yellow("Supervisor:"))
	fmt.Fprintf(w, "  Instance:  %s\n", st.InstanceID)
	fmt.Fprintf(w, "  Directory: %s\n", st.Dir)
	fmt.Fprintf(w, "  Command:   %s\n", st.Command)
	fmt.Fprintf(w, "  Uptime:    %s\n", st.Uptime)
	if st.WatchMode != "" {
		fmt.Fprintf(w, "  Watching:  %s\n", st.WatchMode)
	}
	if st.Paused {
		fmt.Fprintf(w, "  Changes:   %s\n", yellow("paused"))
	} else {
		fmt.Fprintf(w, "  Changes:   %s\n", green("active"))
	}
	if st.HistoryDB != "" {
		fmt.Fprintf(w, "  History:   %s\n", st.HistoryDB)
	}

	fmt.Fprintf(w, "\n%s\n", yellow("Server:"))
	child := st.Child
	switch child.State {
	case process.StateRunning:
		fmt.Fprintf(w, "  %s %s (pid %d, up %s)\n", green("●"), child.State, child.PID, child.Uptime)
	case process.StateStopped:
		fmt.Fprintf(w, "  %s %s\n", red("○"), child.State)
	default:
		fmt.Fprintf(w, "  %s %s (pid %d)\n", yellow("◐"), child.State, child.PID)
	}
	if child.RunID != "" {
		fmt.Fprintf(w, "  Run:      %s\n", gray(child.RunID))
	}
	fmt.Fprintf(w, "  Starts:   %d\n", child.Starts)
	fmt.Fprintf(w, "  Restarts: %d\n", child.Restarts)
	if child.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", red(child.LastError))
	}

	c := st.Changes
	fmt.Fprintf(w, "\n%s\n", yellow("Change detection:"))
	fmt.Fprintf(w, "  Seen %d, ignored %d, debounced %d, paused %d, accepted %d, coalesced %d, manual %d\n",
		c.Seen, c.Ignored, c.Debounced, c.Paused, c.Accepted, c.Coalesced, c.Manual)
	fmt.Fprintln(w)
}
