// Command autorestart runs a development server and restarts it whenever a
// source file under the project directory changes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/autorestart/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "autorestart",
	Short: "Run a server and restart it when source files change",
	Long: `autorestart starts the configured server command, watches the project
directory for source changes and restarts the server after each change.

Running it without a subcommand is the same as 'autorestart run'.

Configuration is read from .autorestart.yaml in the project directory,
then AUTORESTART_* environment variables, then command-line flags.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if code := runSupervisor(cmd); code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "Project directory to watch and run the server in")
	addRunFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for the --dir flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = "."
	}
	return config.Load(dir)
}

// fail prints err and exits non-zero, the way every subcommand reports errors.
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
