// Command autopilot runs the autonomous agent pool: worker agents claim
// issues from a GitHub Project board, implement them in git worktrees,
// review the results, and propose new work when the queue runs dry.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Global flags (persistent across all commands)
var (
	configPath string
	envFile    string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autonomous agent pool for a GitHub Project board",
	Long: `Autopilot runs a pool of worker agents against a GitHub Project board.
Each agent claims open issues, implements them in an isolated git worktree,
reviews the result against the issue's acceptance criteria, and proposes
new issues when the board is empty. Global daily and monthly budget
ceilings pause the whole pool when exhausted.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "autopilot.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
