package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "synthesis",
	Short:         "Synthesis - process execution engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `Synthesis executes process definitions: graphs of steps connected by
finish-to-start, start-to-start and finish-to-finish dependencies, with
retries, timeouts, loops, parallel branches and checkpointed pause/resume.

Configuration is read from ~/.synthesis/settings.json, SYNTHESIS_* environment
variables and flags, in increasing priority.`,
}

func init() {
	registerConfigFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// configFromCmd loads the layered configuration for cmd.
func configFromCmd(cmd *cobra.Command) (Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfig(path, cmd.Flags())
}
