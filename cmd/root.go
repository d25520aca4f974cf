// Package cmd wires the overseer CLI: the serve daemon plus client
// commands that talk to a running daemon over its REST API.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Workflow orchestration daemon for agent pipelines",
	Long: `Overseer drives issues through an agent pipeline (architect, human
approval, developer, reviewer), persists every transition to SQLite, and
streams progress to websocket clients.

Run the daemon with "overseer serve"; manage workflows against a running
daemon with the workflow subcommands.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/overseer/config.yaml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
