// Command tt syncs Azure DevOps work items into a local store and links them
// to projects and team members.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time with -ldflags.
	Version = "dev"

	configPath  string
	jsonOutput  bool
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "tt",
	Short: "tt - Azure DevOps work item sync for team tracking",
	Long: `tt keeps a local copy of a team's Azure DevOps work items.

It pulls changed items incrementally from a saved connection, imports
Azure DevOps identities as team members, and links synced items to
internal projects.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup & Configuration:"},
		&cobra.Group{ID: "sync", Title: "Sync & Data:"},
		&cobra.Group{ID: "items", Title: "Working With Items:"},
		&cobra.Group{ID: "advanced", Title: "Services:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: auto-discover .teamtrack/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
