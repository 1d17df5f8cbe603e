package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/config"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Write a starter config file",
	Long: `Write a starter .teamtrack/config.yaml in the current directory.

With --global the file goes to ~/.config/teamtrack/config.yaml instead.
An existing file is never overwritten.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		global, _ := cmd.Flags().GetBool("global")

		dir := config.DirName
		if global {
			p := config.UserConfigPath()
			if p == "" {
				FatalError("cannot determine home directory")
			}
			dir = filepath.Dir(p)
		}

		path, err := config.WriteDefault(dir)
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"config": path})
			return
		}
		fmt.Printf("%s Config ready at %s\n", ui.RenderPass(ui.IconPass), path)
		fmt.Println("   Set ado.pat (or TT_ADO_PAT), then run 'tt connection set'.")
	},
}

func init() {
	initCmd.Flags().Bool("global", false, "Write the per-user config instead")
	rootCmd.AddCommand(initCmd)
}
