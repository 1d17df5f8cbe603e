package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mschirtzinger/teamtrack/internal/service"
	"github.com/mschirtzinger/teamtrack/internal/types"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var connectionCmd = &cobra.Command{
	Use:     "connection",
	GroupID: "setup",
	Short:   "Show or change the Azure DevOps connection",
}

var connectionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved connection",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		conn, err := a.svc.GetConnection(ctx)
		if errors.Is(err, service.ErrNotFound) {
			if jsonOutput {
				outputJSON(nil)
				return
			}
			fmt.Printf("\n%s No connection configured\n", ui.RenderWarn(ui.IconWarn))
			fmt.Printf("   Run 'tt connection set --org ... --project-id ... --team-id ...'\n\n")
			return
		}
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(conn)
			return
		}
		printConnection(conn)
	},
}

var connectionSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update the connection",
	Long: `Create or update the saved Azure DevOps connection.

Unset flags keep their saved values. Changing the organization, project,
team or area path resets the sync watermark so the next run starts over.

Examples:
  tt connection set --org contoso --project-id <guid> --project-name Fabrikam \
      --team-id <guid> --team-name Web --enabled
  tt connection set --area-path 'Fabrikam\Web'
  tt connection set --enabled=false`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		conn, err := a.svc.GetConnection(ctx)
		if err != nil && !errors.Is(err, service.ErrNotFound) {
			FatalServiceError(err)
		}
		if conn == nil {
			conn = &types.Connection{Enabled: true}
		}
		applyConnectionFlags(cmd.Flags(), conn)

		saved, reset, err := a.svc.UpdateConnection(ctx, conn)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(map[string]any{"connection": saved, "watermark_reset": reset})
			return
		}
		fmt.Printf("%s Connection saved\n", ui.RenderPass(ui.IconPass))
		if reset {
			fmt.Printf("   %s\n", ui.RenderWarn("Scope changed: the next sync starts from the beginning"))
		}
		printConnection(saved)
	},
}

// applyConnectionFlags copies the flags the user set onto conn.
func applyConnectionFlags(flags *pflag.FlagSet, conn *types.Connection) {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("org", &conn.Organization)
	str("project-id", &conn.ProjectID)
	str("project-name", &conn.ProjectName)
	str("team-id", &conn.TeamID)
	str("team-name", &conn.TeamName)
	str("area-path", &conn.AreaPath)
	if flags.Changed("enabled") {
		conn.Enabled, _ = flags.GetBool("enabled")
	}
}

func printConnection(conn *types.Connection) {
	area := conn.AreaPath
	if area == "" {
		area = ui.RenderMuted("(team areas)")
	}
	enabled := ui.RenderPass("yes")
	if !conn.Enabled {
		enabled = ui.RenderFail("no")
	}
	fmt.Printf("\n%s\n", ui.RenderAccent("Azure DevOps connection"))
	fmt.Printf("   Organization: %s\n", conn.Organization)
	fmt.Printf("   Project:      %s (%s)\n", conn.ProjectName, conn.ProjectID)
	fmt.Printf("   Team:         %s (%s)\n", conn.TeamName, conn.TeamID)
	fmt.Printf("   Area path:    %s\n", area)
	fmt.Printf("   Enabled:      %s\n\n", enabled)
}

func init() {
	f := connectionSetCmd.Flags()
	f.String("org", "", "Organization name or collection URL")
	f.String("project-id", "", "Project ID")
	f.String("project-name", "", "Project name")
	f.String("team-id", "", "Team ID")
	f.String("team-name", "", "Team name")
	f.String("area-path", "", "Area path to sync (empty uses the team's areas)")
	f.Bool("enabled", true, "Enable scheduled and manual sync")

	connectionCmd.AddCommand(connectionShowCmd, connectionSetCmd)
	rootCmd.AddCommand(connectionCmd)
}
