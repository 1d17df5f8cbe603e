package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var adoCmd = &cobra.Command{
	Use:     "ado",
	GroupID: "setup",
	Short:   "Browse Azure DevOps projects, teams and users",
	Long: `Browse the Azure DevOps organization to pick what to connect.

--org defaults to the saved connection's organization, and --project to its
project where that makes sense.`,
}

var adoProjectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects in an organization",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		org, _ := resolveScopeFlags(cmd, a)
		projects, err := a.svc.ListExternalProjects(ctx, org)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(projects)
			return
		}
		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []string{p.Name, p.ID, p.State})
		}
		ui.Table(os.Stdout, []string{"NAME", "ID", "STATE"}, rows)
	},
}

var adoTeamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List teams in a project",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		org, project := resolveScopeFlags(cmd, a)
		teams, err := a.svc.ListExternalTeams(ctx, org, project)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(teams)
			return
		}
		rows := make([][]string, 0, len(teams))
		for _, t := range teams {
			rows = append(rows, []string{t.Name, t.ID})
		}
		ui.Table(os.Stdout, []string{"NAME", "ID"}, rows)
	},
}

var adoUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List members of a team",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		org, project := resolveScopeFlags(cmd, a)
		team, _ := cmd.Flags().GetString("team")
		if team == "" {
			if conn, err := a.svc.GetConnection(ctx); err == nil {
				team = conn.TeamID
			}
		}
		users, err := a.svc.ListExternalUsers(ctx, org, project, team)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(users)
			return
		}
		rows := make([][]string, 0, len(users))
		for _, u := range users {
			rows = append(rows, []string{u.DisplayName, u.UniqueName})
		}
		ui.Table(os.Stdout, []string{"NAME", "UNIQUE NAME"}, rows)
		fmt.Printf("\n%s\n", ui.RenderMuted(fmt.Sprintf("%d users", len(users))))
	},
}

// resolveScopeFlags reads --org and --project, falling back to the saved
// connection.
func resolveScopeFlags(cmd *cobra.Command, a *app) (org, project string) {
	org, _ = cmd.Flags().GetString("org")
	project, _ = cmd.Flags().GetString("project")
	if org != "" && (project != "" || cmd.Flags().Lookup("project") == nil) {
		return org, project
	}
	conn, err := a.svc.GetConnection(cmd.Context())
	if err != nil {
		return org, project
	}
	if org == "" {
		org = conn.Organization
	}
	if project == "" {
		project = conn.ProjectID
	}
	return org, project
}

func init() {
	adoCmd.PersistentFlags().String("org", "", "Organization (default: saved connection)")
	adoTeamsCmd.Flags().String("project", "", "Project ID or name (default: saved connection)")
	adoUsersCmd.Flags().String("project", "", "Project ID or name (default: saved connection)")
	adoUsersCmd.Flags().String("team", "", "Team ID or name (default: saved connection)")

	adoCmd.AddCommand(adoProjectsCmd, adoTeamsCmd, adoUsersCmd)
	rootCmd.AddCommand(adoCmd)
}
