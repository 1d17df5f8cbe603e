package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/types"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	GroupID: "items",
	Short:   "Manage internal projects that items link to",
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		project, err := a.svc.CreateProject(ctx, strings.Join(args, " "))
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(project)
			return
		}
		fmt.Printf("%s Created project %s (id %d)\n", ui.RenderPass(ui.IconPass), project.Name, project.ID)
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		projects, err := a.svc.ListProjects(ctx)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			if projects == nil {
				projects = []types.Project{}
			}
			outputJSON(projects)
			return
		}
		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			rows = append(rows, []string{strconv.FormatInt(p.ID, 10), p.Name, formatTime(&p.CreatedAt)})
		}
		ui.Table(os.Stdout, []string{"ID", "NAME", "CREATED"}, rows)
	},
}

var membersCmd = &cobra.Command{
	Use:     "members",
	GroupID: "items",
	Short:   "Show team members and their identity mappings",
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List team members",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		members, err := a.svc.ListTeamMembers(ctx)
		if err != nil {
			FatalServiceError(err)
		}
		mappings, err := a.svc.ListMappings(ctx)
		if err != nil {
			FatalServiceError(err)
		}

		identities := make(map[int64][]string)
		for _, m := range mappings {
			identities[m.TeamMemberID] = append(identities[m.TeamMemberID], m.UniqueName)
		}

		if jsonOutput {
			type memberJSON struct {
				types.TeamMember
				Identities []string `json:"identities"`
			}
			out := make([]memberJSON, 0, len(members))
			for _, m := range members {
				ids := identities[m.ID]
				if ids == nil {
					ids = []string{}
				}
				out = append(out, memberJSON{TeamMember: m, Identities: ids})
			}
			outputJSON(out)
			return
		}

		rows := make([][]string, 0, len(members))
		for _, m := range members {
			rows = append(rows, []string{
				strconv.FormatInt(m.ID, 10),
				m.DisplayName,
				assigneeOrDash(m.Email),
				strings.Join(identities[m.ID], ", "),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "NAME", "EMAIL", "IDENTITIES"}, rows)
	},
}

func init() {
	projectsCmd.AddCommand(projectsAddCmd, projectsListCmd)
	membersCmd.AddCommand(membersListCmd)
	rootCmd.AddCommand(projectsCmd, membersCmd)
}
