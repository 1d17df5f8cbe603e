package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/types"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var usersCmd = &cobra.Command{
	Use:     "users",
	GroupID: "sync",
	Short:   "Import Azure DevOps identities as team members",
}

var usersImportCmd = &cobra.Command{
	Use:   "import [unique-name...]",
	Short: "Import identities and map them to team members",
	Long: `Import Azure DevOps identities.

Each new identity gets a team member and a mapping from its unique name, so
synced items assigned to it can be linked. Re-importing is safe: mapped
identities keep their member.

Users come from, in order of precedence:
  - unique names given as arguments (looked up in the connection's team)
  - a JSON file of users (--file users.json)
  - an interactive picker over the connection's team (in a terminal)

Examples:
  tt users import ana@contoso.com ben@contoso.com
  tt ado users --json > users.json && tt users import --file users.json
  tt users import`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		file, _ := cmd.Flags().GetString("file")

		var users []types.ExternalUser
		switch {
		case file != "":
			var err error
			users, err = readUsersFile(file)
			if err != nil {
				FatalError("%v", err)
			}
		default:
			conn, err := a.svc.GetConnection(ctx)
			if err != nil {
				FatalServiceError(err)
			}
			team, err := a.svc.ListExternalUsers(ctx, conn.Organization, conn.ProjectID, conn.TeamID)
			if err != nil {
				FatalServiceError(err)
			}
			if len(args) > 0 {
				var missing []string
				users, missing = selectUsers(team, args)
				if len(missing) > 0 {
					FatalError("not members of %s: %s", conn.TeamName, strings.Join(missing, ", "))
				}
			} else {
				if !ui.IsTerminal() || jsonOutput {
					FatalErrorWithHint("no users given", "Pass unique names as arguments or use --file")
				}
				users = pickUsers(team)
			}
		}

		if len(users) == 0 {
			fmt.Println("Nothing to import.")
			return
		}

		result, err := a.svc.ImportUsers(ctx, users)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		fmt.Printf("%s Imported %d users\n", ui.RenderPass(ui.IconPass), len(users))
		fmt.Printf("   New members:  %d\n", result.MembersCreated)
		fmt.Printf("   New mappings: %d\n", result.MappingsCreated)
		if len(result.Skipped) > 0 {
			fmt.Printf("   %s %s\n", ui.RenderWarn("Skipped:"), strings.Join(result.Skipped, ", "))
		}
	},
}

// readUsersFile accepts the JSON written by 'tt ado users --json'.
func readUsersFile(path string) ([]types.ExternalUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var users []types.ExternalUser
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return users, nil
}

// selectUsers picks team members by unique name, case-insensitively.
func selectUsers(team []types.ExternalUser, names []string) (selected []types.ExternalUser, missing []string) {
	byName := make(map[string]types.ExternalUser, len(team))
	for _, u := range team {
		byName[strings.ToLower(u.UniqueName)] = u
	}
	for _, n := range names {
		u, ok := byName[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			missing = append(missing, n)
			continue
		}
		selected = append(selected, u)
	}
	return selected, missing
}

func pickUsers(team []types.ExternalUser) []types.ExternalUser {
	if len(team) == 0 {
		return nil
	}
	options := make([]huh.Option[int], len(team))
	for i, u := range team {
		options[i] = huh.NewOption(fmt.Sprintf("%s <%s>", u.DisplayName, u.UniqueName), i)
	}

	var picked []int
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[int]().
				Title("Import which users?").
				Description("Space to toggle, enter to confirm").
				Options(options...).
				Value(&picked),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(os.Stderr, "Import cancelled.")
			os.Exit(0)
		}
		FatalError("form error: %v", err)
	}

	users := make([]types.ExternalUser, 0, len(picked))
	for _, i := range picked {
		users = append(users, team[i])
	}
	return users
}

func init() {
	usersImportCmd.Flags().StringP("file", "f", "", "JSON file of users to import")
	usersCmd.AddCommand(usersImportCmd)
	rootCmd.AddCommand(usersCmd)
}
