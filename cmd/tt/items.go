package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/store"
	"github.com/mschirtzinger/teamtrack/internal/types"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var itemsCmd = &cobra.Command{
	Use:     "items",
	GroupID: "items",
	Short:   "List and link synced work items",
}

var itemsUnlinkedCmd = &cobra.Command{
	Use:   "unlinked",
	Short: "List synced items not yet linked to a project",
	Long: `List synced items with no project link, most recently changed first.

The MEMBER column suggests a team member when the item's assignee has been
imported with 'tt users import'.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		items, err := a.svc.ListUnlinkedWorkItems(ctx, limit)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			if items == nil {
				items = []types.UnlinkedWorkItem{}
			}
			outputJSON(items)
			return
		}
		if len(items) == 0 {
			fmt.Printf("%s Every synced item is linked\n", ui.RenderPass(ui.IconPass))
			return
		}

		members := memberNames(a)
		now := time.Now()
		rows := make([][]string, 0, len(items))
		for _, it := range items {
			suggested := "-"
			if it.SuggestedTeamMemberID != nil {
				suggested = members[*it.SuggestedTeamMemberID]
			}
			rows = append(rows, []string{
				strconv.FormatInt(it.ID, 10),
				"#" + strconv.Itoa(it.ExternalID),
				it.Type,
				it.State,
				it.Title,
				assigneeOrDash(it.AssigneeUniqueName),
				suggested,
				formatAge(it.ChangedAt, now),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "ADO", "TYPE", "STATE", "TITLE", "ASSIGNEE", "MEMBER", "CHANGED"}, rows)
	},
}

var itemsLinkCmd = &cobra.Command{
	Use:   "link <item-id...>",
	Short: "Link synced items to a project",
	Long: `Link synced items to an internal project.

Items are given by their local ID (the ID column of 'tt items unlinked').
Without --member each item's team member is resolved from its assignee;
items whose assignee has not been imported are linked without one. Items
that are already linked are skipped.

Examples:
  tt items link --project Platform 41 42 43
  tt items link --project 2 --member 7 41`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		ids, err := parseIDs(args)
		if err != nil {
			FatalError("%v", err)
		}

		projectArg, _ := cmd.Flags().GetString("project")
		projectID, err := resolveProject(a, projectArg)
		if err != nil {
			FatalError("%v", err)
		}

		var memberID *int64
		if cmd.Flags().Changed("member") {
			m, _ := cmd.Flags().GetInt64("member")
			memberID = &m
		}

		result, err := a.svc.LinkWorkItems(ctx, ids, projectID, memberID)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		fmt.Printf("%s Linked %d items\n", ui.RenderPass(ui.IconPass), result.Linked)
		if len(result.Skipped) > 0 {
			skipped := make([]string, len(result.Skipped))
			for i, id := range result.Skipped {
				skipped[i] = strconv.FormatInt(id, 10)
			}
			fmt.Printf("   %s already linked: %s\n", ui.RenderWarn(ui.IconWarn), strings.Join(skipped, ", "))
		}
	},
}

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List synced items",
	Long: `List synced items, most recently changed first.

--since accepts a date, an RFC 3339 time, a duration such as 48h, or
phrases like "yesterday" and "last monday".`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		since, _ := cmd.Flags().GetString("since")
		filter := store.WorkItemFilter{}
		filter.State, _ = cmd.Flags().GetString("state")
		filter.Assignee, _ = cmd.Flags().GetString("assignee")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		now := time.Now()
		var err error
		if filter.ChangedSince, err = parseSince(since, now); err != nil {
			FatalError("%v", err)
		}

		items, err := a.svc.ListWorkItems(ctx, filter)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			if items == nil {
				items = []types.WorkItemRecord{}
			}
			outputJSON(items)
			return
		}
		rows := make([][]string, 0, len(items))
		for _, it := range items {
			rows = append(rows, []string{
				"#" + strconv.Itoa(it.ExternalID),
				it.Type,
				it.State,
				it.Title,
				assigneeOrDash(it.AssigneeUniqueName),
				formatAge(it.ChangedAt, now),
			})
		}
		ui.Table(os.Stdout, []string{"ADO", "TYPE", "STATE", "TITLE", "ASSIGNEE", "CHANGED"}, rows)
		if !filter.ChangedSince.IsZero() {
			fmt.Printf("\n%s\n", ui.RenderMuted(fmt.Sprintf("%d items changed since %s", len(items), filter.ChangedSince.Format("2006-01-02 15:04"))))
		}
	},
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid item ID %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// resolveProject accepts a project ID or an exact name.
func resolveProject(a *app, arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, fmt.Errorf("--project is required")
	}
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	projects, err := a.svc.ListProjects(a.ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, arg) {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("no project named %q (create it with 'tt projects add')", arg)
}

func memberNames(a *app) map[int64]string {
	names := make(map[int64]string)
	members, err := a.svc.ListTeamMembers(a.ctx)
	if err != nil {
		a.logger.Debug("failed to load team members", "error", err)
		return names
	}
	for _, m := range members {
		names[m.ID] = m.DisplayName
	}
	return names
}

func assigneeOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	itemsUnlinkedCmd.Flags().IntP("limit", "n", 0, "Maximum items to show (default: sync.unlinked_page_size)")

	itemsLinkCmd.Flags().StringP("project", "p", "", "Project ID or name (required)")
	itemsLinkCmd.Flags().Int64("member", 0, "Team member ID for every item (default: from assignee)")
	_ = itemsLinkCmd.MarkFlagRequired("project")

	itemsListCmd.Flags().String("since", "", "Only items changed since this time")
	itemsListCmd.Flags().String("state", "", "Filter by state")
	itemsListCmd.Flags().String("assignee", "", "Filter by assignee unique name")
	itemsListCmd.Flags().IntP("limit", "n", 50, "Maximum items to show (0 for all)")

	itemsCmd.AddCommand(itemsUnlinkedCmd, itemsLinkCmd, itemsListCmd)
	rootCmd.AddCommand(itemsCmd)
}
