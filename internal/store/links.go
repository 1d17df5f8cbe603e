package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

// LinkWorkItems attaches cached work items (by local id) to a project.
//
// The member for each link is teamMemberID when given, otherwise the member
// the item's assignee maps to, otherwise none. Unknown ids and items that are
// already linked are reported in Skipped; existing links are never replaced.
//
// The project and explicit member must exist, else ErrNotFound is returned
// before anything is written.
func (s *Store) LinkWorkItems(ctx context.Context, workItemIDs []int64, projectID int64, teamMemberID *int64) (*types.LinkResult, error) {
	var result *types.LinkResult
	now := formatTime(time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = &types.LinkResult{}

		if err := existsTx(ctx, tx, `SELECT 1 FROM projects WHERE id = ?`, projectID); err != nil {
			return fmt.Errorf("project %d: %w", projectID, err)
		}
		if teamMemberID != nil {
			if err := existsTx(ctx, tx, `SELECT 1 FROM team_members WHERE id = ?`, *teamMemberID); err != nil {
				return fmt.Errorf("team member %d: %w", *teamMemberID, err)
			}
		}

		seen := make(map[int64]bool, len(workItemIDs))
		for _, id := range workItemIDs {
			if seen[id] {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			seen[id] = true

			var linked sql.NullInt64
			var suggested sql.NullInt64
			err := tx.QueryRowContext(ctx, `
			SELECT l.id, m.team_member_id
			FROM work_items w
			LEFT JOIN work_item_links l ON l.work_item_id = w.id
			LEFT JOIN identity_mappings m ON m.unique_name = w.assignee_key
			WHERE w.id = ?
			`, id).Scan(&linked, &suggested)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && linked.Valid) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read work item %d: %w", id, err)
			}

			member := nullInt64Ptr(suggested)
			if teamMemberID != nil {
				member = teamMemberID
			}

			var memberArg sql.NullInt64
			if member != nil {
				memberArg = sql.NullInt64{Int64: *member, Valid: true}
			}
			_, err = tx.ExecContext(ctx, `
			INSERT INTO work_item_links (work_item_id, project_id, team_member_id, linked_at)
			VALUES (?, ?, ?, ?)
			`, id, projectID, memberArg, now)
			if isUniqueViolation(err) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to link work item %d: %w", id, err)
			}
			result.Linked++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLink returns the link for a cached work item.
// Returns ErrNotFound if the item is not linked.
func (s *Store) GetLink(ctx context.Context, workItemID int64) (*types.WorkItemLink, error) {
	var l types.WorkItemLink
	var member sql.NullInt64
	var linkedAt string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&l.ID, &l.WorkItemID, &l.ProjectID, &member, &linkedAt)
	}, `
	SELECT id, work_item_id, project_id, team_member_id, linked_at
	FROM work_item_links WHERE work_item_id = ?
	`, workItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link for work item %d: %w", workItemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	l.TeamMemberID = nullInt64Ptr(member)
	if t, err := parseTime(linkedAt); err == nil {
		l.LinkedAt = t
	}
	return &l, nil
}

// CountLinks returns the total number of work item links.
func (s *Store) CountLinks(ctx context.Context) (int, error) {
	var count int
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&count)
	}, `SELECT COUNT(*) FROM work_item_links`)
	if err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return count, nil
}

func existsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
