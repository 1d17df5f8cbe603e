package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

type upsertOutcome int

const (
	outcomeUnchanged upsertOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// UpsertWorkItems writes a batch of records for a connection in one
// transaction.
//
// A record is inserted on first sight. An existing record is overwritten only
// if the incoming revision is strictly greater than the stored one, so replays
// and out-of-order batches never regress an item. Either the whole batch
// commits or none of it does.
func (s *Store) UpsertWorkItems(ctx context.Context, connID int64, records []types.WorkItemRecord) (types.UpsertStats, error) {
	var stats types.UpsertStats
	if len(records) == 0 {
		return stats, nil
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return stats, fmt.Errorf("invalid work item: %w", err)
		}
	}

	now := time.Now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stats = types.UpsertStats{}
		for i := range records {
			outcome, err := upsertWorkItemTx(ctx, tx, connID, &records[i], now)
			if err != nil {
				return err
			}
			switch outcome {
			case outcomeCreated:
				stats.Created++
			case outcomeUpdated:
				stats.Updated++
			default:
				stats.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return types.UpsertStats{}, err
	}
	return stats, nil
}

func upsertWorkItemTx(ctx context.Context, tx *sql.Tx, connID int64, rec *types.WorkItemRecord, now time.Time) (upsertOutcome, error) {
	var stored int
	err := tx.QueryRowContext(ctx,
		`SELECT revision FROM work_items WHERE connection_id = ? AND external_id = ?`,
		connID, rec.ExternalID,
	).Scan(&stored)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (
			connection_id, external_id, revision, changed_at, title, state, type,
			area_path, iteration_path, assignee_unique_name, assignee_key, url,
			first_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			connID, rec.ExternalID, rec.Revision, formatTime(rec.ChangedAt),
			rec.Title, rec.State, rec.Type, rec.AreaPath, rec.IterationPath,
			nullString(rec.AssigneeUniqueName), nullString(normalizeUniqueName(rec.AssigneeUniqueName)), rec.URL,
			formatTime(now), formatTime(now),
		)
		if err == nil {
			return outcomeCreated, nil
		}
		if !isUniqueViolation(err) {
			return outcomeUnchanged, fmt.Errorf("failed to insert work item %d: %w", rec.ExternalID, err)
		}
		// Lost an insert race; fall through to the guarded update.
	case err != nil:
		return outcomeUnchanged, fmt.Errorf("failed to read work item %d: %w", rec.ExternalID, err)
	case rec.Revision <= stored:
		return outcomeUnchanged, nil
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE work_items SET
		revision = ?, changed_at = ?, title = ?, state = ?, type = ?,
		area_path = ?, iteration_path = ?, assignee_unique_name = ?, assignee_key = ?,
		url = ?, updated_at = ?
	WHERE connection_id = ? AND external_id = ? AND revision < ?
	`,
		rec.Revision, formatTime(rec.ChangedAt), rec.Title, rec.State, rec.Type,
		rec.AreaPath, rec.IterationPath, nullString(rec.AssigneeUniqueName),
		nullString(normalizeUniqueName(rec.AssigneeUniqueName)), rec.URL,
		formatTime(now),
		connID, rec.ExternalID, rec.Revision,
	)
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("failed to update work item %d: %w", rec.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return outcomeUnchanged, fmt.Errorf("failed to update work item %d: %w", rec.ExternalID, err)
	}
	if n == 0 {
		return outcomeUnchanged, nil
	}
	return outcomeUpdated, nil
}

const workItemColumns = `
	w.id, w.connection_id, w.external_id, w.revision, w.changed_at, w.title,
	w.state, w.type, w.area_path, w.iteration_path, w.assignee_unique_name,
	w.url, w.first_seen_at, w.updated_at`

// GetWorkItem returns the cached record for an external id.
// Returns ErrNotFound if the item was never synced.
func (s *Store) GetWorkItem(ctx context.Context, connID int64, externalID int) (*types.WorkItemRecord, error) {
	rows, err := s.queryContext(ctx, `SELECT `+workItemColumns+`
	FROM work_items w
	WHERE w.connection_id = ? AND w.external_id = ?
	`, connID, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %d: %w", externalID, err)
	}
	defer rows.Close()

	items, err := scanWorkItems(rows, false)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("work item %d: %w", externalID, ErrNotFound)
	}
	return &items[0].WorkItemRecord, nil
}

// WorkItemFilter configures ListWorkItems.
type WorkItemFilter struct {
	// ChangedSince keeps items changed at or after this instant (zero = all)
	ChangedSince time.Time
	// State filters by exact state (empty = all)
	State string
	// Assignee filters by assignee unique name, case-insensitive (empty = all)
	Assignee string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListWorkItems returns cached items, newest change first.
func (s *Store) ListWorkItems(ctx context.Context, connID int64, filter WorkItemFilter) ([]types.WorkItemRecord, error) {
	conditions := []string{"w.connection_id = ?"}
	args := []any{connID}

	if !filter.ChangedSince.IsZero() {
		conditions = append(conditions, "w.changed_at >= ?")
		args = append(args, formatTime(filter.ChangedSince))
	}
	if filter.State != "" {
		conditions = append(conditions, "w.state = ?")
		args = append(args, filter.State)
	}
	if filter.Assignee != "" {
		conditions = append(conditions, "w.assignee_key = ?")
		args = append(args, normalizeUniqueName(filter.Assignee))
	}

	query := `SELECT ` + workItemColumns + `
	FROM work_items w
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY w.changed_at DESC, w.external_id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	items, err := scanWorkItems(rows, false)
	if err != nil {
		return nil, err
	}
	records := make([]types.WorkItemRecord, len(items))
	for i := range items {
		records[i] = items[i].WorkItemRecord
	}
	return records, nil
}

// CountWorkItems returns the number of cached items for a connection.
func (s *Store) CountWorkItems(ctx context.Context, connID int64) (int, error) {
	var count int
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&count)
	}, `SELECT COUNT(*) FROM work_items WHERE connection_id = ?`, connID)
	if err != nil {
		return 0, fmt.Errorf("failed to count work items: %w", err)
	}
	return count, nil
}

// ListUnlinkedWorkItems returns cached items that have no link yet, most
// recently changed first, capped at limit. Each item carries the team member
// its assignee maps to, if any. Nothing is written.
func (s *Store) ListUnlinkedWorkItems(ctx context.Context, connID int64, limit int) ([]types.UnlinkedWorkItem, error) {
	if limit <= 0 {
		limit = DefaultUnlinkedPageSize
	}

	rows, err := s.queryContext(ctx, `SELECT `+workItemColumns+`, m.team_member_id
	FROM work_items w
	LEFT JOIN work_item_links l ON l.work_item_id = w.id
	LEFT JOIN identity_mappings m ON m.unique_name = w.assignee_key
	WHERE w.connection_id = ? AND l.id IS NULL
	ORDER BY w.changed_at DESC, w.external_id DESC
	LIMIT ?
	`, connID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked work items: %w", err)
	}
	defer rows.Close()

	return scanWorkItems(rows, true)
}

// DefaultUnlinkedPageSize caps ListUnlinkedWorkItems when no limit is given.
const DefaultUnlinkedPageSize = 200

func scanWorkItems(rows *sql.Rows, withSuggestion bool) ([]types.UnlinkedWorkItem, error) {
	var items []types.UnlinkedWorkItem

	for rows.Next() {
		var item types.UnlinkedWorkItem
		var changedAt, firstSeenAt, updatedAt string
		var assignee sql.NullString
		var suggested sql.NullInt64

		dest := []any{
			&item.ID, &item.ConnectionID, &item.ExternalID, &item.Revision,
			&changedAt, &item.Title, &item.State, &item.Type,
			&item.AreaPath, &item.IterationPath, &assignee, &item.URL,
			&firstSeenAt, &updatedAt,
		}
		if withSuggestion {
			dest = append(dest, &suggested)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}

		t, err := parseTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse changed_at for item %d: %w", item.ExternalID, err)
		}
		item.ChangedAt = t
		if t, err := parseTime(firstSeenAt); err == nil {
			item.FirstSeenAt = t
		}
		if t, err := parseTime(updatedAt); err == nil {
			item.UpdatedAt = t
		}
		item.AssigneeUniqueName = assignee.String
		item.SuggestedTeamMemberID = nullInt64Ptr(suggested)

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}
	return items, nil
}
