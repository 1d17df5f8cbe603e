package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

// GetConnection returns the active connection profile.
// Returns ErrNotFound if none has been configured.
func (s *Store) GetConnection(ctx context.Context) (*types.Connection, error) {
	var conn *types.Connection
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		c, err := scanConnection(row)
		conn = c
		return err
	}, `
	SELECT id, organization, project_id, project_name, team_id, team_name,
	       area_path, enabled, updated_at
	FROM connections
	WHERE id = ?
	`, connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// SaveConnection stores the profile as the singleton connection.
//
// The first save also creates its sync_state row. When the scope (organization,
// project, team or area path) changes, the watermark and run status are reset
// so the next run starts from the epoch for the new scope.
// It reports whether the scope was reset.
//
// A scope change is rejected with ErrRunInProgress while the sync state is
// Running; nothing is written in that case.
func (s *Store) SaveConnection(ctx context.Context, conn *types.Connection) (reset bool, err error) {
	if err := conn.Validate(); err != nil {
		return false, fmt.Errorf("invalid connection: %w", err)
	}

	now := time.Now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		reset = false
		existing, err := scanConnection(tx.QueryRowContext(ctx, `
		SELECT id, organization, project_id, project_name, team_id, team_name,
		       area_path, enabled, updated_at
		FROM connections WHERE id = ?
		`, connectionID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read connection: %w", err)
		}

		args := []any{
			conn.Organization, conn.ProjectID, conn.ProjectName,
			conn.TeamID, conn.TeamName, conn.AreaPath,
			boolToInt(conn.Enabled), formatTime(now),
		}

		if existing == nil {
			_, err = tx.ExecContext(ctx, `
			INSERT INTO connections (
				id, organization, project_id, project_name, team_id, team_name,
				area_path, enabled, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, append([]any{connectionID}, args...)...)
			if err != nil {
				return fmt.Errorf("failed to insert connection: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sync_state (connection_id, status) VALUES (?, ?)`,
				connectionID, string(types.RunStatusNeverRun))
			if err != nil {
				return fmt.Errorf("failed to create sync state: %w", err)
			}
			return nil
		}

		sameScope := existing.SameScope(conn)
		if !sameScope {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM sync_state WHERE connection_id = ?`, connectionID).Scan(&status)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read sync state: %w", err)
			}
			if types.RunStatus(status) == types.RunStatusRunning {
				return ErrRunInProgress
			}
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE connections SET
			organization = ?, project_id = ?, project_name = ?,
			team_id = ?, team_name = ?, area_path = ?,
			enabled = ?, updated_at = ?
		WHERE id = ?
		`, append(args, connectionID)...)
		if err != nil {
			return fmt.Errorf("failed to update connection: %w", err)
		}

		if sameScope {
			return nil
		}
		reset = true
		_, err = tx.ExecContext(ctx, `
		UPDATE sync_state SET
			last_successful_changed_at = NULL,
			last_successful_item_id = NULL,
			last_attempted_at = NULL,
			last_completed_at = NULL,
			status = ?,
			last_error = NULL
		WHERE connection_id = ?
		`, string(types.RunStatusNeverRun), connectionID)
		if err != nil {
			return fmt.Errorf("failed to reset sync state: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if reset {
		s.logger.Info("connection scope changed, watermark reset",
			"organization", conn.Organization, "project", conn.ProjectID, "team", conn.TeamID)
	}
	return reset, nil
}

// GetSyncState returns the sync state for the connection.
// Returns ErrNotFound if the connection was never configured.
func (s *Store) GetSyncState(ctx context.Context, connID int64) (*types.SyncState, error) {
	var st types.SyncState
	var changedAt, attemptedAt, completedAt, lastError sql.NullString
	var itemID sql.NullInt64
	var status string

	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&st.ConnectionID, &changedAt, &itemID, &attemptedAt, &completedAt, &status, &lastError)
	}, `
	SELECT connection_id, last_successful_changed_at, last_successful_item_id,
	       last_attempted_at, last_completed_at, status, last_error
	FROM sync_state
	WHERE connection_id = ?
	`, connID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state for connection %d: %w", connID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	st.LastSuccessfulChangedAt = nullStringToTime(changedAt)
	if itemID.Valid {
		id := int(itemID.Int64)
		st.LastSuccessfulItemID = &id
	}
	st.LastAttemptedAt = nullStringToTime(attemptedAt)
	st.LastCompletedAt = nullStringToTime(completedAt)
	st.Status = types.RunStatus(status)
	st.LastError = lastError.String
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*types.Connection, error) {
	var c types.Connection
	var enabled int64
	var updatedAt string
	if err := row.Scan(
		&c.ID, &c.Organization, &c.ProjectID, &c.ProjectName,
		&c.TeamID, &c.TeamName, &c.AreaPath, &enabled, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	if t, err := parseTime(updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
