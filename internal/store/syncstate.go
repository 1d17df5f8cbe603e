package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

// BeginRun atomically moves the connection to Running and stamps
// last_attempted_at with startedAt. It returns false without error if another
// run already holds the connection.
//
// A Running status whose last_attempted_at is older than staleAfter is treated
// as abandoned (the process died mid-run) and may be taken over. A zero
// staleAfter disables the takeover.
//
// The watermark columns are not touched.
func (s *Store) BeginRun(ctx context.Context, connID int64, startedAt time.Time, staleAfter time.Duration) (bool, error) {
	query := `
	UPDATE sync_state SET status = ?, last_attempted_at = ?
	WHERE connection_id = ? AND (status <> ?`
	args := []any{
		string(types.RunStatusRunning), formatTime(startedAt),
		connID, string(types.RunStatusRunning),
	}
	if staleAfter > 0 {
		query += ` OR last_attempted_at IS NULL OR last_attempted_at < ?`
		args = append(args, formatTime(startedAt.Add(-staleAfter)))
	}
	query += `)`

	res, err := s.execContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to begin sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to begin sync run: %w", err)
	}
	return n == 1, nil
}

// CompleteRun marks the run that started at startedAt as Succeeded.
//
// When wm is non-nil the watermark is replaced with it; a nil wm leaves the
// previous watermark in place (empty change set). last_error is cleared.
// Returns ErrRunNotOwned if the run lost the connection in the meantime.
func (s *Store) CompleteRun(ctx context.Context, connID int64, startedAt time.Time, wm *types.Watermark, completedAt time.Time) error {
	query := `UPDATE sync_state SET status = ?, last_completed_at = ?, last_error = NULL`
	args := []any{string(types.RunStatusSucceeded), formatTime(completedAt)}
	if wm != nil {
		query += `, last_successful_changed_at = ?, last_successful_item_id = ?`
		args = append(args, formatTime(wm.ChangedAt), wm.ExternalID)
	}
	query += ` WHERE connection_id = ? AND status = ? AND last_attempted_at = ?`
	args = append(args, connID, string(types.RunStatusRunning), formatTime(startedAt))

	return s.finishRun(ctx, query, args)
}

// FailRun marks the run that started at startedAt as Failed with msg.
// The watermark is left untouched.
func (s *Store) FailRun(ctx context.Context, connID int64, startedAt time.Time, msg string) error {
	return s.finishRun(ctx, `
	UPDATE sync_state SET status = ?, last_error = ?
	WHERE connection_id = ? AND status = ? AND last_attempted_at = ?
	`, []any{
		string(types.RunStatusFailed), msg,
		connID, string(types.RunStatusRunning), formatTime(startedAt),
	})
}

func (s *Store) finishRun(ctx context.Context, query string, args []any) error {
	res, err := s.execContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if n == 0 {
		return ErrRunNotOwned
	}
	return nil
}
