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

// ImportUsers caches the selected external users and maps each one to a local
// team member, all in one transaction.
//
// A user with no mapping gets a new team member and a new mapping. A user that
// is already mapped only has its cached attributes refreshed; the team member
// is left alone. Blank unique names and repeats within the same request are
// reported in Skipped.
func (s *Store) ImportUsers(ctx context.Context, users []types.ExternalUser) (*types.ImportResult, error) {
	var result *types.ImportResult
	now := formatTime(time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = &types.ImportResult{}
		seen := make(map[string]bool, len(users))

		for _, u := range users {
			key := normalizeUniqueName(u.UniqueName)
			if key == "" || seen[key] {
				result.Skipped = append(result.Skipped, u.UniqueName)
				continue
			}
			seen[key] = true

			added, err := upsertExternalUserTx(ctx, tx, key, u, now)
			if err != nil {
				return err
			}
			if added {
				result.UsersAdded++
			} else {
				result.UsersUpdated++
			}

			var memberID int64
			err = tx.QueryRowContext(ctx,
				`SELECT team_member_id FROM identity_mappings WHERE unique_name = ?`, key,
			).Scan(&memberID)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to look up mapping for %s: %w", key, err)
			}

			memberID, err = insertTeamMemberTx(ctx, tx, memberDisplayName(u), memberEmail(u.UniqueName), now)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO identity_mappings (unique_name, team_member_id, created_at) VALUES (?, ?, ?)`,
				key, memberID, now,
			)
			if isUniqueViolation(err) {
				// A concurrent import mapped this name first; drop our member.
				if _, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE id = ?`, memberID); err != nil {
					return fmt.Errorf("failed to discard duplicate member for %s: %w", key, err)
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to create mapping for %s: %w", key, err)
			}
			result.MembersCreated++
			result.MappingsCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertExternalUserTx(ctx context.Context, tx *sql.Tx, key string, u types.ExternalUser, now string) (added bool, err error) {
	res, err := tx.ExecContext(ctx, `
	UPDATE external_users SET display_name = ?, descriptor = ?, updated_at = ?
	WHERE unique_name = ?
	`, strings.TrimSpace(u.DisplayName), nullString(u.Descriptor), now, key)
	if err != nil {
		return false, fmt.Errorf("failed to update external user %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to update external user %s: %w", key, err)
	} else if n > 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO external_users (unique_name, display_name, descriptor, first_seen_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	`, key, strings.TrimSpace(u.DisplayName), nullString(u.Descriptor), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert external user %s: %w", key, err)
	}
	return true, nil
}

func insertTeamMemberTx(ctx context.Context, tx *sql.Tx, displayName, email, now string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO team_members (display_name, email, created_at) VALUES (?, ?, ?)`,
		displayName, nullString(email), now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create team member %q: %w", displayName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read team member id: %w", err)
	}
	return id, nil
}

func memberDisplayName(u types.ExternalUser) string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(u.UniqueName)
}

func memberEmail(uniqueName string) string {
	uniqueName = strings.TrimSpace(uniqueName)
	if strings.Contains(uniqueName, "@") {
		return uniqueName
	}
	return ""
}

// GetMapping returns the mapping for an external unique name.
// Returns ErrNotFound if the name was never imported.
func (s *Store) GetMapping(ctx context.Context, uniqueName string) (*types.IdentityMapping, error) {
	var m types.IdentityMapping
	var createdAt string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&m.ID, &m.UniqueName, &m.TeamMemberID, &createdAt)
	}, `
	SELECT id, unique_name, team_member_id, created_at
	FROM identity_mappings WHERE unique_name = ?
	`, normalizeUniqueName(uniqueName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping for %s: %w", uniqueName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}

// ListMappings returns every identity mapping ordered by unique name.
func (s *Store) ListMappings(ctx context.Context) ([]types.IdentityMapping, error) {
	rows, err := s.queryContext(ctx, `
	SELECT id, unique_name, team_member_id, created_at
	FROM identity_mappings ORDER BY unique_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []types.IdentityMapping
	for rows.Next() {
		var m types.IdentityMapping
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UniqueName, &m.TeamMemberID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if t, err := parseTime(createdAt); err == nil {
			m.CreatedAt = t
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// ListCachedUsers returns the external users cached by previous imports.
func (s *Store) ListCachedUsers(ctx context.Context) ([]types.ExternalUser, error) {
	rows, err := s.queryContext(ctx, `
	SELECT unique_name, display_name, descriptor
	FROM external_users ORDER BY display_name, unique_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list external users: %w", err)
	}
	defer rows.Close()

	var users []types.ExternalUser
	for rows.Next() {
		var u types.ExternalUser
		var descriptor sql.NullString
		if err := rows.Scan(&u.UniqueName, &u.DisplayName, &descriptor); err != nil {
			return nil, fmt.Errorf("failed to scan external user: %w", err)
		}
		u.Descriptor = descriptor.String
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external users: %w", err)
	}
	return users, nil
}
