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

// ErrDuplicate is returned when a create would violate a uniqueness rule.
var ErrDuplicate = errors.New("already exists")

// CreateProject adds a local project that work items can be linked to.
func (s *Store) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	now := time.Now()
	res, err := s.execContext(ctx,
		`INSERT INTO projects (name, created_at) VALUES (?, ?)`, name, formatTime(now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("project %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}
	return &types.Project{ID: id, Name: name, CreatedAt: now.UTC()}, nil
}

// GetProject returns a project by id, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	var p types.Project
	var createdAt string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&p.ID, &p.Name, &createdAt)
	}, `SELECT id, name, created_at FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

// ListProjects returns all local projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]types.Project, error) {
	rows, err := s.queryContext(ctx, `SELECT id, name, created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []types.Project
	for rows.Next() {
		var p types.Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		if t, err := parseTime(createdAt); err == nil {
			p.CreatedAt = t
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// GetTeamMember returns a team member by id, or ErrNotFound.
func (s *Store) GetTeamMember(ctx context.Context, id int64) (*types.TeamMember, error) {
	var m types.TeamMember
	var email sql.NullString
	var createdAt string
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&m.ID, &m.DisplayName, &email, &createdAt)
	}, `SELECT id, display_name, email, created_at FROM team_members WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team member %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team member: %w", err)
	}
	m.Email = email.String
	if t, err := parseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}

// ListTeamMembers returns all local team members ordered by display name.
func (s *Store) ListTeamMembers(ctx context.Context) ([]types.TeamMember, error) {
	rows, err := s.queryContext(ctx,
		`SELECT id, display_name, email, created_at FROM team_members ORDER BY display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	var members []types.TeamMember
	for rows.Next() {
		var m types.TeamMember
		var email sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.DisplayName, &email, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		m.Email = email.String
		if t, err := parseTime(createdAt); err == nil {
			m.CreatedAt = t
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating team members: %w", err)
	}
	return members, nil
}
