// Package types defines the records shared by the teamtrack sync engine:
// the connection profile, its sync state, cached work items, identity
// mappings and work-item links.
//
// Records are plain rows with explicit foreign keys (connection id, work item
// id, team member id). Nothing here holds pointers to other records.
package types

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the outcome of the most recent sync run for a connection.
type RunStatus string

const (
	// RunStatusNeverRun means no run has been attempted since the connection was configured.
	RunStatusNeverRun RunStatus = "NeverRun"
	// RunStatusRunning means a run currently holds the connection.
	RunStatusRunning RunStatus = "Running"
	// RunStatusSucceeded means the last run committed fully.
	RunStatusSucceeded RunStatus = "Succeeded"
	// RunStatusFailed means the last run stopped before committing its watermark.
	RunStatusFailed RunStatus = "Failed"
)

// IsValid reports whether s is one of the known run statuses.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusNeverRun, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return true
	}
	return false
}

// Connection is the single active profile pointing at an external organization,
// project and team.
type Connection struct {
	ID           int64     `json:"id"`
	Organization string    `json:"organization"`
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	TeamID       string    `json:"team_id"`
	TeamName     string    `json:"team_name"`
	AreaPath     string    `json:"area_path,omitempty"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks that the scope identifiers needed for a sync are present.
func (c *Connection) Validate() error {
	if strings.TrimSpace(c.Organization) == "" {
		return fmt.Errorf("organization is required")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(c.TeamID) == "" {
		return fmt.Errorf("team id is required")
	}
	return nil
}

// SameScope reports whether two profiles select the same external items.
// A scope change invalidates the stored watermark.
func (c *Connection) SameScope(other *Connection) bool {
	if other == nil {
		return false
	}
	return strings.EqualFold(c.Organization, other.Organization) &&
		c.ProjectID == other.ProjectID &&
		c.TeamID == other.TeamID &&
		c.AreaPath == other.AreaPath
}

// Watermark marks the last successfully processed point in the external
// change stream. Items are ordered by (ChangedAt, ExternalID).
type Watermark struct {
	ChangedAt  time.Time `json:"changed_at"`
	ExternalID int       `json:"external_id"`
}

// IsZero reports whether the watermark has never been set.
func (w Watermark) IsZero() bool {
	return w.ChangedAt.IsZero() && w.ExternalID == 0
}

// Before reports whether w sorts strictly before the (changedAt, id) position.
func (w Watermark) Before(changedAt time.Time, id int) bool {
	if w.ChangedAt.Equal(changedAt) {
		return w.ExternalID < id
	}
	return w.ChangedAt.Before(changedAt)
}

// String renders the watermark as "timestamp#id".
func (w Watermark) String() string {
	if w.IsZero() {
		return "(none)"
	}
	return fmt.Sprintf("%s#%d", w.ChangedAt.UTC().Format(time.RFC3339Nano), w.ExternalID)
}

// SyncState is the per-connection progress and audit record.
//
// The LastSuccessful* pair is the watermark; it only moves when a run commits.
type SyncState struct {
	ConnectionID            int64      `json:"connection_id"`
	LastSuccessfulChangedAt *time.Time `json:"last_successful_changed_at,omitempty"`
	LastSuccessfulItemID    *int       `json:"last_successful_item_id,omitempty"`
	LastAttemptedAt         *time.Time `json:"last_attempted_at,omitempty"`
	LastCompletedAt         *time.Time `json:"last_completed_at,omitempty"`
	Status                  RunStatus  `json:"status"`
	LastError               string     `json:"last_error,omitempty"`
}

// Watermark returns the stored watermark, or the zero watermark if none.
func (s *SyncState) Watermark() Watermark {
	var w Watermark
	if s.LastSuccessfulChangedAt != nil {
		w.ChangedAt = *s.LastSuccessfulChangedAt
	}
	if s.LastSuccessfulItemID != nil {
		w.ExternalID = *s.LastSuccessfulItemID
	}
	return w
}

// WorkItemRecord is a locally cached external work item.
type WorkItemRecord struct {
	ID           int64 `json:"id"`
	ConnectionID int64 `json:"connection_id"`
	ExternalID   int   `json:"external_id"`
	Revision     int   `json:"revision"`

	ChangedAt     time.Time `json:"changed_at"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	Type          string    `json:"type"`
	AreaPath      string    `json:"area_path"`
	IterationPath string    `json:"iteration_path"`

	// AssigneeUniqueName is empty when the item is unassigned.
	AssigneeUniqueName string `json:"assignee_unique_name,omitempty"`
	URL                string `json:"url"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields a record needs before it can be stored.
func (r *WorkItemRecord) Validate() error {
	if r.ExternalID <= 0 {
		return fmt.Errorf("external id must be positive (got %d)", r.ExternalID)
	}
	if r.Revision < 0 {
		return fmt.Errorf("revision must not be negative (got %d)", r.Revision)
	}
	if r.ChangedAt.IsZero() {
		return fmt.Errorf("changed timestamp is required for item %d", r.ExternalID)
	}
	return nil
}

// Position returns the item's place in the change stream.
func (r *WorkItemRecord) Position() Watermark {
	return Watermark{ChangedAt: r.ChangedAt, ExternalID: r.ExternalID}
}

// ExternalUser is an identity from the external service selected for import.
type ExternalUser struct {
	UniqueName  string `json:"unique_name"`
	DisplayName string `json:"display_name"`
	Descriptor  string `json:"descriptor,omitempty"`
}

// TeamMember is a local team member.
type TeamMember struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project is a local project that work items can be linked to.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityMapping binds an external unique name to a local team member.
type IdentityMapping struct {
	ID           int64     `json:"id"`
	UniqueName   string    `json:"unique_name"`
	TeamMemberID int64     `json:"team_member_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// WorkItemLink attaches a cached work item to a local project and,
// optionally, a team member.
type WorkItemLink struct {
	ID           int64     `json:"id"`
	WorkItemID   int64     `json:"work_item_id"`
	ProjectID    int64     `json:"project_id"`
	TeamMemberID *int64    `json:"team_member_id,omitempty"`
	LinkedAt     time.Time `json:"linked_at"`
}

// UnlinkedWorkItem is a cached item with no link yet, annotated with the team
// member its assignee maps to. The suggestion is a hint only.
type UnlinkedWorkItem struct {
	WorkItemRecord
	SuggestedTeamMemberID *int64 `json:"suggested_team_member_id,omitempty"`
}
