// Package service is the command/query surface of the sync engine. The CLI
// and the dashboard API both call it; neither touches the store or the ado
// client directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/store"
	"github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

var (
	// ErrValidation marks input rejected before anything was written.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = store.ErrNotFound
)

// ClientFactory returns an Azure DevOps client for an organization. It fails
// when no credentials are configured.
type ClientFactory func(organization string) (*ado.Client, error)

// Notifier receives the outcome of identity imports and link commands.
type Notifier interface {
	OnUsersImported(result *types.ImportResult)
	OnItemsLinked(projectID int64, result *types.LinkResult)
}

// Options tunes a Service.
type Options struct {
	Sync             sync.Config
	UnlinkedPageSize int
}

// Service wires the store, the ado client factory and the sync coordinator.
type Service struct {
	store    *store.Store
	clients  ClientFactory
	coord    *sync.Coordinator
	logger   *slog.Logger
	notifier Notifier
	pageSize int
}

// New creates a Service. If logger is nil, slog.Default is used.
func New(st *store.Store, clients ClientFactory, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UnlinkedPageSize <= 0 {
		opts.UnlinkedPageSize = store.DefaultUnlinkedPageSize
	}
	sources := func(conn *types.Connection) (sync.Source, error) {
		client, err := clients(conn.Organization)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return &Service{
		store:    st,
		clients:  clients,
		coord:    sync.NewWithConfig(st, sources, opts.Sync, logger),
		logger:   logger,
		pageSize: opts.UnlinkedPageSize,
	}
}

// Coordinator exposes the sync coordinator so callers can observe runs.
func (s *Service) Coordinator() *sync.Coordinator {
	return s.coord
}

// SetNotifier registers a receiver for import and link events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// GetConnection returns the active connection, or ErrNotFound.
func (s *Service) GetConnection(ctx context.Context) (*types.Connection, error) {
	return s.store.GetConnection(ctx)
}

// UpdateConnection saves the connection profile. It reports whether the
// scope changed and the watermark was reset. A scope change while a run is
// in progress fails with sync.ErrAlreadyRunning.
func (s *Service) UpdateConnection(ctx context.Context, conn *types.Connection) (*types.Connection, bool, error) {
	if conn == nil {
		return nil, false, fmt.Errorf("%w: connection is required", ErrValidation)
	}
	conn.Organization = strings.TrimSpace(conn.Organization)
	conn.ProjectID = strings.TrimSpace(conn.ProjectID)
	conn.TeamID = strings.TrimSpace(conn.TeamID)
	conn.AreaPath = strings.TrimSpace(conn.AreaPath)
	if err := conn.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	reset, err := s.store.SaveConnection(ctx, conn)
	if errors.Is(err, store.ErrRunInProgress) {
		return nil, false, fmt.Errorf("%w: %w", sync.ErrAlreadyRunning, err)
	}
	if err != nil {
		return nil, false, err
	}
	saved, err := s.store.GetConnection(ctx)
	if err != nil {
		return nil, false, err
	}
	return saved, reset, nil
}

// ListExternalProjects lists the organization's projects.
func (s *Service) ListExternalProjects(ctx context.Context, org string) ([]ado.Project, error) {
	client, err := s.client(org)
	if err != nil {
		return nil, err
	}
	return client.ListProjects(ctx)
}

// ListExternalTeams lists the teams of a project.
func (s *Service) ListExternalTeams(ctx context.Context, org, projectID string) ([]ado.Team, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrValidation)
	}
	client, err := s.client(org)
	if err != nil {
		return nil, err
	}
	return client.ListTeams(ctx, projectID)
}

// ListExternalUsers lists a team's members as importable users.
func (s *Service) ListExternalUsers(ctx context.Context, org, projectID, teamID string) ([]types.ExternalUser, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(teamID) == "" {
		return nil, fmt.Errorf("%w: project id and team id are required", ErrValidation)
	}
	client, err := s.client(org)
	if err != nil {
		return nil, err
	}
	members, err := client.ListTeamMembers(ctx, projectID, teamID)
	if err != nil {
		return nil, err
	}
	users := make([]types.ExternalUser, 0, len(members))
	for _, m := range members {
		users = append(users, ado.ToExternalUser(m))
	}
	return users, nil
}

func (s *Service) client(org string) (*ado.Client, error) {
	if strings.TrimSpace(org) == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrValidation)
	}
	client, err := s.clients(org)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return client, nil
}

// RunSync runs one incremental sync. See sync.Coordinator.RunSync.
func (s *Service) RunSync(ctx context.Context) (*types.SyncResult, error) {
	return s.coord.RunSync(ctx)
}

// GetSyncState returns the active connection's sync state.
func (s *Service) GetSyncState(ctx context.Context) (*types.SyncState, error) {
	conn, err := s.activeConnection(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetSyncState(ctx, conn.ID)
}

// ImportUsers caches the selected external users and creates a team member
// and mapping for each one not yet mapped. Running it twice with the same
// input creates nothing the second time.
func (s *Service) ImportUsers(ctx context.Context, users []types.ExternalUser) (*types.ImportResult, error) {
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: no users selected", ErrValidation)
	}
	result, err := s.store.ImportUsers(ctx, users)
	if err != nil {
		return nil, err
	}
	s.logger.Info("users imported",
		"added", result.UsersAdded,
		"updated", result.UsersUpdated,
		"members_created", result.MembersCreated,
		"skipped", len(result.Skipped),
	)
	if s.notifier != nil {
		s.notifier.OnUsersImported(result)
	}
	return result, nil
}

// ListUnlinkedWorkItems returns cached items with no link, newest change
// first, each with a suggested team member. A non-positive limit uses the
// configured page size.
func (s *Service) ListUnlinkedWorkItems(ctx context.Context, limit int) ([]types.UnlinkedWorkItem, error) {
	conn, err := s.activeConnection(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	return s.store.ListUnlinkedWorkItems(ctx, conn.ID, limit)
}

// LinkWorkItems attaches cached items to a project and, optionally, a team
// member. Items already linked are skipped, never relinked.
func (s *Service) LinkWorkItems(ctx context.Context, workItemIDs []int64, projectID int64, teamMemberID *int64) (*types.LinkResult, error) {
	if len(workItemIDs) == 0 {
		return nil, fmt.Errorf("%w: no work items selected", ErrValidation)
	}
	result, err := s.store.LinkWorkItems(ctx, workItemIDs, projectID, teamMemberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("work items linked", "project", projectID, "linked", result.Linked, "skipped", len(result.Skipped))
	if s.notifier != nil {
		s.notifier.OnItemsLinked(projectID, result)
	}
	return result, nil
}

// ListWorkItems returns cached items for the active connection.
func (s *Service) ListWorkItems(ctx context.Context, filter store.WorkItemFilter) ([]types.WorkItemRecord, error) {
	conn, err := s.activeConnection(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListWorkItems(ctx, conn.ID, filter)
}

// CreateProject adds a local link target.
func (s *Service) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrValidation)
	}
	return s.store.CreateProject(ctx, name)
}

func (s *Service) ListProjects(ctx context.Context) ([]types.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) ListTeamMembers(ctx context.Context) ([]types.TeamMember, error) {
	return s.store.ListTeamMembers(ctx)
}

func (s *Service) ListMappings(ctx context.Context) ([]types.IdentityMapping, error) {
	return s.store.ListMappings(ctx)
}

func (s *Service) activeConnection(ctx context.Context) (*types.Connection, error) {
	conn, err := s.store.GetConnection(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, sync.ErrNotConfigured
	}
	return conn, err
}
