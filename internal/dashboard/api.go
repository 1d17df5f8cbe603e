package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/service"
	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

// Backend is the command/query surface the API exposes. *service.Service
// implements it.
type Backend interface {
	GetConnection(ctx context.Context) (*types.Connection, error)
	UpdateConnection(ctx context.Context, conn *types.Connection) (*types.Connection, bool, error)
	ListExternalProjects(ctx context.Context, org string) ([]ado.Project, error)
	ListExternalTeams(ctx context.Context, org, projectID string) ([]ado.Team, error)
	ListExternalUsers(ctx context.Context, org, projectID, teamID string) ([]types.ExternalUser, error)
	RunSync(ctx context.Context) (*types.SyncResult, error)
	GetSyncState(ctx context.Context) (*types.SyncState, error)
	ImportUsers(ctx context.Context, users []types.ExternalUser) (*types.ImportResult, error)
	ListUnlinkedWorkItems(ctx context.Context, limit int) ([]types.UnlinkedWorkItem, error)
	LinkWorkItems(ctx context.Context, workItemIDs []int64, projectID int64, teamMemberID *int64) (*types.LinkResult, error)
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/connection", s.handleGetConnection)
	mux.HandleFunc("PUT /api/connection", s.handlePutConnection)
	mux.HandleFunc("GET /api/external/projects", s.handleExternalProjects)
	mux.HandleFunc("GET /api/external/teams", s.handleExternalTeams)
	mux.HandleFunc("GET /api/external/users", s.handleExternalUsers)
	mux.HandleFunc("POST /api/sync/run", s.handleRunSync)
	mux.HandleFunc("GET /api/sync/state", s.handleSyncState)
	mux.HandleFunc("POST /api/users/import", s.handleImportUsers)
	mux.HandleFunc("GET /api/workitems/unlinked", s.handleUnlinked)
	mux.HandleFunc("POST /api/workitems/link", s.handleLink)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.api.GetConnection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

type connectionResponse struct {
	Connection     *types.Connection `json:"connection"`
	WatermarkReset bool              `json:"watermark_reset"`
}

func (s *Server) handlePutConnection(w http.ResponseWriter, r *http.Request) {
	var conn types.Connection
	if !decodeBody(w, r, &conn) {
		return
	}
	saved, reset, err := s.api.UpdateConnection(r.Context(), &conn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{Connection: saved, WatermarkReset: reset})
}

func (s *Server) handleExternalProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.api.ListExternalProjects(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleExternalTeams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	teams, err := s.api.ListExternalTeams(r.Context(), q.Get("org"), q.Get("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleExternalUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users, err := s.api.ListExternalUsers(r.Context(), q.Get("org"), q.Get("project"), q.Get("team"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleRunSync runs a sync inside the request. Progress is broadcast over
// /ws while the request is open.
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	// Runs may outlast the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	result, err := s.api.RunSync(r.Context())
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	state, err := s.api.GetSyncState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type importRequest struct {
	Users []types.ExternalUser `json:"users"`
}

func (s *Server) handleImportUsers(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.api.ImportUsers(r.Context(), req.Users)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUnlinked(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	items, err := s.api.ListUnlinkedWorkItems(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []types.UnlinkedWorkItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type linkRequest struct {
	WorkItemIDs  []int64 `json:"work_item_ids"`
	ProjectID    int64   `json:"project_id"`
	TeamMemberID *int64  `json:"team_member_id,omitempty"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.api.LinkWorkItems(r.Context(), req.WorkItemIDs, req.ProjectID, req.TeamMemberID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrNotConfigured),
		errors.Is(err, syncer.ErrDisabled),
		errors.Is(err, syncer.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, ado.ErrExternalCall):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
