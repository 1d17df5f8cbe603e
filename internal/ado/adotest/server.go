// Package adotest provides an in-memory Azure DevOps server for tests.
//
// The server understands the subset of the REST API the ado client uses:
// projects, teams, team members, team field values, WIQL and
// workitemsbatch. The WIQL handler honors the ChangedDate lower bound and
// returns ids ordered by (ChangedDate, Id).
package adotest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/teamtrack/internal/ado"
)

// RecordedRequest stores information about a request made to the server.
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
	Body    []byte
}

type fault struct {
	match  string
	status int
	remain int
}

// Server is a fake Azure DevOps organization.
type Server struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []RecordedRequest
	faults    []*fault
	workItems map[int]ado.WorkItem
	projects  []ado.Project
	teams     map[string][]ado.Team
	members   map[string][]ado.Identity
	areas     map[string][]ado.AreaPath
	asOf      time.Time
}

// NewServer starts a fake server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		workItems: make(map[int]ado.WorkItem),
		teams:     make(map[string][]ado.Team),
		members:   make(map[string][]ado.Identity),
		areas:     make(map[string][]ado.AreaPath),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.Server.URL
}

// Close shuts down the server.
func (s *Server) Close() {
	s.Server.Close()
}

// AddProject registers a project.
func (s *Server) AddProject(p ado.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = append(s.projects, p)
}

// AddTeam registers a team with its members and owned area paths.
func (s *Server) AddTeam(projectID string, team ado.Team, members []ado.Identity, areas []ado.AreaPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[projectID] = append(s.teams[projectID], team)
	s.members[team.ID] = members
	s.areas[team.ID] = areas
}

// PutWorkItem adds or replaces a work item.
func (s *Server) PutWorkItem(wi ado.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workItems[wi.ID] = wi
}

// DeleteWorkItem removes a work item so batch fetches omit it.
func (s *Server) DeleteWorkItem(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workItems, id)
}

// SetAsOf fixes the asOf instant reported by WIQL. Zero means time.Now().
func (s *Server) SetAsOf(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asOf = t
}

// FailNext makes the next n requests whose path contains match answer with
// status.
func (s *Server) FailNext(match string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{match: match, status: status, remain: n})
}

// Requests returns all recorded requests.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountRequests returns how many recorded requests have a path containing match.
func (s *Server) CountRequests(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if strings.Contains(r.Path, match) {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	for _, f := range s.faults {
		if f.remain > 0 && strings.Contains(r.URL.Path, f.match) {
			f.remain--
			s.mu.Unlock()
			writeJSON(w, f.status, map[string]string{"message": "injected failure"})
			return
		}
	}
	s.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/_apis/wit/wiql") && r.Method == http.MethodPost:
		s.handleWIQL(w, body)
	case strings.HasSuffix(path, "/_apis/wit/workitemsbatch") && r.Method == http.MethodPost:
		s.handleBatch(w, body)
	case strings.HasSuffix(path, "/_apis/work/teamsettings/teamfieldvalues"):
		s.handleTeamFieldValues(w, path)
	case strings.HasSuffix(path, "/members"):
		s.handleMembers(w, path)
	case strings.HasSuffix(path, "/teams"):
		s.handleTeams(w, path)
	case strings.HasSuffix(path, "/_apis/projects"):
		s.mu.Lock()
		projects := append([]ado.Project(nil), s.projects...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"count": len(projects), "value": projects})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	}
}

var sinceRe = regexp.MustCompile(`\[System\.ChangedDate\] >= '([^']+)'`)

func (s *Server) handleWIQL(w http.ResponseWriter, body []byte) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad query"})
		return
	}

	var since time.Time
	if m := sinceRe.FindStringSubmatch(req.Query); m != nil {
		t, err := time.Parse(time.RFC3339Nano, m[1])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad date"})
			return
		}
		since = t
	}

	s.mu.Lock()
	type entry struct {
		id      int
		changed time.Time
	}
	var entries []entry
	for _, wi := range s.workItems {
		changed, err := ado.ParseChangedDate(wi.Fields.ChangedDate)
		if err != nil {
			continue
		}
		if !since.IsZero() && changed.Before(since) {
			continue
		}
		entries = append(entries, entry{id: wi.ID, changed: changed})
	}
	asOf := s.asOf
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].changed.Equal(entries[j].changed) {
			return entries[i].id < entries[j].id
		}
		return entries[i].changed.Before(entries[j].changed)
	})

	refs := make([]map[string]any, len(entries))
	for i, e := range entries {
		refs[i] = map[string]any{"id": e.id}
	}
	if asOf.IsZero() {
		asOf = time.Now()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queryType": "flat",
		"asOf":      asOf.UTC().Format(time.RFC3339Nano),
		"workItems": refs,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, body []byte) {
	var req struct {
		IDs []int `json:"ids"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad batch"})
		return
	}
	if len(req.IDs) > ado.MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "too many ids"})
		return
	}

	s.mu.Lock()
	values := make([]*ado.WorkItem, len(req.IDs))
	for i, id := range req.IDs {
		if wi, ok := s.workItems[id]; ok {
			values[i] = &wi
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"count": len(values), "value": values})
}

func (s *Server) handleTeams(w http.ResponseWriter, path string) {
	// /_apis/projects/{project}/teams
	parts := strings.Split(strings.Trim(path, "/"), "/")
	project := parts[len(parts)-2]

	s.mu.Lock()
	teams := append([]ado.Team(nil), s.teams[project]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(teams), "value": teams})
}

func (s *Server) handleMembers(w http.ResponseWriter, path string) {
	// /_apis/projects/{project}/teams/{team}/members
	parts := strings.Split(strings.Trim(path, "/"), "/")
	team := parts[len(parts)-2]

	s.mu.Lock()
	ids := s.members[team]
	s.mu.Unlock()

	members := make([]ado.TeamMember, len(ids))
	for i, id := range ids {
		members[i] = ado.TeamMember{Identity: id}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(members), "value": members})
}

func (s *Server) handleTeamFieldValues(w http.ResponseWriter, path string) {
	// /{project}/{team}/_apis/work/teamsettings/teamfieldvalues
	parts := strings.Split(strings.Trim(path, "/"), "/")
	team := parts[1]

	s.mu.Lock()
	areas, ok := s.areas[team]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "team not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": areas})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WorkItem builds a work item with the fields the client requests.
func WorkItem(id, rev int, changed time.Time, title, assignee string) ado.WorkItem {
	wi := ado.WorkItem{
		ID:  id,
		Rev: rev,
		Fields: ado.WorkItemFields{
			Title:         title,
			State:         "Active",
			WorkItemType:  "Task",
			AreaPath:      `Fabrikam\Web`,
			IterationPath: `Fabrikam\Sprint 1`,
			ChangedDate:   changed.UTC().Format(time.RFC3339Nano),
		},
	}
	if assignee != "" {
		wi.Fields.AssignedTo = &ado.Identity{UniqueName: assignee, DisplayName: assignee}
	}
	return wi
}
