package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/logging"
	"github.com/mschirtzinger/teamtrack/internal/service"
	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
)

func startServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Backend: backend, Logger: logging.Discard()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client, reads the welcome message and waits until the
// server will broadcast to it.
func dial(t *testing.T, server *Server) (*websocket.Conn, context.Context, Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	before := server.ClientCount()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	welcome := readMessage(t, ctx, conn)
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, ctx, welcome
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: logging.Discard()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeCarriesStats(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, logging.Discard())
	handler.OnUsersImported(&types.ImportResult{MembersCreated: 2})

	_, _, msg := dial(t, server)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome type %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.MembersCreated != 2 {
		t.Errorf("MembersCreated = %d, want 2", stats.MembersCreated)
	}
	if server.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", server.ClientCount())
	}
}

func TestHandlerSyncEvents(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, logging.Discard())
	conn, ctx, _ := dial(t, server)

	handler.OnSyncStarted(1, time.Now())
	handler.OnSyncProgress(syncer.Progress{ConnectionID: 1, ChunksDone: 1, ChunksTotal: 2, Fetched: 200})
	handler.OnSyncFinished(&types.SyncResult{Success: true, Upserted: 5})
	handler.OnSyncFinished(&types.SyncResult{Success: false, Error: "API error 503"})

	want := []MessageType{
		MessageTypeSyncStarted,
		MessageTypeSyncProgress,
		MessageTypeSyncComplete,
		MessageTypeStats,
		MessageTypeSyncFailed,
		MessageTypeStats,
	}
	var last Message
	for i, typ := range want {
		last = readMessage(t, ctx, conn)
		if last.Type != typ {
			t.Fatalf("message %d: got %s, want %s", i, last.Type, typ)
		}
	}

	var stats StatsData
	if err := json.Unmarshal(last.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.RunsSucceeded != 1 || stats.RunsFailed != 1 || stats.ItemsUpserted != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Running {
		t.Error("Running should be false after the run finished")
	}
}

func TestHandlerLinkEvent(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, logging.Discard())
	conn, ctx, _ := dial(t, server)

	handler.OnItemsLinked(7, &types.LinkResult{Linked: 2, Skipped: []int64{9}})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeItemsLinked {
		t.Fatalf("got %s, want %s", msg.Type, MessageTypeItemsLinked)
	}
	var data ItemsLinkedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.ProjectID != 7 || data.Linked != 2 || len(data.Skipped) != 1 {
		t.Errorf("data = %+v", data)
	}
}

// fakeBackend returns canned values and records link calls.
type fakeBackend struct {
	conn      *types.Connection
	runErr    error
	linkErr   error
	lastLink  []int64
	lastLimit int
}

func (f *fakeBackend) GetConnection(context.Context) (*types.Connection, error) {
	if f.conn == nil {
		return nil, service.ErrNotFound
	}
	return f.conn, nil
}

func (f *fakeBackend) UpdateConnection(_ context.Context, c *types.Connection) (*types.Connection, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	reset := f.conn != nil && !f.conn.SameScope(c)
	f.conn = c
	return c, reset, nil
}

func (f *fakeBackend) ListExternalProjects(_ context.Context, org string) ([]ado.Project, error) {
	if org == "down" {
		return nil, &ado.APIError{StatusCode: 503, Method: "GET", Path: "/_apis/projects"}
	}
	return []ado.Project{{ID: "p1", Name: "Fabrikam"}}, nil
}

func (f *fakeBackend) ListExternalTeams(context.Context, string, string) ([]ado.Team, error) {
	return []ado.Team{{ID: "t1", Name: "Web"}}, nil
}

func (f *fakeBackend) ListExternalUsers(context.Context, string, string, string) ([]types.ExternalUser, error) {
	return []types.ExternalUser{{UniqueName: "ana@contoso.com", DisplayName: "Ana"}}, nil
}

func (f *fakeBackend) RunSync(context.Context) (*types.SyncResult, error) {
	if errors.Is(f.runErr, syncer.ErrAlreadyRunning) {
		return &types.SyncResult{AlreadyRunning: true}, f.runErr
	}
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &types.SyncResult{Success: true, Fetched: 3}, nil
}

func (f *fakeBackend) GetSyncState(context.Context) (*types.SyncState, error) {
	return &types.SyncState{ConnectionID: 1, Status: types.RunStatusSucceeded}, nil
}

func (f *fakeBackend) ImportUsers(_ context.Context, users []types.ExternalUser) (*types.ImportResult, error) {
	return &types.ImportResult{UsersAdded: len(users)}, nil
}

func (f *fakeBackend) ListUnlinkedWorkItems(_ context.Context, limit int) ([]types.UnlinkedWorkItem, error) {
	f.lastLimit = limit
	return nil, nil
}

func (f *fakeBackend) LinkWorkItems(_ context.Context, ids []int64, _ int64, _ *int64) (*types.LinkResult, error) {
	f.lastLink = ids
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return &types.LinkResult{Linked: len(ids)}, nil
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Routes(t *testing.T) {
	backend := &fakeBackend{}
	h := NewServer(&Config{Backend: backend, Logger: logging.Discard()}).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"connection missing", http.MethodGet, "/api/connection", nil, http.StatusNotFound},
		{"connection invalid", http.MethodPut, "/api/connection", types.Connection{Organization: "contoso"}, http.StatusBadRequest},
		{"connection saved", http.MethodPut, "/api/connection", types.Connection{Organization: "contoso", ProjectID: "p1", TeamID: "t1", Enabled: true}, http.StatusOK},
		{"connection found", http.MethodGet, "/api/connection", nil, http.StatusOK},
		{"projects", http.MethodGet, "/api/external/projects?org=contoso", nil, http.StatusOK},
		{"projects upstream down", http.MethodGet, "/api/external/projects?org=down", nil, http.StatusBadGateway},
		{"teams", http.MethodGet, "/api/external/teams?org=contoso&project=p1", nil, http.StatusOK},
		{"users", http.MethodGet, "/api/external/users?org=contoso&project=p1&team=t1", nil, http.StatusOK},
		{"sync run", http.MethodPost, "/api/sync/run", nil, http.StatusOK},
		{"sync state", http.MethodGet, "/api/sync/state", nil, http.StatusOK},
		{"import", http.MethodPost, "/api/users/import", importRequest{Users: []types.ExternalUser{{UniqueName: "a"}}}, http.StatusOK},
		{"import bad body", http.MethodPost, "/api/users/import", map[string]any{"nope": 1}, http.StatusBadRequest},
		{"unlinked", http.MethodGet, "/api/workitems/unlinked?limit=5", nil, http.StatusOK},
		{"unlinked bad limit", http.MethodGet, "/api/workitems/unlinked?limit=x", nil, http.StatusBadRequest},
		{"link", http.MethodPost, "/api/workitems/link", linkRequest{WorkItemIDs: []int64{1, 2}, ProjectID: 3}, http.StatusOK},
		{"wrong method", http.MethodDelete, "/api/sync/state", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	if backend.lastLimit != 5 {
		t.Errorf("limit passed = %d, want 5", backend.lastLimit)
	}
	if len(backend.lastLink) != 2 {
		t.Errorf("link ids = %v", backend.lastLink)
	}
}

func TestAPI_UnlinkedEncodesEmptyList(t *testing.T) {
	h := NewServer(&Config{Backend: &fakeBackend{}, Logger: logging.Discard()}).Handler()
	rec := do(t, h, http.MethodGet, "/api/workitems/unlinked", nil)
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestAPI_SyncErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{syncer.ErrAlreadyRunning, http.StatusConflict},
		{syncer.ErrNotConfigured, http.StatusConflict},
		{syncer.ErrDisabled, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := NewServer(&Config{Backend: &fakeBackend{runErr: tt.err}, Logger: logging.Discard()}).Handler()
		rec := do(t, h, http.MethodPost, "/api/sync/run", nil)
		if rec.Code != tt.status {
			t.Errorf("RunSync error %v: status %d, want %d", tt.err, rec.Code, tt.status)
		}
	}
}

func TestAPI_LinkValidation(t *testing.T) {
	backend := &fakeBackend{linkErr: fmt.Errorf("%w: project 9: not found", service.ErrValidation)}
	h := NewServer(&Config{Backend: backend, Logger: logging.Discard()}).Handler()

	rec := do(t, h, http.MethodPost, "/api/workitems/link", linkRequest{WorkItemIDs: []int64{1}, ProjectID: 9})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error == "" {
		t.Error("error message missing")
	}
}
