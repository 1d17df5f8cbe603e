package ado_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/ado/adotest"
)

func newTestClient(t *testing.T, srv *adotest.Server, retries int) *ado.Client {
	t.Helper()
	cfg := ado.DefaultConfig("contoso", "secret-pat")
	cfg.BaseURL = srv.URL()
	cfg.MaxRetries = retries
	cfg.Timeout = 5 * time.Second
	return ado.NewWithConfig(cfg)
}

func TestClient_BasicAuthHeader(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()
	srv.AddProject(ado.Project{ID: "p1", Name: "Fabrikam"})

	c := newTestClient(t, srv, 0)
	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Fabrikam", projects[0].Name)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(":secret-pat"))
	assert.Equal(t, want, reqs[0].Headers.Get("Authorization"))
	assert.Contains(t, reqs[0].Query, "api-version="+ado.APIVersion)
}

func TestClient_BearerAuthHeader(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()

	cfg := ado.DefaultConfig("contoso", "entra-token")
	cfg.BaseURL = srv.URL()
	cfg.Auth = ado.AuthBearer
	c := ado.NewWithConfig(cfg)

	_, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer entra-token", srv.Requests()[0].Headers.Get("Authorization"))
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	assert.Equal(t, "https://dev.azure.com/contoso", ado.NewClient("contoso", "x").BaseURL)
	assert.Equal(t, "https://tfs.example.com/DefaultCollection",
		ado.NewClient("https://tfs.example.com/DefaultCollection/", "x").BaseURL)
}

func TestClient_APIErrorIsExternalCall(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()
	srv.FailNext("/_apis/projects", http.StatusUnauthorized, 1)

	c := newTestClient(t, srv, 3)
	_, err := c.ListProjects(context.Background())
	require.Error(t, err)

	assert.True(t, errors.Is(err, ado.ErrExternalCall))
	var apiErr *ado.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, ado.StatusCode(err))
	// 401 is not retried.
	assert.Equal(t, 1, srv.CountRequests("/_apis/projects"))
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()
	srv.AddProject(ado.Project{ID: "p1", Name: "Fabrikam"})
	srv.FailNext("/_apis/projects", http.StatusServiceUnavailable, 1)
	srv.FailNext("/_apis/projects", http.StatusTooManyRequests, 1)

	c := newTestClient(t, srv, 3)
	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, 1)
	assert.Equal(t, 3, srv.CountRequests("/_apis/projects"))
}

func TestClient_RetriesAreCapped(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()
	srv.FailNext("/_apis/projects", http.StatusInternalServerError, 10)

	c := newTestClient(t, srv, 1)
	_, err := c.ListProjects(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, ado.StatusCode(err))
	assert.Equal(t, 2, srv.CountRequests("/_apis/projects"))
}

func TestClient_TransportErrorIsExternalCall(t *testing.T) {
	srv := adotest.NewServer()
	url := srv.URL()
	srv.Close()

	cfg := ado.DefaultConfig("contoso", "x")
	cfg.BaseURL = url
	cfg.MaxRetries = 0
	c := ado.NewWithConfig(cfg)

	_, err := c.ListProjects(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ado.ErrExternalCall))
	assert.Equal(t, 0, ado.StatusCode(err))
}

func TestClient_TeamsMembersAndAreas(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()
	srv.AddTeam("p1", ado.Team{ID: "t1", Name: "Web"},
		[]ado.Identity{
			{DisplayName: "Ana", UniqueName: "ana@contoso.com", Descriptor: "aad.1"},
			{DisplayName: "Ben", UniqueName: "ben@contoso.com"},
		},
		[]ado.AreaPath{{Value: `Fabrikam\Web`, IncludeChildren: true}},
	)

	c := newTestClient(t, srv, 0)
	ctx := context.Background()

	teams, err := c.ListTeams(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "Web", teams[0].Name)

	members, err := c.ListTeamMembers(ctx, "p1", "t1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ana@contoso.com", members[0].UniqueName)
	assert.Equal(t, "ana@contoso.com", ado.ToExternalUser(members[0]).UniqueName)

	areas, err := c.TeamAreaPaths(ctx, "p1", "t1")
	require.NoError(t, err)
	require.Len(t, areas, 1)
	assert.True(t, areas[0].IncludeChildren)

	_, err = c.TeamAreaPaths(ctx, "p1", "missing")
	assert.True(t, ado.IsNotFound(err))
}

func TestClient_FetchWorkItemsChunksAndKeepsOrder(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []int
	for i := 1; i <= 450; i++ {
		srv.PutWorkItem(adotest.WorkItem(i, 1, base.Add(time.Duration(i)*time.Second), "item", ""))
		ids = append(ids, i)
	}
	// Request in reverse to check ordering follows the request.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	srv.DeleteWorkItem(300)

	c := newTestClient(t, srv, 0)
	items, err := c.FetchWorkItems(context.Background(), "p1", ids)
	require.NoError(t, err)
	require.Len(t, items, 449)
	assert.Equal(t, 450, items[0].ID)
	assert.Equal(t, 1, items[len(items)-1].ID)

	assert.Equal(t, 3, srv.CountRequests("/_apis/wit/workitemsbatch"))
	for _, r := range srv.Requests() {
		var body struct {
			IDs    []int    `json:"ids"`
			Fields []string `json:"fields"`
		}
		require.NoError(t, json.Unmarshal(r.Body, &body))
		assert.LessOrEqual(t, len(body.IDs), ado.MaxBatchSize)
		assert.Contains(t, body.Fields, ado.FieldChangedDate)
		assert.Contains(t, body.Fields, ado.FieldAssignedTo)
	}
}

func TestClient_FetchWorkItemsEmpty(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()

	items, err := newTestClient(t, srv, 0).FetchWorkItems(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, srv.Requests())
}

func TestClient_ToRecord(t *testing.T) {
	c := ado.NewClient("contoso", "x")
	changed := time.Date(2026, 3, 4, 5, 6, 7, 890000000, time.UTC)

	rec, err := c.ToRecord("p1", adotest.WorkItem(77, 4, changed, "Fix login", "ana@contoso.com"))
	require.NoError(t, err)
	assert.Equal(t, 77, rec.ExternalID)
	assert.Equal(t, 4, rec.Revision)
	assert.True(t, rec.ChangedAt.Equal(changed))
	assert.Equal(t, "ana@contoso.com", rec.AssigneeUniqueName)
	assert.Equal(t, "https://dev.azure.com/contoso/p1/_workitems/edit/77", rec.URL)

	bad := adotest.WorkItem(78, 1, changed, "", "")
	bad.Fields.ChangedDate = "yesterday"
	_, err = c.ToRecord("p1", bad)
	assert.Error(t, err)
}

func TestAPIError_Message(t *testing.T) {
	err := &ado.APIError{StatusCode: 500, Method: "GET", Path: "/x", Body: strings.Repeat("a", 600)}
	assert.Contains(t, err.Error(), "API error 500")
	assert.Less(t, len(err.Error()), 600)
}
