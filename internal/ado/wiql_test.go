package ado_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/teamtrack/internal/ado"
	"github.com/mschirtzinger/teamtrack/internal/ado/adotest"
)

func TestBuildChangedQuery(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 678912345, time.UTC)

	tests := []struct {
		name     string
		scope    ado.Scope
		since    time.Time
		contains []string
		excludes []string
	}{
		{
			name:     "whole project from epoch",
			scope:    ado.Scope{ProjectID: "p1"},
			contains: []string{"[System.TeamProject] = @project", "ORDER BY [System.ChangedDate] ASC, [System.Id] ASC"},
			excludes: []string{"[System.ChangedDate] >=", "AreaPath"},
		},
		{
			name:     "inclusive watermark truncated to millis",
			scope:    ado.Scope{ProjectID: "p1"},
			since:    since,
			contains: []string{"[System.ChangedDate] >= '2026-01-02T03:04:05.678Z'"},
		},
		{
			name: "single area under",
			scope: ado.Scope{ProjectID: "p1", AreaPaths: []ado.AreaPath{
				{Value: `Fabrikam\Web`, IncludeChildren: true},
			}},
			contains: []string{`AND [System.AreaPath] UNDER 'Fabrikam\Web'`},
		},
		{
			name: "several areas are ORed",
			scope: ado.Scope{ProjectID: "p1", AreaPaths: []ado.AreaPath{
				{Value: `Fabrikam\Web`, IncludeChildren: true},
				{Value: `Fabrikam\O'Brien`},
			}},
			contains: []string{`([System.AreaPath] UNDER 'Fabrikam\Web' OR [System.AreaPath] = 'Fabrikam\O''Brien')`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ado.BuildChangedQuery(tt.scope, tt.since)
			for _, want := range tt.contains {
				assert.Contains(t, q, want)
			}
			for _, bad := range tt.excludes {
				assert.NotContains(t, q, bad)
			}
		})
	}
}

func TestQueryChangedIDs_OrderAndBound(t *testing.T) {
	srv := adotest.NewServer()
	defer srv.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.PutWorkItem(adotest.WorkItem(12, 1, base.Add(time.Second), "", ""))
	srv.PutWorkItem(adotest.WorkItem(11, 1, base, "", ""))
	srv.PutWorkItem(adotest.WorkItem(10, 1, base, "", ""))
	srv.PutWorkItem(adotest.WorkItem(9, 1, base.Add(-time.Hour), "", ""))
	asOf := base.Add(time.Minute)
	srv.SetAsOf(asOf)

	c := newTestClient(t, srv, 0)
	set, err := c.QueryChangedIDs(context.Background(), ado.Scope{ProjectID: "p1"}, base)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 11, 12}, set.IDs)
	assert.True(t, set.AsOf.Equal(asOf))
	assert.False(t, set.Truncated)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "timePrecision=true")
	assert.Contains(t, reqs[0].Path, "/p1/_apis/wit/wiql")

	var body struct {
		Query string `json:"query"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Contains(t, body.Query, "[System.ChangedDate] >=")
}

func TestQueryChangedIDs_RequiresProject(t *testing.T) {
	_, err := ado.NewClient("contoso", "x").QueryChangedIDs(context.Background(), ado.Scope{}, time.Time{})
	assert.Error(t, err)
}
