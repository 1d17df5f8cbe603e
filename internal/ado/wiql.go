package ado

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Scope bounds the changed-id query to one project and a set of area paths.
type Scope struct {
	ProjectID string
	// AreaPaths limits results to these areas. Empty means the whole project.
	AreaPaths []AreaPath
}

// ChangedSet is the result of a changed-id query.
type ChangedSet struct {
	// IDs in (ChangedDate, Id) ascending order.
	IDs []int
	// AsOf is the instant the service evaluated the query at.
	AsOf time.Time
	// Truncated is set when the result hit MaxQueryResults.
	Truncated bool
}

// wiqlTime is the timestamp layout accepted with timePrecision=true.
const wiqlTime = "2006-01-02T15:04:05.000Z"

// BuildChangedQuery returns the WIQL selecting items in scope changed at or
// after since, ordered by changed date then id. A zero since selects every
// item.
//
// The predicate is inclusive: items sharing the watermark's timestamp must be
// re-read so the (timestamp, id) tie-break can be applied by the caller.
func BuildChangedQuery(scope Scope, since time.Time) string {
	var b strings.Builder
	b.WriteString("SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = @project")

	if clause := areaClause(scope.AreaPaths); clause != "" {
		b.WriteString(" AND ")
		b.WriteString(clause)
	}

	if !since.IsZero() {
		// Truncating to milliseconds can only widen an inclusive bound.
		fmt.Fprintf(&b, " AND [System.ChangedDate] >= '%s'",
			since.UTC().Truncate(time.Millisecond).Format(wiqlTime))
	}

	b.WriteString(" ORDER BY [System.ChangedDate] ASC, [System.Id] ASC")
	return b.String()
}

func areaClause(paths []AreaPath) string {
	var parts []string
	for _, p := range paths {
		if strings.TrimSpace(p.Value) == "" {
			continue
		}
		op := "="
		if p.IncludeChildren {
			op = "UNDER"
		}
		parts = append(parts, fmt.Sprintf("[System.AreaPath] %s '%s'", op, escapeWIQL(p.Value)))
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func escapeWIQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// QueryChangedIDs runs the changed-id query for scope since the watermark
// timestamp.
func (c *Client) QueryChangedIDs(ctx context.Context, scope Scope, since time.Time) (*ChangedSet, error) {
	if scope.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	path := fmt.Sprintf("/%s/_apis/wit/wiql?timePrecision=true&$top=%d",
		url.PathEscape(scope.ProjectID), MaxQueryResults)
	req := wiqlRequest{Query: BuildChangedQuery(scope, since)}

	var resp wiqlResponse
	if _, err := c.doRequest(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("WIQL query failed: %w", err)
	}

	set := &ChangedSet{
		IDs:       make([]int, len(resp.WorkItems)),
		Truncated: len(resp.WorkItems) >= MaxQueryResults,
	}
	for i, ref := range resp.WorkItems {
		set.IDs[i] = ref.ID
	}
	if resp.AsOf != "" {
		t, err := time.Parse(time.RFC3339Nano, resp.AsOf)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid asOf %q in WIQL response", ErrExternalCall, resp.AsOf)
		}
		set.AsOf = t.UTC()
	}
	return set, nil
}
