// Package ado is the Azure DevOps adapter used by the sync engine.
//
// Every call is a single REST request carrying the same credentials. Non-2xx
// responses surface as *APIError, which matches errors.Is(err, ErrExternalCall).
// Transport errors, 429 and 5xx responses are retried with exponential
// backoff up to MaxRetries; everything else is returned to the caller.
package ado

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/teamtrack/internal/telemetry"
)

// AuthScheme selects how the token is presented.
type AuthScheme string

const (
	// AuthBasic sends a personal access token as Basic ":" + PAT.
	AuthBasic AuthScheme = "basic"
	// AuthBearer sends an OAuth/Entra token as a bearer token.
	AuthBearer AuthScheme = "bearer"
)

// Config holds the client settings.
type Config struct {
	// Organization name, or a full collection URL for on-prem servers.
	Organization string
	Token        string
	Auth         AuthScheme
	// BaseURL overrides the https://dev.azure.com/{org} default.
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	Concurrency int
	Logger      *slog.Logger
}

// DefaultConfig returns a Config with the standard timeout and retry settings.
func DefaultConfig(organization, token string) Config {
	return Config{
		Organization: organization,
		Token:        token,
		Auth:         AuthBasic,
		Timeout:      DefaultTimeout,
		MaxRetries:   3,
		Concurrency:  4,
	}
}

// Client provides methods to interact with the Azure DevOps REST API.
type Client struct {
	Organization string
	BaseURL      string
	HTTPClient   *http.Client

	authHeader  string
	maxRetries  int
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
	newBackoff  func() backoff.BackOff
}

// NewClient creates a client with default settings.
func NewClient(organization, token string) *Client {
	return NewWithConfig(DefaultConfig(organization, token))
}

// NewWithConfig creates a client from cfg. Zero fields take defaults.
func NewWithConfig(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cfg.Organization
		if !strings.HasPrefix(baseURL, "http") {
			baseURL = "https://dev.azure.com/" + url.PathEscape(cfg.Organization)
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var auth string
	if cfg.Auth == AuthBearer {
		auth = "Bearer " + cfg.Token
	} else {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+cfg.Token))
	}

	return &Client{
		Organization: cfg.Organization,
		BaseURL:      baseURL,
		HTTPClient:   &http.Client{Timeout: cfg.Timeout},
		authHeader:   auth,
		maxRetries:   cfg.MaxRetries,
		concurrency:  cfg.Concurrency,
		logger:       cfg.Logger,
		tracer:       telemetry.Tracer("github.com/mschirtzinger/teamtrack/ado"),
		newBackoff:   newRetryBackoff,
	}
}

// WithEndpoint returns a copy of the client pointed at a different base URL.
// Tests use it to target an httptest server.
func (c *Client) WithEndpoint(baseURL string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimSuffix(baseURL, "/")
	return &cp
}

// doRequest performs an authenticated request, retrying transient failures.
// It decodes a JSON response into out when out is non-nil and returns the
// response headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) (http.Header, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.BaseURL + path + separator + "api-version=" + APIVersion

	ctx, span := c.tracer.Start(ctx, "ado."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	var header http.Header
	var respBody []byte
	attempt := 0
	op := func() error {
		attempt++
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			terr := &transportError{method: method, path: path, err: err}
			if ctx.Err() != nil {
				return backoff.Permanent(terr)
			}
			c.logger.Debug("azure devops request failed, retrying", "path", path, "attempt", attempt, "error", err)
			return terr
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transportError{method: method, path: path, err: fmt.Errorf("failed to read response: %w", err)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(data)}
			if apiErr.Temporary() {
				c.logger.Debug("azure devops request throttled or failed, retrying",
					"path", path, "status", resp.StatusCode, "attempt", attempt)
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		header = resp.Header
		respBody = data
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := StatusCode(err); code != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", code))
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("ado.attempts", attempt))

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			// A malformed payload is an external failure too.
			return nil, fmt.Errorf("%w: failed to parse %s response: %v", ErrExternalCall, path, err)
		}
	}
	return header, nil
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// ListProjects returns every project in the organization.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	token := ""
	for {
		path := fmt.Sprintf("/_apis/projects?$top=%d", pageSize)
		if token != "" {
			path += "&continuationToken=" + url.QueryEscape(token)
		}

		var resp listResponse[Project]
		header, err := c.doRequest(ctx, http.MethodGet, path, nil, &resp)
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		projects = append(projects, resp.Value...)

		token = header.Get("X-MS-ContinuationToken")
		if token == "" {
			return projects, nil
		}
	}
}

// ListTeams returns the teams in a project.
func (c *Client) ListTeams(ctx context.Context, projectID string) ([]Team, error) {
	var teams []Team
	for skip := 0; ; skip += pageSize {
		path := fmt.Sprintf("/_apis/projects/%s/teams?$top=%d&$skip=%d",
			url.PathEscape(projectID), pageSize, skip)

		var resp listResponse[Team]
		if _, err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list teams for project %s: %w", projectID, err)
		}
		teams = append(teams, resp.Value...)
		if len(resp.Value) < pageSize {
			return teams, nil
		}
	}
}

// ListTeamMembers returns the identities of a team's members.
func (c *Client) ListTeamMembers(ctx context.Context, projectID, teamID string) ([]Identity, error) {
	var members []Identity
	for skip := 0; ; skip += pageSize {
		path := fmt.Sprintf("/_apis/projects/%s/teams/%s/members?$top=%d&$skip=%d",
			url.PathEscape(projectID), url.PathEscape(teamID), pageSize, skip)

		var resp listResponse[TeamMember]
		if _, err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list members of team %s: %w", teamID, err)
		}
		for _, m := range resp.Value {
			members = append(members, m.Identity)
		}
		if len(resp.Value) < pageSize {
			return members, nil
		}
	}
}

// TeamAreaPaths returns the area paths a team owns, from its team settings.
func (c *Client) TeamAreaPaths(ctx context.Context, projectID, teamID string) ([]AreaPath, error) {
	path := fmt.Sprintf("/%s/%s/_apis/work/teamsettings/teamfieldvalues",
		url.PathEscape(projectID), url.PathEscape(teamID))

	var resp teamFieldValues
	if _, err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to read area paths of team %s: %w", teamID, err)
	}
	return resp.Values, nil
}

// FetchWorkItems retrieves the modeled fields for ids, in request order.
//
// Ids are split into MaxBatchSize chunks which are fetched concurrently.
// Items deleted since the id query are silently omitted.
func (c *Client) FetchWorkItems(ctx context.Context, projectID string, ids []int) ([]WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	chunks := chunkIDs(ids, MaxBatchSize)
	results := make([][]WorkItem, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			items, err := c.fetchBatch(gctx, projectID, chunk)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[int]WorkItem, len(ids))
	for _, batch := range results {
		for _, wi := range batch {
			byID[wi.ID] = wi
		}
	}
	items := make([]WorkItem, 0, len(byID))
	for _, id := range ids {
		if wi, ok := byID[id]; ok {
			items = append(items, wi)
		}
	}
	return items, nil
}

func (c *Client) fetchBatch(ctx context.Context, projectID string, ids []int) ([]WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitemsbatch", url.PathEscape(projectID))
	req := batchRequest{IDs: ids, Fields: workItemFields, ErrorPolicy: "omit"}

	var resp listResponse[*WorkItem]
	if _, err := c.doRequest(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch work items batch: %w", err)
	}

	// errorPolicy=omit returns null entries for missing ids.
	items := make([]WorkItem, 0, len(resp.Value))
	for _, wi := range resp.Value {
		if wi != nil {
			items = append(items, *wi)
		}
	}
	return items, nil
}

// WorkItemURL is the browser URL of a work item.
func (c *Client) WorkItemURL(projectID string, id int) string {
	return fmt.Sprintf("%s/%s/_workitems/edit/%d", c.BaseURL, url.PathEscape(projectID), id)
}

func chunkIDs(ids []int, size int) [][]int {
	var chunks [][]int
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// ParseChangedDate parses the System.ChangedDate field.
func ParseChangedDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid changed date %q: %w", s, err)
	}
	return t.UTC(), nil
}

// IsNotFound reports whether err is a 404 from Azure DevOps.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
