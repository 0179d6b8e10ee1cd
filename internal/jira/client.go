// Package jira provides a Jira REST client for reading projects and issues.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JohanCodinha/qatrack/internal/logger"
)

const (
	apiPrefix = "/rest/api/3"

	// maxBodyBytes bounds how much of a response we are willing to buffer.
	maxBodyBytes = 32 << 20

	searchFields = "summary,description,status,issuetype,priority,assignee,reporter,created,updated"
)

var tracer = otel.Tracer("github.com/JohanCodinha/qatrack/internal/jira")

// Tier selects the timeout applied to a request.
type Tier int

const (
	// TierShort is for connectivity checks, existence and count probes.
	TierShort Tier = iota
	// TierMedium is for interactive listings and single lookups.
	TierMedium
	// TierLong is for full synchronization fetches.
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierMedium:
		return "medium"
	default:
		return "long"
	}
}

// Timeouts holds the duration of each tier.
type Timeouts struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	Email          string
	Token          string
	Timeouts       Timeouts
	PageSize       int
	QuickLimit     int
	SafetyCeiling  int
	GoneThreshold  int
	RecencyWindows []int
	HTTPClient     *http.Client
}

// Client is a Jira API client.
type Client struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client
	timeouts   Timeouts

	pageSize       int
	quickLimit     int
	safetyCeiling  int
	goneThreshold  int
	recencyWindows []int
}

// User is the identity behind the configured credential.
type User struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Project is a Jira project summary.
type Project struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RawIssue is an issue exactly as Jira returned it. Use Normalize to turn it
// into a Record.
type RawIssue map[string]any

// Key returns the issue key, or "" when absent.
func (r RawIssue) Key() string {
	k, _ := r["key"].(string)
	return k
}

// SearchPage is one page of a JQL search.
type SearchPage struct {
	StartAt    int        `json:"startAt"`
	MaxResults int        `json:"maxResults"`
	Total      int        `json:"total"`
	Issues     []RawIssue `json:"issues"`
}

type projectSearchPage struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	IsLast     bool      `json:"isLast"`
	Values     []Project `json:"values"`
}

// New creates a Jira client from opts.
func New(opts Options) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		email:          opts.Email,
		token:          opts.Token,
		httpClient:     opts.HTTPClient,
		timeouts:       opts.Timeouts,
		pageSize:       opts.PageSize,
		quickLimit:     opts.QuickLimit,
		safetyCeiling:  opts.SafetyCeiling,
		goneThreshold:  opts.GoneThreshold,
		recencyWindows: opts.RecencyWindows,
	}
	if c.httpClient == nil {
		// Per-request deadlines come from the tier, not the client.
		c.httpClient = &http.Client{}
	}
	if c.timeouts.Short <= 0 {
		c.timeouts.Short = 10 * time.Second
	}
	if c.timeouts.Medium <= 0 {
		c.timeouts.Medium = 30 * time.Second
	}
	if c.timeouts.Long <= 0 {
		c.timeouts.Long = 120 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	if c.quickLimit <= 0 {
		c.quickLimit = 1000
	}
	if c.safetyCeiling <= 0 {
		c.safetyCeiling = 10000
	}
	if c.goneThreshold < 0 {
		c.goneThreshold = 0
	}
	if len(c.recencyWindows) == 0 {
		c.recencyWindows = []int{365, 180, 90}
	}
	return c
}

// NewWithBaseURL creates a bearer-token client with default tuning (for testing).
func NewWithBaseURL(token, baseURL string) *Client {
	return New(Options{BaseURL: baseURL, Token: token, GoneThreshold: 2})
}

// PageSize returns the fixed search page size.
func (c *Client) PageSize() int { return c.pageSize }

func (c *Client) timeout(t Tier) time.Duration {
	switch t {
	case TierShort:
		return c.timeouts.Short
	case TierMedium:
		return c.timeouts.Medium
	default:
		return c.timeouts.Long
	}
}

// get performs an authenticated GET and returns the response body.
// Non-2xx responses come back as *APIError, transport failures as
// *ConnectivityError.
func (c *Client) get(ctx context.Context, tier Tier, op, path string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout(tier))
	defer cancel()

	ctx, span := tracer.Start(ctx, "jira."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", http.MethodGet),
		attribute.String("url.path", path),
		attribute.String("jira.tier", tier.String()),
	)

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.email != "" {
		req.SetBasicAuth(c.email, c.token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		ce := classifyTransportError(op, err)
		span.RecordError(ce)
		span.SetStatus(codes.Error, ce.Kind)
		return nil, ce
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       truncate(strings.TrimSpace(string(body)), 300),
		}
		span.SetStatus(codes.Error, resp.Status)
		return nil, apiErr
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) getJSON(ctx context.Context, tier Tier, op, path string, query url.Values, out any) error {
	body, err := c.get(ctx, tier, op, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// Myself returns the identity of the configured credential. It is the
// cheapest authenticated call and doubles as a connectivity test.
func (c *Client) Myself(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, TierShort, "myself", apiPrefix+"/myself", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListProjects fetches every project visible to the credential.
// Handles pagination automatically.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	startAt := 0

	for {
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", "50")

		var page projectSearchPage
		if err := c.getJSON(ctx, TierMedium, "list_projects", apiPrefix+"/project/search", q, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Values...)
		startAt += len(page.Values)

		if page.IsLast || len(page.Values) == 0 || (page.Total > 0 && startAt >= page.Total) {
			break
		}
	}

	logger.Debug("jira: listed %d projects", len(all))
	return all, nil
}

// GetProject fetches a single project by key.
func (c *Client) GetProject(ctx context.Context, key string) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, TierShort, "get_project", apiPrefix+"/project/"+url.PathEscape(key), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProjectStatus looks the project up and returns the HTTP status code.
// Only transport failures are returned as errors.
func (c *Client) ProjectStatus(ctx context.Context, key string) (int, error) {
	_, err := c.get(ctx, TierShort, "get_project", apiPrefix+"/project/"+url.PathEscape(key), nil)
	if err == nil {
		return http.StatusOK, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, nil
	}
	return 0, err
}

// GetIssue fetches a single issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (RawIssue, error) {
	q := url.Values{}
	q.Set("fields", searchFields)

	var issue RawIssue
	if err := c.getJSON(ctx, TierMedium, "get_issue", apiPrefix+"/issue/"+url.PathEscape(key), q, &issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// Search runs one page of a JQL search.
func (c *Client) Search(ctx context.Context, tier Tier, jql string, startAt, maxResults int) (*SearchPage, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(maxResults))
	if maxResults > 0 {
		q.Set("fields", searchFields)
	}

	var page SearchPage
	if err := c.getJSON(ctx, tier, "search", apiPrefix+"/search", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CountIssues returns the number of issues matching jql without fetching them.
func (c *Client) CountIssues(ctx context.Context, jql string) (int, error) {
	page, err := c.Search(ctx, TierShort, jql, 0, 0)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

// ProjectIssueCount counts all issues in a project.
func (c *Client) ProjectIssueCount(ctx context.Context, key string) (int, error) {
	return c.CountIssues(ctx, fmt.Sprintf("project = %q", key))
}
