// Package zephyr provides a client for the Zephyr Scale test-management API.
package zephyr

import (
	"context"
	"encoding/json"
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

const defaultBaseURL = "https://api.zephyrscale.smartbear.com/v2"

var tracer = otel.Tracer("github.com/JohanCodinha/qatrack/internal/zephyr")

// APIError is returned for any non-2xx response.
type APIError struct {
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Zephyr API error: GET %s: %s - %s", e.Path, e.Status, e.Body)
}

// Ref is a {id, self} reference used throughout the Zephyr API.
type Ref struct {
	ID   int64  `json:"id"`
	Self string `json:"self,omitempty"`
}

// Project is a Zephyr-enabled Jira project.
type Project struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// TestCycle is a test cycle within a project.
type TestCycle struct {
	ID               int64  `json:"id"`
	Key              string `json:"key"`
	Name             string `json:"name"`
	Status           *Ref   `json:"status,omitempty"`
	PlannedStartDate string `json:"plannedStartDate,omitempty"`
	PlannedEndDate   string `json:"plannedEndDate,omitempty"`
	Description      string `json:"description,omitempty"`
}

// TestCase is a test case within a project.
type TestCase struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Objective string `json:"objective,omitempty"`
}

type page[T any] struct {
	StartAt    int  `json:"startAt"`
	MaxResults int  `json:"maxResults"`
	Total      int  `json:"total"`
	IsLast     bool `json:"isLast"`
	Values     []T  `json:"values"`
}

// Client is a Zephyr Scale API client.
type Client struct {
	token      string
	baseURL    string
	pageSize   int
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a client. An empty baseURL selects Zephyr Scale Cloud.
func New(token, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   100,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "zephyr.get")
	defer span.End()
	span.SetAttributes(attribute.String("url.path", path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return &APIError{Path: path, StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// listAll walks a paginated endpoint until isLast, an empty page or total.
func listAll[T any](ctx context.Context, c *Client, path string, base url.Values) ([]T, error) {
	var all []T
	startAt := 0
	for {
		q := url.Values{}
		for k, v := range base {
			q[k] = v
		}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(c.pageSize))

		var p page[T]
		if err := c.get(ctx, path, q, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Values...)
		startAt += len(p.Values)

		if p.IsLast || len(p.Values) == 0 || (p.Total > 0 && startAt >= p.Total) {
			return all, nil
		}
	}
}

// ListProjects fetches all Zephyr-enabled projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	return listAll[Project](ctx, c, "/projects", nil)
}

// ListTestCycles fetches every test cycle of a project.
func (c *Client) ListTestCycles(ctx context.Context, projectKey string) ([]TestCycle, error) {
	cycles, err := listAll[TestCycle](ctx, c, "/testcycles", url.Values{"projectKey": {projectKey}})
	if err != nil {
		return nil, err
	}
	logger.Debug("zephyr: %d test cycles in %s", len(cycles), projectKey)
	return cycles, nil
}

// ListTestCases fetches every test case of a project.
func (c *Client) ListTestCases(ctx context.Context, projectKey string) ([]TestCase, error) {
	return listAll[TestCase](ctx, c, "/testcases", url.Values{"projectKey": {projectKey}})
}
