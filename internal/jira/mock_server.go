package jira

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// SearchCall records one request made to the search endpoint.
type SearchCall struct {
	JQL        string
	StartAt    int
	MaxResults int
}

// MockServer provides a fake Jira API for testing
type MockServer struct {
	*httptest.Server
	mu sync.RWMutex

	projects      []Project
	projectStatus map[string]int        // project key -> forced status code
	issues        map[string][]RawIssue // project key -> issues, newest first
	byKey         map[string]RawIssue

	token        string
	maxResults   int
	failSearches []int
	emptyWhen    []string

	searchCalls  []SearchCall
	issueLookups []string
}

var jqlProjectRe = regexp.MustCompile(`project\s*=\s*"?([A-Za-z0-9_\-]+)"?`)

// NewMockServer creates a mock Jira API server
func NewMockServer() *MockServer {
	m := &MockServer{
		projectStatus: make(map[string]int),
		issues:        make(map[string][]RawIssue),
		byKey:         make(map[string]RawIssue),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/3/myself", m.handleMyself)
	mux.HandleFunc("GET /rest/api/3/project/search", m.handleListProjects)
	mux.HandleFunc("GET /rest/api/3/project/{key}", m.handleGetProject)
	mux.HandleFunc("GET /rest/api/3/issue/{key}", m.handleGetIssue)
	mux.HandleFunc("GET /rest/api/3/search", m.handleSearch)

	m.Server = httptest.NewServer(m.auth(mux))
	return m
}

// RequireToken makes every request without "Bearer token" fail with 401.
func (m *MockServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// SetMaxResults caps the page size the server honours, like Jira Cloud does.
func (m *MockServer) SetMaxResults(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxResults = n
}

// AddProject registers a project.
func (m *MockServer) AddProject(key, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = append(m.projects, Project{
		ID:   strconv.Itoa(10000 + len(m.projects)),
		Key:  key,
		Name: name,
	})
}

// AddIssues appends issues to a project. The project is created if needed.
func (m *MockServer) AddIssues(projectKey string, issues ...RawIssue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, is := range issues {
		m.issues[projectKey] = append(m.issues[projectKey], is)
		m.byKey[is.Key()] = is
	}
}

// SetProjectStatus forces a status code for every request about a project.
func (m *MockServer) SetProjectStatus(key string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectStatus[key] = status
}

// FailNextSearches makes the next searches fail with the given status codes,
// in order.
func (m *MockServer) FailNextSearches(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSearches = append(m.failSearches, statuses...)
}

// EmptyWhenJQLContains makes searches whose JQL contains substr match nothing.
func (m *MockServer) EmptyWhenJQLContains(substr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emptyWhen = append(m.emptyWhen, substr)
}

// SearchCalls returns every search request received.
func (m *MockServer) SearchCalls() []SearchCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SearchCall(nil), m.searchCalls...)
}

// SearchQueries returns the JQL of every first-page search, in order.
// Count probes and follow-up pages are excluded.
func (m *MockServer) SearchQueries() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, c := range m.searchCalls {
		if c.StartAt == 0 && c.MaxResults > 0 {
			out = append(out, c.JQL)
		}
	}
	return out
}

// IssueLookups returns the keys requested via the single-issue endpoint.
func (m *MockServer) IssueLookups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.issueLookups...)
}

func (m *MockServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		token := m.token
		m.mu.RUnlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeMockError(w, http.StatusUnauthorized, "Client must be authenticated to access this resource.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeMockError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"errorMessages": []string{msg}})
}

func writeMockJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return def
}

func (m *MockServer) handleMyself(w http.ResponseWriter, r *http.Request) {
	writeMockJSON(w, User{AccountID: "mock-account", DisplayName: "Mock User", EmailAddress: "mock@example.com"})
}

func (m *MockServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	startAt := queryInt(r, "startAt", 0)
	maxResults := queryInt(r, "maxResults", 50)

	values := []Project{}
	if startAt < len(m.projects) {
		end := min(startAt+maxResults, len(m.projects))
		values = append(values, m.projects[startAt:end]...)
	}
	writeMockJSON(w, projectSearchPage{
		StartAt:    startAt,
		MaxResults: maxResults,
		Total:      len(m.projects),
		IsLast:     startAt+len(values) >= len(m.projects),
		Values:     values,
	})
}

func (m *MockServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.projectStatus[key]; ok {
		writeMockError(w, status, http.StatusText(status))
		return
	}
	for _, p := range m.projects {
		if p.Key == key {
			writeMockJSON(w, p)
			return
		}
	}
	if _, ok := m.issues[key]; ok {
		writeMockJSON(w, Project{Key: key, Name: key})
		return
	}
	writeMockError(w, http.StatusNotFound, "No project could be found with key '"+key+"'.")
}

func (m *MockServer) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	m.mu.Lock()
	m.issueLookups = append(m.issueLookups, key)
	issue, ok := m.byKey[key]
	m.mu.Unlock()

	if !ok {
		writeMockError(w, http.StatusNotFound, "Issue does not exist or you do not have permission to see it.")
		return
	}
	writeMockJSON(w, issue)
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	jql := r.URL.Query().Get("jql")
	startAt := queryInt(r, "startAt", 0)
	maxResults := queryInt(r, "maxResults", 50)

	m.mu.Lock()
	m.searchCalls = append(m.searchCalls, SearchCall{JQL: jql, StartAt: startAt, MaxResults: maxResults})
	if len(m.failSearches) > 0 {
		status := m.failSearches[0]
		m.failSearches = m.failSearches[1:]
		m.mu.Unlock()
		writeMockError(w, status, "forced failure")
		return
	}
	if m.maxResults > 0 && maxResults > m.maxResults {
		maxResults = m.maxResults
	}

	var projectKey string
	if match := jqlProjectRe.FindStringSubmatch(jql); match != nil {
		projectKey = match[1]
	}
	if status, ok := m.projectStatus[projectKey]; ok {
		m.mu.Unlock()
		writeMockError(w, status, http.StatusText(status))
		return
	}

	all := m.issues[projectKey]
	for _, substr := range m.emptyWhen {
		if strings.Contains(jql, substr) {
			all = nil
		}
	}
	page := []RawIssue{}
	if startAt < len(all) {
		end := min(startAt+maxResults, len(all))
		page = append(page, all[startAt:end]...)
	}
	total := len(all)
	m.mu.Unlock()

	writeMockJSON(w, SearchPage{
		StartAt:    startAt,
		MaxResults: maxResults,
		Total:      total,
		Issues:     page,
	})
}

// FakeIssue builds a raw issue shaped like a Jira Cloud search result, with
// an ADF description.
func FakeIssue(key, summary, status string) RawIssue {
	return RawIssue{
		"id":  strconv.Itoa(len(key)*1000 + int(key[len(key)-1])),
		"key": key,
		"fields": map[string]any{
			"summary": summary,
			"description": map[string]any{
				"type":    "doc",
				"version": 1,
				"content": []any{
					map[string]any{
						"type": "paragraph",
						"content": []any{
							map[string]any{"type": "text", "text": "Details for " + key},
						},
					},
				},
			},
			"status":    map[string]any{"name": status},
			"issuetype": map[string]any{"name": "Task"},
			"priority":  map[string]any{"name": "Medium"},
			"assignee":  map[string]any{"displayName": "Ada Lovelace", "emailAddress": "ada@example.com"},
			"reporter":  map[string]any{"displayName": "Grace Hopper", "emailAddress": "grace@example.com"},
			"created":   "2026-01-02T10:00:00.000+0000",
			"updated":   "2026-03-04T11:30:00.000+0000",
		},
	}
}
