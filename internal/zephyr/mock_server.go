package zephyr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockServer provides a fake Zephyr Scale API for testing
type MockServer struct {
	*httptest.Server
	mu       sync.RWMutex
	projects []Project
	cycles   map[string][]TestCycle // project key -> cycles
	cases    map[string][]TestCase
	requests int
}

// NewMockServer creates a mock Zephyr API server
func NewMockServer() *MockServer {
	m := &MockServer{
		cycles: make(map[string][]TestCycle),
		cases:  make(map[string][]TestCase),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects", func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		writePage(w, r, m.projects)
	})
	mux.HandleFunc("GET /testcycles", func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		writePage(w, r, m.cycles[r.URL.Query().Get("projectKey")])
	})
	mux.HandleFunc("GET /testcases", func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		writePage(w, r, m.cases[r.URL.Query().Get("projectKey")])
	})

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		m.mu.Unlock()
		if r.Header.Get("Authorization") == "" {
			http.Error(w, `{"message":"missing token"}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return m
}

// AddProject registers a Zephyr-enabled project.
func (m *MockServer) AddProject(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = append(m.projects, Project{ID: int64(len(m.projects) + 1), Key: key, Enabled: true})
}

// AddCycles appends test cycles to a project.
func (m *MockServer) AddCycles(projectKey string, cycles ...TestCycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[projectKey] = append(m.cycles[projectKey], cycles...)
}

// AddCases appends test cases to a project.
func (m *MockServer) AddCases(projectKey string, cases ...TestCase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[projectKey] = append(m.cases[projectKey], cases...)
}

// Requests returns how many requests the server has received.
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

func writePage[T any](w http.ResponseWriter, r *http.Request, all []T) {
	startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
	maxResults, err := strconv.Atoi(r.URL.Query().Get("maxResults"))
	if err != nil || maxResults <= 0 {
		maxResults = 10
	}

	values := []T{}
	if startAt < len(all) {
		values = append(values, all[startAt:min(startAt+maxResults, len(all))]...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page[T]{
		StartAt:    startAt,
		MaxResults: maxResults,
		Total:      len(all),
		IsLast:     startAt+len(values) >= len(all),
		Values:     values,
	})
}

// FakeCycle builds a test cycle with a predictable key.
func FakeCycle(id int64, projectKey, name string) TestCycle {
	return TestCycle{
		ID:               id,
		Key:              projectKey + "-R" + strconv.FormatInt(id, 10),
		Name:             name,
		Status:           &Ref{ID: 1},
		PlannedStartDate: "2026-02-01T00:00:00Z",
		PlannedEndDate:   "2026-02-14T00:00:00Z",
	}
}
