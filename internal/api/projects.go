package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JohanCodinha/qatrack/internal/md"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
)

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jira == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "jira is not configured")
		return
	}
	u, err := s.deps.Jira.Myself(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "user": u})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.DB.ListProjects(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

type projectResponse struct {
	store.Project
	TaskCount int `json:"task_count"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p, err := s.deps.DB.GetProjectByKey(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	n, err := s.deps.DB.CountTasks(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: *p, TaskCount: n})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := r.URL.Query()
	filter := store.TaskFilter{
		ProjectKey: key,
		QAStatus:   q.Get("qa_status"),
		Status:     q.Get("status"),
		Assignee:   q.Get("assignee"),
	}
	if filter.QAStatus != "" && !store.ValidQAStatus(filter.QAStatus) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidQAStatus,
			fmt.Sprintf("invalid qa_status %q: valid values are %s", filter.QAStatus, strings.Join(store.QAStatuses, ", ")))
		return
	}
	if _, err := s.deps.DB.GetProjectByKey(r.Context(), key); err != nil {
		writeErr(w, r, err)
		return
	}

	tasks, err := s.deps.DB.ListTasks(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.DB.ProjectReport(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := md.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	e, err := sync.LoadExport(r.Context(), s.deps.DB.Queries, chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	e.Reason = "export"
	data, err := md.Render(e, format)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ctype := "text/markdown; charset=utf-8"
	if format == md.FormatJSON {
		ctype = "application/json"
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.DB.GetTaskByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTaskRequest struct {
	QAStatus *string `json:"qa_status"`
	Memo     *string `json:"memo"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.QAStatus == nil && req.Memo == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "nothing to update: set qa_status or memo")
		return
	}

	if err := s.deps.DB.UpdateTask(r.Context(), key, store.TaskUpdate{QAStatus: req.QAStatus, Memo: req.Memo}); err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := s.deps.DB.GetTaskByKey(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, err := s.deps.DB.GetTaskByKey(r.Context(), key); err != nil {
		writeErr(w, r, err)
		return
	}
	all := r.URL.Query().Get("all") == "true"
	links, err := s.deps.DB.ListLinks(r.Context(), key, all)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

type createLinkRequest struct {
	CycleID         *int64  `json:"cycle_id"`
	CycleExternalID *string `json:"cycle_external_id"`
	Name            string  `json:"name"`
	LinkedBy        string  `json:"linked_by"`
	Reason          string  `json:"reason"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.CycleID == nil && (req.CycleExternalID == nil || *req.CycleExternalID == "") {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "cycle_id or cycle_external_id is required")
		return
	}

	l := &store.Link{
		CycleID:         req.CycleID,
		CycleExternalID: req.CycleExternalID,
		Name:            req.Name,
		LinkedBy:        req.LinkedBy,
		Reason:          req.Reason,
	}
	if err := s.deps.DB.CreateLink(r.Context(), chi.URLParam(r, "key"), l); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "link id must be an integer")
		return
	}
	if err := s.deps.DB.DeactivateLink(r.Context(), chi.URLParam(r, "key"), id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
