package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
)

const defaultRunLimit = 20

type startSyncRequest struct {
	SelectedKeys []string `json:"selected_keys"`
	Quick        bool     `json:"quick"`
	Cap          int      `json:"cap"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "jira is not configured")
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))

	var req startSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if n, limit := len(req.SelectedKeys), s.deps.Runner.MaxSelection(); n > limit {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("selection of %d issues exceeds the maximum of %d", n, limit))
		return
	}

	h, err := s.deps.Runner.StartSync(r.Context(), sync.Request{
		ProjectKey: key,
		Selected:   req.SelectedKeys,
		Quick:      req.Quick,
		Cap:        req.Cap,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	logFor(r.Context()).Info("sync started", "target", h.Target, "run_id", h.RunID, "kind", h.Kind)
	writeJSON(w, http.StatusAccepted, h)
}

// writeStatus answers 404 with the status body for targets never started.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, target string) {
	st, err := s.deps.Statuses.Read(r.Context(), target)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	code := http.StatusOK
	if st.Phase == status.PhaseNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, st)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, chi.URLParam(r, "key"))
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "jira is not configured")
		return
	}
	d, err := s.deps.Resolver.Diagnose(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAlternatives(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "jira is not configured")
		return
	}
	alts, err := s.deps.Resolver.SuggestAlternatives(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alts)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "key")
	if strings.EqualFold(target, store.ResetAll) {
		target = store.ResetAll
	}
	rep, err := s.deps.Resetter.Reset(r.Context(), target)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	logFor(r.Context()).Warn("mirror reset", "target", target, "backups", len(rep.Backups))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultRunLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.DB.ListRuns(r.Context(), q.Get("target"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStartCycles(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Cycles || s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "zephyr is not configured")
		return
	}
	h, err := s.deps.Runner.StartCycles(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, sync.CyclesTarget(chi.URLParam(r, "key")))
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, err := s.deps.DB.GetProjectByKey(r.Context(), key); err != nil {
		writeErr(w, r, err)
		return
	}
	cycles, err := s.deps.DB.ListCycles(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}
