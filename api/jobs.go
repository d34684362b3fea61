package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"imagegen_backend/db"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
)

// SubmitJobRequest is the body of POST /jobs. Generation fields sit at the
// top level, next to the job options.
type SubmitJobRequest struct {
	imagegen.Request
	Priority   string `json:"priority"`
	WebhookURL string `json:"webhook_url"`
	MaxRetries *int   `json:"max_retries"`
}

// JobResponse wraps one job.
type JobResponse struct {
	Success bool      `json:"success"`
	Job     *jobs.Job `json:"job"`
}

// JobListResponse wraps a job list.
type JobListResponse struct {
	Success bool        `json:"success"`
	Jobs    []*jobs.Job `json:"jobs"`
	Count   int         `json:"count"`
}

func decodeSubmitJob(data []byte) (SubmitJobRequest, error) {
	sr := SubmitJobRequest{Request: imagegen.DefaultRequest()}
	if err := json.Unmarshal(data, &sr); err != nil {
		return SubmitJobRequest{}, err
	}
	sr.Request.ApplySize()
	return sr, nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot read request body: "+err.Error())
		return
	}
	sr, err := decodeSubmitJob(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if sr.ProjectID != "" && s.cfg.Repo != nil {
		if _, err := s.cfg.Repo.GetProject(r.Context(), sr.ProjectID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	job, err := s.cfg.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		Request:    sr.Request,
		Priority:   sr.Priority,
		WebhookURL: sr.WebhookURL,
		MaxRetries: sr.MaxRetries,
	})
	if err != nil && job == nil {
		writeDomainError(w, err)
		return
	}
	if err != nil {
		// saved but not yet dispatched; it is picked up on the next start
		s.logger.Warn("job accepted without dispatch", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, JobResponse{Success: true, Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.cfg.Jobs.List(r.Context(), jobs.ListOptions{
		Status:    q.Get("status"),
		ProjectID: q.Get("project_id"),
		Limit:     limit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Success: true, Jobs: list, Count: len(list)})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Jobs.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Success: true, Job: job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Success: true, Job: job})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil && job == nil {
		writeDomainError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("job reset without dispatch", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, JobResponse{Success: true, Job: job})
}

// ProjectRequest is the body of POST /projects.
type ProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	p, err := s.cfg.Repo.CreateProject(r.Context(), db.Project{Name: req.Name, Description: req.Description})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "project": p})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Repo.ListProjects(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "projects": list, "count": len(list)})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Repo.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "project": p})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Repo.GetProject(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	assets, err := s.cfg.Repo.ListAssets(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "assets": assets, "count": len(assets)})
}

// queryLimit reads ?limit=, falling back to def for absent or bad values.
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		return def
	}
	return n
}
