package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
)

type submitJobRequest struct {
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload"`
	MaxRetries     *int           `json:"max_retries"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	TotalItems     int            `json:"total_items"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "job type is required")
		return
	}
	priority, ok := parsePriority(req.Priority)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "priority must be low, normal, or high")
		return
	}

	job, err := s.deps.Jobs.Submit(r.Context(), scheduler.SubmitRequest{
		Type:           engine.JobType(req.Type),
		Priority:       priority,
		Payload:        req.Payload,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		TotalItems:     req.TotalItems,
	})
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	jobs, err := s.deps.JobStore.ListJobs(r.Context(), engine.JobFilter{
		Status:   engine.JobStatus(q.Get("status")),
		Type:     engine.JobType(q.Get("type")),
		ParentID: q.Get("parent_id"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.JobStore.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.deps.Jobs.Cancel, "cancelled")
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.deps.Jobs.Pause, "paused")
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, s.deps.Jobs.Resume, "pending")
}

func (s *Server) jobTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id string) error,
	result string,
) {
	jobID := chi.URLParam(r, "job_id")
	if err := op(r.Context(), jobID); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": result})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("q") == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	outcome, err := s.deps.Search.Search(r.Context(), engine.SearchQuery{
		Query: q.Get("q"),
		Page:  page,
		Limit: limit,
	})
	if err != nil {
		if errors.Is(err, engine.ErrAllTiersFailed) {
			s.writeError(w, http.StatusBadGateway, "no source tier responded")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.deps.Providers.Ranking(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to rank providers")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": ranking})
}

func (s *Server) enableProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Providers.EnableProvider(r.Context(), name); err != nil {
		s.writeProviderError(w, name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"provider": name, "status": "enabled"})
}

func (s *Server) disableProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Providers.DisableProvider(r.Context(), name); err != nil {
		s.writeProviderError(w, name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"provider": name, "status": "disabled"})
}

func (s *Server) isolationStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"adapters": s.deps.Isolation.StatusAll()})
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Entries.GetEntry(r.Context(),
		chi.URLParam(r, "indexer"), chi.URLParam(r, "source_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load entry")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (s *Server) refreshEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Search.Refresh(r.Context(),
		chi.URLParam(r, "indexer"), chi.URLParam(r, "source_id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, scheduler.ErrUnknownJobType):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeProviderError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, engine.ErrNotFound) || errors.Is(err, engine.ErrAdapterUnavailable) {
		s.writeError(w, http.StatusNotFound, "provider "+name+" not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func parsePriority(p string) (engine.Priority, bool) {
	switch p {
	case "", "normal":
		return engine.PriorityNormal, true
	case "low":
		return engine.PriorityLow, true
	case "high":
		return engine.PriorityHigh, true
	default:
		return 0, false
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
