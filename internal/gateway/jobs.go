package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/pkg/models"
)

// JobService is the job-management slice of the scheduler the gateway
// exposes over HTTP. *scheduler.Module implements it.
type JobService interface {
	ListUserJobs(ctx context.Context, userID string, includeTerminal bool) ([]*models.Job, error)
	CancelUserJob(ctx context.Context, id, userID string) (*models.Job, error)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	user := s.requestUser(r)
	includeFinished := r.URL.Query().Get("include_finished") == "true"

	jobs, err := s.jobs.ListUserJobs(r.Context(), user.ID, includeFinished)
	if err != nil {
		s.logger.Error("job listing failed", "user_id", user.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	user := s.requestUser(r)

	job, err := s.jobs.CancelUserJob(r.Context(), r.PathValue("id"), user.ID)
	switch {
	case err == nil:
		s.respond(w, http.StatusOK, job)
	case errors.Is(err, scheduler.ErrJobNotFound):
		s.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scheduler.ErrJobFinished):
		s.respondError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error("job cancel failed", "user_id", user.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
