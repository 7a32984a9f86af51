package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrJobFinished reports a cancel attempt on a settled job.
	ErrJobFinished = errors.New("job already finished")
)

// Store is the interface for job and workflow persistence. Two
// implementations are provided: MemoryStore for tests and local runs, and
// PostgresStore for production.
//
// ApplyEvaluation is the single mutation path for existing jobs: it writes
// the run counters, status, schedule and last result in one update guarded
// on the stored row still being active. The guard is what makes terminal
// statuses immutable and completions idempotent — a writer holding a stale
// copy gets applied=false and must discard its side effects.
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// DueJobs returns active jobs with next_run_at at or before now.
	// Webhook jobs never appear; they are fired externally.
	DueJobs(ctx context.Context, now time.Time) ([]*models.Job, error)
	ApplyEvaluation(ctx context.Context, job *models.Job) (applied bool, err error)
	ListJobs(ctx context.Context, userID string, includeTerminal bool) ([]*models.Job, error)
	JobsByWorkflow(ctx context.Context, workflowID string) ([]*models.Job, error)

	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, userID string) ([]*models.Workflow, error)

	Close() error
}
