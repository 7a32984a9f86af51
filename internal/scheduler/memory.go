package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	jobIDs    []string // insertion order, keeps listings stable
	workflows map[string]*models.Workflow
	wfIDs     []string
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      map[string]*models.Job{},
		workflows: map[string]*models.Workflow{},
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.UserID == "" {
		return errors.New("job user ID is required")
	}
	if !job.Type.Valid() {
		return errors.New("unknown job type")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneJob(job)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Status == "" {
		clone.Status = models.JobActive
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if _, exists := m.jobs[clone.ID]; exists {
		return errors.New("job already exists")
	}
	m.jobs[clone.ID] = clone
	m.jobIDs = append(m.jobIDs, clone.ID)

	job.ID = clone.ID
	job.Status = clone.Status
	job.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) DueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*models.Job
	for _, id := range m.jobIDs {
		job := m.jobs[id]
		if job.Status != models.JobActive || job.Type == models.JobWebhook {
			continue
		}
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneJob(job))
	}
	return due, nil
}

func (m *MemoryStore) ApplyEvaluation(ctx context.Context, job *models.Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, errors.New("job ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return false, ErrJobNotFound
	}
	if stored.Status != models.JobActive {
		return false, nil
	}
	m.jobs[job.ID] = cloneJob(job)
	return true, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, userID string, includeTerminal bool) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.Job
	for _, id := range m.jobIDs {
		job := m.jobs[id]
		if job.UserID != userID {
			continue
		}
		if !includeTerminal && job.Status.Terminal() {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (m *MemoryStore) JobsByWorkflow(ctx context.Context, workflowID string) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*models.Job
	for _, id := range m.jobIDs {
		job := m.jobs[id]
		if job.WorkflowID != workflowID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || wf.Name == "" {
		return errors.New("workflow name is required")
	}
	if wf.UserID == "" {
		return errors.New("workflow user ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *wf
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if _, exists := m.workflows[clone.ID]; exists {
		return errors.New("workflow already exists")
	}
	m.workflows[clone.ID] = &clone
	m.wfIDs = append(m.wfIDs, clone.ID)

	wf.ID = clone.ID
	wf.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	clone := *wf
	return &clone, nil
}

func (m *MemoryStore) ListWorkflows(ctx context.Context, userID string) ([]*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wfs []*models.Workflow
	for _, id := range m.wfIDs {
		wf := m.workflows[id]
		if wf.UserID != userID {
			continue
		}
		clone := *wf
		wfs = append(wfs, &clone)
	}
	return wfs, nil
}

func (m *MemoryStore) Close() error { return nil }

// cloneJob deep-copies a job so callers cannot mutate stored state.
func cloneJob(job *models.Job) *models.Job {
	clone := *job
	if job.ExpiresAt != nil {
		t := *job.ExpiresAt
		clone.ExpiresAt = &t
	}
	if job.NextRunAt != nil {
		t := *job.NextRunAt
		clone.NextRunAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		clone.CompletedAt = &t
	}
	if len(job.CheckConfig) > 0 {
		clone.CheckConfig = append([]byte(nil), job.CheckConfig...)
	}
	if len(job.LastResult) > 0 {
		clone.LastResult = append([]byte(nil), job.LastResult...)
	}
	return &clone
}
