package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// MemoryStore implements Store with in-process maps, for tests and
// single-node runs without Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil || task.OwnerUserID == "" {
		return fmt.Errorf("task owner is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) Transition(ctx context.Context, task *models.Task) (bool, error) {
	if task == nil || task.ID == "" {
		return false, fmt.Errorf("task ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[task.ID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !statusMutable(stored.Status) {
		return false, nil
	}
	next := cloneTask(task)
	// Creation-time fields are not writable through transitions.
	next.OwnerUserID = stored.OwnerUserID
	next.CreatedAt = stored.CreatedAt
	s.tasks[task.ID] = next
	return true, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if statusMutable(task.Status) {
		task.HeartbeatAt = at
	}
	return nil
}

func (s *MemoryStore) SetLogOffset(ctx context.Context, id string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if offset > task.LogOffset {
		task.LogOffset = offset
	}
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, userID string, includeTerminal bool) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range s.tasks {
		if task.OwnerUserID != userID {
			continue
		}
		if !includeTerminal && task.Status.Terminal() {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) ActiveTasks(ctx context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range s.tasks {
		if statusMutable(task.Status) {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneTask(task *models.Task) *models.Task {
	c := *task
	if task.StartedAt != nil {
		t := *task.StartedAt
		c.StartedAt = &t
	}
	if task.FinishedAt != nil {
		t := *task.FinishedAt
		c.FinishedAt = &t
	}
	if task.ExitCode != nil {
		ec := *task.ExitCode
		c.ExitCode = &ec
	}
	return &c
}
