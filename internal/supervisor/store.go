package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

var (
	ErrTaskNotFound = errors.New("task not found")
)

// mutableStatuses are the only stored statuses Transition may overwrite.
// The four terminal statuses are immutable, and awaiting_input can only be
// escaped by a child continuation task, never by mutating the row.
var mutableStatuses = []models.TaskStatus{models.TaskQueued, models.TaskRunning}

// Store is the interface for task persistence. Two implementations are
// provided: MemoryStore for tests and local runs, and PostgresStore for
// production.
//
// Transition is the single mutation path for existing tasks: it writes the
// status, container ref, timestamps, result and exit code in one update
// guarded on the stored row still being in a mutable state. The guard is
// what makes terminal statuses exactly-once — a writer holding a stale copy
// gets applied=false and must discard its side effects.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	Transition(ctx context.Context, task *models.Task) (applied bool, err error)
	// Heartbeat records a liveness probe without touching the rest of the
	// row. Heartbeats on finished tasks are ignored.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// SetLogOffset advances the persisted log line counter.
	SetLogOffset(ctx context.Context, id string, offset int64) error
	ListTasks(ctx context.Context, userID string, includeTerminal bool) ([]*models.Task, error)
	// ActiveTasks returns every queued or running task, for crash recovery
	// at startup.
	ActiveTasks(ctx context.Context) ([]*models.Task, error)

	Close() error
}

func statusMutable(s models.TaskStatus) bool {
	for _, m := range mutableStatuses {
		if s == m {
			return true
		}
	}
	return false
}
