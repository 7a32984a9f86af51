package models

import "time"

// TaskStatus is the lifecycle state of a long-running task.
type TaskStatus string

const (
	TaskQueued        TaskStatus = "queued"
	TaskRunning       TaskStatus = "running"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskTimedOut      TaskStatus = "timed_out"
	TaskCancelled     TaskStatus = "cancelled"
	TaskAwaitingInput TaskStatus = "awaiting_input"
)

// Terminal reports whether the status is final. awaiting_input is
// semi-terminal: the container may be gone but the workspace persists,
// and only a child continuation task escapes it.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// TaskMode selects how the container agent behaves.
type TaskMode string

const (
	TaskModePlan    TaskMode = "plan"
	TaskModeExecute TaskMode = "execute"
)

// Task is a supervised long-running container job. ParentTaskID links a
// continuation to the task whose workspace it resumes; the links form a
// DAG with no cycles. LogOffset counts persisted log lines.
type Task struct {
	ID             string     `json:"id"`
	OwnerUserID    string     `json:"owner_user_id"`
	Prompt         string     `json:"prompt,omitempty"`
	WorkspacePath  string     `json:"workspace_path"`
	Status         TaskStatus `json:"status"`
	Mode           TaskMode   `json:"mode"`
	ParentTaskID   string     `json:"parent_task_id,omitempty"`
	ContainerRef   string     `json:"container_ref,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	HeartbeatAt    time.Time  `json:"heartbeat_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	LogOffset      int64      `json:"log_offset"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	// Origin records where the task was started from, so status
	// notifications can reach the right channel.
	Origin    PlatformContext `json:"origin,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TerminalSession is an interactive PTY attached to a task container.
// It lives while at least one subscriber is connected or until the idle
// timeout closes it.
type TerminalSession struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	Rows           int       `json:"rows"`
	Cols           int       `json:"cols"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Subscribers    int       `json:"subscribers"`
}
