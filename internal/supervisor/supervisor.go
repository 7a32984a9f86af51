// Package supervisor runs long-lived coding tasks in containers: one
// container per task, a bind-mounted workspace that outlives it, captured
// logs, heartbeat probing, and interactive terminal sessions. Task state
// lives in a Store; every status change goes through the store's guarded
// transition so concurrent finalizers cannot double-fire.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

var (
	// ErrTaskNotActive is returned when an operation needs a queued or
	// running task and the task already settled.
	ErrTaskNotActive = errors.New("task is not active")

	// ErrParentActive is returned when a continuation targets a parent
	// that is still queued or running.
	ErrParentActive = errors.New("parent task is still active")

	// ErrNotOwner is returned when a caller acts on a task they do not own.
	ErrNotOwner = errors.New("task belongs to another user")
)

// resultFile, relative to the workspace, is where the container agent
// leaves its final summary.
const resultFile = ".loom/result"

// StartTaskRequest describes a new root task.
type StartTaskRequest struct {
	OwnerUserID    string
	Prompt         string
	Mode           models.TaskMode
	TimeoutSeconds int
	Origin         models.PlatformContext
}

// Supervisor owns the task lifecycle from creation to finalization.
type Supervisor struct {
	store     Store
	runtime   ContainerRuntime
	logs      *LogDir
	terminals *Terminals
	bus       bus.Bus
	cfg       config.TasksConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	started bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("component", "supervisor")
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a supervisor. The notification bus may be nil, in which
// case status notifications are skipped.
func New(store Store, runtime ContainerRuntime, logs *LogDir, terminals *Terminals, b bus.Bus, cfg config.TasksConfig, opts ...Option) (*Supervisor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runtime == nil {
		return nil, fmt.Errorf("container runtime is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("log directory is required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("task image is required")
	}
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}

	s := &Supervisor{
		store:     store,
		runtime:   runtime,
		logs:      logs,
		terminals: terminals,
		bus:       b,
		cfg:       cfg,
		logger:    slog.Default().With("component", "supervisor"),
		now:       time.Now,
		watches:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s, nil
}

// Start recovers tasks that were active when the process last stopped and
// begins supervising them again. Queued tasks are launched; running tasks
// are re-attached if their container survived, failed otherwise.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	active, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover active tasks: %w", err)
	}
	for _, task := range active {
		switch task.Status {
		case models.TaskQueued:
			s.logger.Info("recovering queued task", "task_id", task.ID)
			s.launch(task)
		case models.TaskRunning:
			s.recoverRunning(ctx, task)
		}
	}
	if s.terminals != nil {
		s.terminals.Start(s.baseCtx)
	}
	s.logger.Info("supervisor started", "recovered", len(active))
	return nil
}

func (s *Supervisor) recoverRunning(ctx context.Context, task *models.Task) {
	probe, err := s.runtime.Probe(ctx, task.ContainerRef)
	if err != nil || !probe.Running {
		s.logger.Warn("recovered task lost its container", "task_id", task.ID, "container", task.ContainerRef)
		task.Error = "container lost across restart"
		s.finalize(ctx, task, models.TaskFailed, nil)
		return
	}
	s.logger.Info("re-attaching to running task", "task_id", task.ID, "container", task.ContainerRef)
	s.watch(task)
}

// Run creates a new task and starts its container asynchronously. The
// returned task is in queued status; subscribe to its log stream for
// progress.
func (s *Supervisor) Run(ctx context.Context, req StartTaskRequest) (*models.Task, error) {
	if req.OwnerUserID == "" {
		return nil, fmt.Errorf("owner user is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = models.TaskModeExecute
	}
	if mode != models.TaskModePlan && mode != models.TaskModeExecute {
		return nil, fmt.Errorf("unknown task mode %q", mode)
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(s.cfg.DefaultTimeout.Seconds())
	}

	id := uuid.NewString()
	workspace := filepath.Join(s.cfg.WorkspaceRoot, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	task := &models.Task{
		ID:             id,
		OwnerUserID:    req.OwnerUserID,
		Prompt:         req.Prompt,
		WorkspacePath:  workspace,
		Status:         models.TaskQueued,
		Mode:           mode,
		TimeoutSeconds: timeout,
		Origin:         req.Origin,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTaskTransition(string(models.TaskQueued))
	}
	s.launch(task)
	return cloneTask(task), nil
}

// Continue creates a child task that resumes the parent's workspace. The
// parent must have settled: continuing a queued or running task would
// race two containers over one workspace.
func (s *Supervisor) Continue(ctx context.Context, parentID, userID, prompt string, mode models.TaskMode) (*models.Task, error) {
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.OwnerUserID != userID {
		return nil, ErrNotOwner
	}
	if parent.Status == models.TaskQueued || parent.Status == models.TaskRunning {
		return nil, ErrParentActive
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if mode == "" {
		mode = models.TaskModeExecute
	}
	if mode != models.TaskModePlan && mode != models.TaskModeExecute {
		return nil, fmt.Errorf("unknown task mode %q", mode)
	}

	task := &models.Task{
		ID:             uuid.NewString(),
		OwnerUserID:    parent.OwnerUserID,
		Prompt:         prompt,
		WorkspacePath:  parent.WorkspacePath,
		Status:         models.TaskQueued,
		Mode:           mode,
		ParentTaskID:   parent.ID,
		TimeoutSeconds: parent.TimeoutSeconds,
		Origin:         parent.Origin,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTaskTransition(string(models.TaskQueued))
	}
	s.launch(task)
	return cloneTask(task), nil
}

// Cancel stops an active task. Cancelling a settled task returns
// ErrTaskNotActive; the stored task is returned either way so callers can
// report its status.
func (s *Supervisor) Cancel(ctx context.Context, id, userID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && task.OwnerUserID != userID {
		return nil, ErrNotOwner
	}

	task.Error = "cancelled by user"
	applied, err := s.finalize(ctx, task, models.TaskCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, gerr := s.store.GetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, ErrTaskNotActive
	}
	return s.store.GetTask(ctx, id)
}

// Task returns one task by id, scoped to the owner when userID is set.
func (s *Supervisor) Task(ctx context.Context, id, userID string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && task.OwnerUserID != userID {
		return nil, ErrNotOwner
	}
	return task, nil
}

// List returns a user's tasks, optionally including settled ones.
func (s *Supervisor) List(ctx context.Context, userID string, includeTerminal bool) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, userID, includeTerminal)
}

// Chain walks parent links from the task to its root, returning the
// lineage root-first.
func (s *Supervisor) Chain(ctx context.Context, id, userID string) ([]*models.Task, error) {
	var chain []*models.Task
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		seen[id] = true
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if userID != "" && task.OwnerUserID != userID {
			return nil, ErrNotOwner
		}
		chain = append(chain, task)
		id = task.ParentTaskID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// OpenTerminal opens or rejoins an interactive shell on a running task's
// container.
func (s *Supervisor) OpenTerminal(ctx context.Context, taskID, userID, sessionID string, rows, cols uint) (*Terminal, error) {
	if s.terminals == nil {
		return nil, fmt.Errorf("terminal sessions are disabled")
	}
	task, err := s.Task(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	return s.terminals.Open(ctx, task, sessionID, rows, cols)
}

// Sessions lists the live terminal sessions on a task.
func (s *Supervisor) Sessions(taskID string) []models.TerminalSession {
	if s.terminals == nil {
		return nil
	}
	return s.terminals.ForTask(taskID)
}

// Logs exposes the log directory for streaming and history reads.
func (s *Supervisor) Logs() *LogDir { return s.logs }

// Close stops every watcher and waits for them to drain. Containers keep
// running; Start on the next process picks them back up.
func (s *Supervisor) Close() error {
	s.baseCancel()
	s.wg.Wait()
	if s.terminals != nil {
		s.terminals.Close()
	}
	return nil
}

// launch runs the container lifecycle for a queued task in the background.
func (s *Supervisor) launch(task *models.Task) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.watches[task.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropWatch(task.ID)
		s.runTask(ctx, task)
	}()
}

// watch re-attaches supervision to an already-running task.
func (s *Supervisor) watch(task *models.Task) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.watches[task.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropWatch(task.ID)
		s.pumpLogs(ctx, task)
		s.superviseLoop(ctx, task)
	}()
}

func (s *Supervisor) dropWatch(taskID string) {
	s.mu.Lock()
	if cancel, ok := s.watches[taskID]; ok {
		delete(s.watches, taskID)
		defer cancel()
	}
	s.mu.Unlock()
}

func (s *Supervisor) runTask(ctx context.Context, task *models.Task) {
	env := []string{}
	if task.ParentTaskID != "" {
		env = append(env, "LOOM_PARENT_TASK_ID="+task.ParentTaskID)
	}

	ref, err := s.runtime.Start(ctx, StartSpec{
		TaskID:       task.ID,
		Image:        s.cfg.Image,
		WorkspaceDir: task.WorkspacePath,
		Prompt:       task.Prompt,
		Mode:         task.Mode,
		Env:          env,
		Resources:    s.cfg.Resources,
	})
	if err != nil {
		s.logger.Error("failed to start task container", "task_id", task.ID, "error", err)
		task.Error = fmt.Sprintf("container start failed: %v", err)
		s.finalize(ctx, task, models.TaskFailed, nil)
		return
	}

	now := s.now()
	task.Status = models.TaskRunning
	task.ContainerRef = ref
	task.StartedAt = &now
	task.HeartbeatAt = now
	applied, err := s.store.Transition(ctx, task)
	if err != nil {
		s.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
	}
	if !applied {
		// Cancelled between create and start; tear the container down.
		s.logger.Info("task settled before container start", "task_id", task.ID)
		cleanup := context.WithoutCancel(ctx)
		_ = s.runtime.Kill(cleanup, ref)
		_ = s.runtime.Remove(cleanup, ref)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTaskTransition(string(models.TaskRunning))
	}
	s.logs.Announce(task.ID, models.TaskRunning)
	s.logger.Info("task running", "task_id", task.ID, "container", shortRef(ref), "mode", task.Mode)

	s.pumpLogs(ctx, task)
	s.superviseLoop(ctx, task)
}

// pumpLogs streams container output into the task's log file in the
// background.
func (s *Supervisor) pumpLogs(ctx context.Context, task *models.Task) {
	stream, err := s.runtime.Logs(ctx, task.ContainerRef)
	if err != nil {
		s.logger.Warn("failed to open task logs", "task_id", task.ID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stream.Close()

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes+1)
		for scanner.Scan() {
			offset, err := s.logs.Append(task.ID, scanner.Text())
			if err != nil {
				s.logger.Warn("failed to append task log", "task_id", task.ID, "error", err)
				continue
			}
			if err := s.store.SetLogOffset(ctx, task.ID, offset); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to persist log offset", "task_id", task.ID, "error", err)
			}
		}
	}()
}

// superviseLoop probes the container on every heartbeat until it exits,
// times out, or supervision is cancelled.
func (s *Supervisor) superviseLoop(ctx context.Context, task *models.Task) {
	deadline := time.Time{}
	if task.StartedAt != nil && task.TimeoutSeconds > 0 {
		deadline = task.StartedAt.Add(time.Duration(task.TimeoutSeconds) * time.Second)
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probe, err := s.runtime.Probe(ctx, task.ContainerRef)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("container probe failed", "task_id", task.ID, "error", err)
			task.Error = fmt.Sprintf("container probe failed: %v", err)
			s.finalize(ctx, task, models.TaskFailed, nil)
			return
		}

		if !probe.Running {
			s.settleExit(ctx, task, probe.ExitCode)
			return
		}

		now := s.now()
		task.HeartbeatAt = now
		if err := s.store.Heartbeat(ctx, task.ID, now); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to record heartbeat", "task_id", task.ID, "error", err)
		}

		if !deadline.IsZero() && now.After(deadline) {
			s.logger.Info("task exceeded its timeout", "task_id", task.ID, "timeout_seconds", task.TimeoutSeconds)
			task.Error = fmt.Sprintf("timed out after %ds", task.TimeoutSeconds)
			s.finalize(ctx, task, models.TaskTimedOut, nil)
			return
		}
	}
}

// settleExit maps a container exit to the task's final status. A clean
// exit completes an execute task; a plan task parks in awaiting_input so
// the user can review the plan and continue.
func (s *Supervisor) settleExit(ctx context.Context, task *models.Task, exitCode int) {
	task.Result = s.readResult(task)
	status := models.TaskCompleted
	if exitCode != 0 {
		status = models.TaskFailed
		task.Error = fmt.Sprintf("container exited with code %d", exitCode)
	} else if task.Mode == models.TaskModePlan {
		status = models.TaskAwaitingInput
	}
	s.finalize(ctx, task, status, &exitCode)
}

// readResult picks up the summary the container agent left behind, if any.
func (s *Supervisor) readResult(task *models.Task) string {
	data, err := os.ReadFile(filepath.Join(task.WorkspacePath, resultFile))
	if err != nil {
		return ""
	}
	const maxResult = 16 * 1024
	text := strings.TrimSpace(string(data))
	if len(text) > maxResult {
		text = text[:maxResult]
	}
	return text
}

// finalize applies the terminal transition through the store guard and,
// when it wins, tears down the container and announces the outcome.
// Losing the guard means another finalizer settled the task first.
func (s *Supervisor) finalize(ctx context.Context, task *models.Task, status models.TaskStatus, exitCode *int) (bool, error) {
	now := s.now()
	task.Status = status
	task.FinishedAt = &now
	if exitCode != nil {
		task.ExitCode = exitCode
	}

	// Cleanup must survive the watcher's context being cancelled.
	cleanup := context.WithoutCancel(ctx)
	applied, err := s.store.Transition(cleanup, task)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if s.terminals != nil {
		s.terminals.CloseTask(task.ID)
	}
	if task.ContainerRef != "" {
		if err := s.runtime.Kill(cleanup, task.ContainerRef); err != nil {
			s.logger.Warn("failed to kill container", "task_id", task.ID, "error", err)
		}
		if err := s.runtime.Remove(cleanup, task.ContainerRef); err != nil {
			s.logger.Warn("failed to remove container", "task_id", task.ID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordTaskTransition(string(status))
	}
	s.logs.Announce(task.ID, status)
	s.logs.Release(task.ID)
	s.notify(cleanup, task)
	s.dropWatch(task.ID)

	s.logger.Info("task settled", "task_id", task.ID, "status", status)
	return true, nil
}

// notify publishes a task_status notification back to the channel the
// task was started from.
func (s *Supervisor) notify(ctx context.Context, task *models.Task) {
	if s.bus == nil || task.Origin.Platform == "" {
		return
	}
	n := models.Notification{
		Type:           "notification",
		UserID:         task.OwnerUserID,
		Platform:       task.Origin.Platform,
		Channel:        task.Origin.Channel,
		Thread:         task.Origin.Thread,
		ConversationID: task.Origin.ConversationID,
		Content:        statusMessage(task),
		Kind:           models.KindTaskStatus,
		Ref:            task.ID,
	}
	if err := s.bus.Publish(ctx, n); err != nil {
		s.logger.Warn("failed to publish task notification", "task_id", task.ID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordNotification(task.Origin.Platform, string(models.KindTaskStatus))
	}
}

func statusMessage(task *models.Task) string {
	var b strings.Builder
	switch task.Status {
	case models.TaskCompleted:
		fmt.Fprintf(&b, "Task %s completed.", task.ID)
	case models.TaskAwaitingInput:
		fmt.Fprintf(&b, "Task %s finished planning and is awaiting your input.", task.ID)
	case models.TaskFailed:
		fmt.Fprintf(&b, "Task %s failed.", task.ID)
	case models.TaskTimedOut:
		fmt.Fprintf(&b, "Task %s timed out.", task.ID)
	case models.TaskCancelled:
		fmt.Fprintf(&b, "Task %s was cancelled.", task.ID)
	default:
		fmt.Fprintf(&b, "Task %s is %s.", task.ID, task.Status)
	}
	if task.Result != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Result)
	}
	if task.Error != "" && task.Status != models.TaskCompleted {
		b.WriteString("\n")
		b.WriteString(task.Error)
	}
	return b.String()
}
