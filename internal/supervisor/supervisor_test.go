package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/models"
)

// fakeRuntime scripts container behavior: tests flip exit codes and feed
// log lines through the pipe.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	startErr   error
	started    int
}

type fakeContainer struct {
	spec     StartSpec
	running  bool
	exitCode int
	removed  bool
	logR     *io.PipeReader
	logW     *io.PipeWriter
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Start(_ context.Context, spec StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started++
	ref := fmt.Sprintf("ctr-%d", f.started)
	r, w := io.Pipe()
	f.containers[ref] = &fakeContainer{spec: spec, running: true, logR: r, logW: w}
	return ref, nil
}

func (f *fakeRuntime) Probe(_ context.Context, ref string) (Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return Probe{}, fmt.Errorf("no such container %s", ref)
	}
	return Probe{Running: c.running, ExitCode: c.exitCode}, nil
}

func (f *fakeRuntime) Logs(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok {
		return nil, fmt.Errorf("no such container %s", ref)
	}
	return c.logR, nil
}

func (f *fakeRuntime) Kill(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok && c.running {
		c.exit(-1)
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.removed = true
	}
	return nil
}

func (f *fakeRuntime) OpenTerminal(_ context.Context, ref string, _, _ uint) (TerminalConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref]
	if !ok || !c.running {
		return nil, fmt.Errorf("no running container %s", ref)
	}
	return newFakeTerminal(), nil
}

func (c *fakeContainer) exit(code int) {
	c.running = false
	c.exitCode = code
	c.logW.Close()
}

// exit stops the scripted container with the given code.
func (f *fakeRuntime) exit(ref string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok && c.running {
		c.exit(code)
	}
}

func (f *fakeRuntime) writeLog(ref, line string) {
	f.mu.Lock()
	c, ok := f.containers[ref]
	f.mu.Unlock()
	if ok {
		fmt.Fprintln(c.logW, line)
	}
}

func (f *fakeRuntime) container(ref string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[ref]
}

type recordingBus struct {
	mu            sync.Mutex
	notifications []models.Notification
}

func (b *recordingBus) Publish(_ context.Context, n models.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
	return nil
}

func (b *recordingBus) Subscribe(string) (<-chan models.Notification, func()) {
	ch := make(chan models.Notification)
	return ch, func() {}
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) all() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Notification(nil), b.notifications...)
}

func testConfig(t *testing.T) config.TasksConfig {
	t.Helper()
	return config.TasksConfig{
		Image:             "coder:test",
		WorkspaceRoot:     t.TempDir(),
		LogDir:            t.TempDir(),
		HeartbeatInterval: 5 * time.Millisecond,
		DefaultTimeout:    time.Hour,
		SubscriberBuffer:  16,
	}
}

func newTestSupervisor(t *testing.T, cfg config.TasksConfig, rt ContainerRuntime, b *recordingBus, opts ...Option) (*Supervisor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logs, err := NewLogDir(cfg.LogDir, cfg.SubscriberBuffer, nil)
	if err != nil {
		t.Fatalf("log dir: %v", err)
	}
	terminals := NewTerminals(rt, cfg.MaxTerminalSessions, cfg.TerminalIdleTimeout, cfg.SubscriberBuffer, nil, nil)
	var nb bus.Bus
	if b != nil {
		nb = b
	}
	sup, err := New(store, rt, logs, terminals, nb, cfg, opts...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() { sup.Close() })
	return sup, store
}

func waitStatus(t *testing.T, store Store, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last *models.Task
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), id)
		if err == nil {
			last = task
			if task.Status == want {
				return task
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("task %s stuck at %s, want %s", id, last.Status, want)
	}
	t.Fatalf("task %s never appeared", id)
	return nil
}

func TestRunTaskCompletes(t *testing.T) {
	rt := newFakeRuntime()
	busRec := &recordingBus{}
	sup, store := newTestSupervisor(t, testConfig(t), rt, busRec)

	task, err := sup.Run(context.Background(), StartTaskRequest{
		OwnerUserID: "u1",
		Prompt:      "fix the flaky test",
		Origin:      models.PlatformContext{Platform: "slack", Channel: "C1"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.Status != models.TaskQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}

	running := waitStatus(t, store, task.ID, models.TaskRunning)
	if running.ContainerRef == "" {
		t.Fatal("running task has no container ref")
	}
	if running.StartedAt == nil {
		t.Fatal("running task has no started_at")
	}

	// Leave a result behind, then exit cleanly.
	resultPath := filepath.Join(task.WorkspacePath, resultFile)
	if err := os.MkdirAll(filepath.Dir(resultPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(resultPath, []byte("all green\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt.exit(running.ContainerRef, 0)

	done := waitStatus(t, store, task.ID, models.TaskCompleted)
	if done.Result != "all green" {
		t.Errorf("result = %q, want %q", done.Result, "all green")
	}
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", done.ExitCode)
	}
	if done.FinishedAt == nil {
		t.Error("completed task has no finished_at")
	}
	if c := rt.container(running.ContainerRef); c == nil || !c.removed {
		t.Error("container was not removed after completion")
	}

	notes := busRec.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != models.KindTaskStatus || notes[0].Ref != task.ID {
		t.Errorf("notification = %+v", notes[0])
	}
	if notes[0].Platform != "slack" || notes[0].Channel != "C1" {
		t.Errorf("notification routed to %s/%s", notes[0].Platform, notes[0].Channel)
	}
}

func TestRunTaskFailsOnNonzeroExit(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)

	task, err := sup.Run(context.Background(), StartTaskRequest{OwnerUserID: "u1", Prompt: "p"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	running := waitStatus(t, store, task.ID, models.TaskRunning)
	rt.exit(running.ContainerRef, 3)

	failed := waitStatus(t, store, task.ID, models.TaskFailed)
	if failed.ExitCode == nil || *failed.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", failed.ExitCode)
	}
	if failed.Error == "" {
		t.Error("failed task has no error")
	}
}

func TestPlanTaskParksAwaitingInput(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)

	task, err := sup.Run(context.Background(), StartTaskRequest{
		OwnerUserID: "u1",
		Prompt:      "plan a refactor",
		Mode:        models.TaskModePlan,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	running := waitStatus(t, store, task.ID, models.TaskRunning)
	rt.exit(running.ContainerRef, 0)

	parked := waitStatus(t, store, task.ID, models.TaskAwaitingInput)
	if parked.Status.Terminal() {
		t.Error("awaiting_input must not count as terminal")
	}

	// Cancelling a parked task is rejected: only a continuation moves it.
	if _, err := sup.Cancel(context.Background(), task.ID, "u1"); err != ErrTaskNotActive {
		t.Errorf("cancel parked task: err = %v, want ErrTaskNotActive", err)
	}
}

func TestRunTaskStartFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = fmt.Errorf("image missing")
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)

	task, err := sup.Run(context.Background(), StartTaskRequest{OwnerUserID: "u1", Prompt: "p"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	failed := waitStatus(t, store, task.ID, models.TaskFailed)
	if failed.Error == "" {
		t.Error("expected start failure recorded in error")
	}
}

func TestTaskTimeout(t *testing.T) {
	rt := newFakeRuntime()

	// A shiftable clock: the container never exits on its own, so the
	// supervisor must observe the deadline passing.
	var clockMu sync.Mutex
	var skew time.Duration
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return time.Now().Add(skew)
	}
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil, WithNow(now))

	task, err := sup.Run(context.Background(), StartTaskRequest{
		OwnerUserID:    "u1",
		Prompt:         "spin forever",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, store, task.ID, models.TaskRunning)

	clockMu.Lock()
	skew = time.Minute
	clockMu.Unlock()

	timedOut := waitStatus(t, store, task.ID, models.TaskTimedOut)
	if timedOut.Error == "" {
		t.Error("timed out task has no error")
	}
}

func TestCancelRunningTask(t *testing.T) {
	rt := newFakeRuntime()
	busRec := &recordingBus{}
	sup, store := newTestSupervisor(t, testConfig(t), rt, busRec)

	task, err := sup.Run(context.Background(), StartTaskRequest{
		OwnerUserID: "u1",
		Prompt:      "p",
		Origin:      models.PlatformContext{Platform: "discord", Channel: "c"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	running := waitStatus(t, store, task.ID, models.TaskRunning)

	cancelled, err := sup.Cancel(context.Background(), task.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// Second cancel loses the guard.
	if _, err := sup.Cancel(context.Background(), task.ID, "u1"); err != ErrTaskNotActive {
		t.Errorf("second cancel: err = %v, want ErrTaskNotActive", err)
	}
	// Another user's cancel is an ownership error.
	if _, err := sup.Cancel(context.Background(), running.ID, "u2"); err != ErrNotOwner {
		t.Errorf("foreign cancel: err = %v, want ErrNotOwner", err)
	}
}

func TestContinueTask(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)
	ctx := context.Background()

	parent, err := sup.Run(ctx, StartTaskRequest{OwnerUserID: "u1", Prompt: "plan it", Mode: models.TaskModePlan})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	running := waitStatus(t, store, parent.ID, models.TaskRunning)

	// Continuing an active parent is rejected.
	if _, err := sup.Continue(ctx, parent.ID, "u1", "go", models.TaskModeExecute); err != ErrParentActive {
		t.Fatalf("continue active parent: err = %v, want ErrParentActive", err)
	}

	rt.exit(running.ContainerRef, 0)
	waitStatus(t, store, parent.ID, models.TaskAwaitingInput)

	child, err := sup.Continue(ctx, parent.ID, "u1", "looks good, do it", models.TaskModeExecute)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if child.ParentTaskID != parent.ID {
		t.Errorf("parent_task_id = %q, want %q", child.ParentTaskID, parent.ID)
	}
	if child.WorkspacePath != parent.WorkspacePath {
		t.Errorf("continuation got workspace %q, want parent's %q", child.WorkspacePath, parent.WorkspacePath)
	}

	childRunning := waitStatus(t, store, child.ID, models.TaskRunning)
	rt.exit(childRunning.ContainerRef, 0)
	waitStatus(t, store, child.ID, models.TaskCompleted)

	chain, err := sup.Chain(ctx, child.ID, "u1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != parent.ID || chain[1].ID != child.ID {
		t.Errorf("chain order wrong: %d entries", len(chain))
	}

	// Foreign users cannot continue someone else's task.
	if _, err := sup.Continue(ctx, parent.ID, "u2", "mine now", ""); err != ErrNotOwner {
		t.Errorf("foreign continue: err = %v, want ErrNotOwner", err)
	}
}

func TestLogsFlowToLogDir(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)

	task, err := sup.Run(context.Background(), StartTaskRequest{OwnerUserID: "u1", Prompt: "p"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	running := waitStatus(t, store, task.ID, models.TaskRunning)

	rt.writeLog(running.ContainerRef, "cloning repo")
	rt.writeLog(running.ContainerRef, "running tests")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := sup.Logs().LineCount(task.ID); n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	lines, next, err := sup.Logs().Tail(task.ID, 0, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 2 || lines[0] != "cloning repo" || lines[1] != "running tests" {
		t.Fatalf("lines = %v", lines)
	}
	if next != 2 {
		t.Errorf("next offset = %d, want 2", next)
	}

	rt.exit(running.ContainerRef, 0)
	waitStatus(t, store, task.ID, models.TaskCompleted)

	// Persisted offset caught up with the file.
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.LogOffset != 2 {
		t.Errorf("log offset = %d, want 2", got.LogOffset)
	}
}

func TestRecoveryRelaunchesQueuedAndFailsLost(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig(t)
	store := NewMemoryStore()
	ctx := context.Background()

	queued := &models.Task{OwnerUserID: "u1", Prompt: "p", WorkspacePath: t.TempDir(), Status: models.TaskQueued, CreatedAt: time.Now()}
	if err := store.CreateTask(ctx, queued); err != nil {
		t.Fatal(err)
	}
	lost := &models.Task{OwnerUserID: "u1", Prompt: "p", WorkspacePath: t.TempDir(), Status: models.TaskRunning, ContainerRef: "gone", CreatedAt: time.Now()}
	if err := store.CreateTask(ctx, lost); err != nil {
		t.Fatal(err)
	}

	logs, err := NewLogDir(cfg.LogDir, cfg.SubscriberBuffer, nil)
	if err != nil {
		t.Fatal(err)
	}
	sup, err := New(store, rt, logs, nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Close()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start(ctx); err == nil {
		t.Error("second start should fail")
	}

	running := waitStatus(t, store, queued.ID, models.TaskRunning)
	rt.exit(running.ContainerRef, 0)
	waitStatus(t, store, queued.ID, models.TaskCompleted)

	failed := waitStatus(t, store, lost.ID, models.TaskFailed)
	if failed.Error == "" {
		t.Error("lost task has no error")
	}
}

func TestRunValidation(t *testing.T) {
	rt := newFakeRuntime()
	sup, _ := newTestSupervisor(t, testConfig(t), rt, nil)
	ctx := context.Background()

	if _, err := sup.Run(ctx, StartTaskRequest{Prompt: "p"}); err == nil {
		t.Error("missing owner should fail")
	}
	if _, err := sup.Run(ctx, StartTaskRequest{OwnerUserID: "u1", Prompt: "  "}); err == nil {
		t.Error("blank prompt should fail")
	}
	if _, err := sup.Run(ctx, StartTaskRequest{OwnerUserID: "u1", Prompt: "p", Mode: "yolo"}); err == nil {
		t.Error("unknown mode should fail")
	}
}
