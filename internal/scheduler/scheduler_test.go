package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/pkg/models"
)

// scriptedExecutor pops queued results in order; the last one repeats.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []models.ToolResult
	calls   []models.ToolCall
}

func (s *scriptedExecutor) script(results ...models.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, results...)
}

func (s *scriptedExecutor) Execute(_ context.Context, call models.ToolCall, _ models.UserContext) models.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.results) == 0 {
		return models.FailedResult(call.ToolName, "no scripted result")
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	res.ToolName = call.ToolName
	return res
}

func (s *scriptedExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedExecutor) call(i int) models.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
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

func (b *recordingBus) all() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Notification(nil), b.notifications...)
}

type fakeResumer struct {
	mu       sync.Mutex
	jobIDs   []string
	messages []string
}

func (r *fakeResumer) Resume(_ context.Context, job *models.Job, rendered string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs = append(r.jobIDs, job.ID)
	r.messages = append(r.messages, rendered)
	return nil
}

func toolOK(result string) models.ToolResult {
	return models.ToolResult{Success: true, Result: json.RawMessage(result)}
}

func toolErr(msg string) models.ToolResult {
	return models.ToolResult{Success: false, Error: msg}
}

// schedFixture wires an engine to in-memory fakes and a hand-cranked clock.
type schedFixture struct {
	t      *testing.T
	store  *MemoryStore
	exec   *scriptedExecutor
	bus    *recordingBus
	engine *Engine

	mu  sync.Mutex
	now time.Time
}

func newEngineFixture(t *testing.T, opts ...Option) *schedFixture {
	t.Helper()
	f := &schedFixture{
		t:     t,
		store: NewMemoryStore(),
		exec:  &scriptedExecutor{},
		bus:   &recordingBus{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(f.clock),
	}
	f.engine = New(f.store, f.exec, f.bus, config.SchedulerConfig{}, append(base, opts...)...)
	return f
}

func (f *schedFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *schedFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *schedFixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *schedFixture) tick() {
	f.t.Helper()
	f.engine.tickOnce(context.Background())
}

func (f *schedFixture) createJob(job *models.Job) *models.Job {
	f.t.Helper()
	if job.UserID == "" {
		job.UserID = "u1"
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = f.clock()
	}
	if err := f.store.CreateJob(context.Background(), job); err != nil {
		f.t.Fatalf("create job: %v", err)
	}
	return job
}

func (f *schedFixture) job(id string) *models.Job {
	f.t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		f.t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func TestEnginePollModuleCompletesWhenConditionHolds(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(
		toolOK(`{"status":"running"}`),
		toolOK(`{"status":"running"}`),
		toolOK(`{"status":"running"}`),
		toolOK(`{"status":"passed","url":"https://ci.example/run/42"}`),
	)
	job := f.createJob(&models.Job{
		ID:   "ci-wait",
		Name: "ci",
		Type: models.JobPollModule,
		CheckConfig: json.RawMessage(
			`{"tool":"ci.status","args":{"repo":"loom"},"success_field":"status","success_value":"passed"}`),
		IntervalSeconds:  60,
		OnSuccessMessage: "CI finished: {result.status} at {result.url}",
		NextRunAt:        timePtr(f.clock()),
		PlatformContext:  models.PlatformContext{Platform: "telegram", Channel: "c1"},
	})

	for i := 0; i < 4; i++ {
		f.tick()
		f.advance(61 * time.Second)
	}

	got := f.job(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Attempts != 4 {
		t.Errorf("attempts = %d, want 4 (every evaluation counts)", got.Attempts)
	}
	if got.CompletedAt == nil || got.NextRunAt != nil {
		t.Errorf("completed_at = %v, next_run_at = %v", got.CompletedAt, got.NextRunAt)
	}
	if f.exec.callCount() != 4 {
		t.Errorf("executor calls = %d, want 4", f.exec.callCount())
	}
	first := f.exec.call(0)
	if first.InvocationID != "job-ci-wait-1" {
		t.Errorf("invocation id = %q", first.InvocationID)
	}
	if first.UserID != "u1" || first.Arguments["repo"] != "loom" {
		t.Errorf("call = %+v", first)
	}

	notes := f.bus.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	n := notes[0]
	if n.Content != "CI finished: passed at https://ci.example/run/42" {
		t.Errorf("content = %q", n.Content)
	}
	if n.Kind != models.KindJobSuccess || n.Ref != job.ID {
		t.Errorf("kind = %s, ref = %s", n.Kind, n.Ref)
	}
	if n.Platform != "telegram" || n.Channel != "c1" || n.UserID != "u1" {
		t.Errorf("addressing = %+v", n)
	}
}

func TestEngineTransientBackoffDoublesAndResets(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(
		toolErr("connection refused"),
		toolErr("connection refused"),
		toolOK(`{"ok":true}`),
	)
	start := f.clock()
	job := f.createJob(&models.Job{
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"svc.ping"}`),
		IntervalSeconds: 10,
		NextRunAt:       timePtr(start),
	})

	f.tick()
	got := f.job(job.ID)
	if got.ConsecutiveFailures != 1 || got.Attempts != 1 {
		t.Fatalf("after first failure: cf = %d, attempts = %d", got.ConsecutiveFailures, got.Attempts)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(start.Add(20*time.Second)) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, start.Add(20*time.Second))
	}
	if !strings.Contains(string(got.LastResult), "connection refused") {
		t.Errorf("last_result = %s", got.LastResult)
	}

	f.advance(21 * time.Second)
	f.tick()
	got = f.job(job.ID)
	if got.ConsecutiveFailures != 2 {
		t.Fatalf("cf = %d, want 2", got.ConsecutiveFailures)
	}
	wantNext := start.Add(21 * time.Second).Add(40 * time.Second)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, wantNext)
	}

	f.advance(41 * time.Second)
	f.tick()
	got = f.job(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("cf = %d, want reset to 0", got.ConsecutiveFailures)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
}

func TestEngineBackoff(t *testing.T) {
	f := newEngineFixture(t)
	tests := []struct {
		name     string
		interval int
		cf       int
		want     time.Duration
	}{
		{"no failures", 60, 0, 60 * time.Second},
		{"one failure doubles", 60, 1, 120 * time.Second},
		{"capped", 60, 4, 300 * time.Second},
		{"shift overflow guarded", 60, 40, 300 * time.Second},
		{"zero interval defaults", 0, 0, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &models.Job{IntervalSeconds: tt.interval, ConsecutiveFailures: tt.cf}
			if got := f.engine.backoff(job); got != tt.want {
				t.Errorf("backoff = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnginePermanentErrorFailsImmediately(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(toolErr("tool ci.status not found"))
	job := f.createJob(&models.Job{
		Name:            "watcher",
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"ci.status"}`),
		IntervalSeconds: 60,
		NextRunAt:       timePtr(f.clock()),
	})

	f.tick()

	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	notes := f.bus.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != models.KindJobFailure {
		t.Errorf("kind = %s", notes[0].Kind)
	}
	if notes[0].Content != "Job watcher failed: tool ci.status not found" {
		t.Errorf("content = %q", notes[0].Content)
	}
}

func TestEngineUnknownToolResultIsPermanent(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(toolErr(`UnknownTool: "ci.status"`))
	job := f.createJob(&models.Job{
		Name:            "watcher",
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"ci.status"}`),
		IntervalSeconds: 60,
		NextRunAt:       timePtr(f.clock()),
	})

	f.tick()

	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestEngineMaxAttemptsExhausted(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(toolOK(`{"status":"running"}`))
	job := f.createJob(&models.Job{
		Type: models.JobPollModule,
		CheckConfig: json.RawMessage(
			`{"tool":"ci.status","success_field":"status","success_value":"done"}`),
		IntervalSeconds:  60,
		MaxAttempts:      2,
		OnFailureMessage: "gave up on {job_id}",
		NextRunAt:        timePtr(f.clock()),
	})

	f.tick()
	if got := f.job(job.ID); got.Status != models.JobActive || got.Attempts != 1 {
		t.Fatalf("after first tick: status = %s, attempts = %d", got.Status, got.Attempts)
	}

	f.advance(61 * time.Second)
	f.tick()

	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(string(got.LastResult), "condition not met after 2 attempts") {
		t.Errorf("last_result = %s", got.LastResult)
	}
	notes := f.bus.all()
	if len(notes) != 1 || notes[0].Content != "gave up on "+job.ID {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestEngineExpiryPreemptsEvaluation(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(toolOK(`{"status":"done"}`))
	expired := f.clock().Add(-time.Second)
	job := f.createJob(&models.Job{
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"ci.status"}`),
		IntervalSeconds: 60,
		ExpiresAt:       &expired,
		NextRunAt:       timePtr(f.clock()),
	})

	f.tick()

	got := f.job(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for an expired job", got.Attempts)
	}
	if !strings.Contains(string(got.LastResult), "job expired before completing") {
		t.Errorf("last_result = %s", got.LastResult)
	}
	if f.exec.callCount() != 0 {
		t.Errorf("executor calls = %d, want 0", f.exec.callCount())
	}
}

func TestEngineDelayJob(t *testing.T) {
	f := newEngineFixture(t)
	start := f.clock()
	job := f.createJob(&models.Job{
		Name:            "pause",
		Type:            models.JobDelay,
		CheckConfig:     json.RawMessage(`{"delay_seconds":120}`),
		IntervalSeconds: 60,
		NextRunAt:       timePtr(start.Add(60 * time.Second)),
	})

	f.advance(61 * time.Second)
	f.tick()
	got := f.job(job.ID)
	if got.Status != models.JobActive || got.Attempts != 1 {
		t.Fatalf("mid-delay: status = %s, attempts = %d", got.Status, got.Attempts)
	}
	if !strings.Contains(string(got.LastResult), "ready_at") {
		t.Errorf("last_result = %s", got.LastResult)
	}

	f.advance(61 * time.Second)
	f.tick()
	got = f.job(job.ID)
	if got.Status != models.JobCompleted || got.Attempts != 2 {
		t.Fatalf("after delay: status = %s, attempts = %d", got.Status, got.Attempts)
	}
	notes := f.bus.all()
	if len(notes) != 1 || notes[0].Content != "Job pause completed." {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestEngineWorkflowFailureCascades(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	wf := &models.Workflow{Name: "release", UserID: "u1"}
	if err := f.store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	start := f.clock()

	wait := f.createJob(&models.Job{
		ID:              "wait",
		Name:            "wait an hour",
		WorkflowID:      wf.ID,
		Type:            models.JobDelay,
		CheckConfig:     json.RawMessage(`{"delay_seconds":3600}`),
		IntervalSeconds: 60,
		MaxAttempts:     1,
		NextRunAt:       timePtr(start.Add(60 * time.Second)),
	})
	nightly := f.createJob(&models.Job{
		ID:          "nightly",
		Name:        "nightly run",
		WorkflowID:  wf.ID,
		Type:        models.JobCron,
		CheckConfig: json.RawMessage(`{"cron_expr":"0 9 * * *"}`),
		NextRunAt:   timePtr(start.Add(20 * time.Hour)),
	})

	f.advance(61 * time.Second)
	f.tick()

	if got := f.job(wait.ID); got.Status != models.JobFailed {
		t.Fatalf("wait status = %s, want failed", got.Status)
	}
	got := f.job(nightly.ID)
	if got.Status != models.JobCancelled {
		t.Fatalf("sibling status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil || got.NextRunAt != nil {
		t.Errorf("sibling completed_at = %v, next_run_at = %v", got.CompletedAt, got.NextRunAt)
	}

	notes := f.bus.all()
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want cancellation then failure", len(notes))
	}
	if notes[0].Ref != nightly.ID {
		t.Errorf("first notification ref = %s, want the cancelled sibling", notes[0].Ref)
	}
	wantCancel := "Job nightly run was cancelled because job wait an hour in the same workflow failed."
	if notes[0].Content != wantCancel {
		t.Errorf("cancellation content = %q", notes[0].Content)
	}
	if notes[1].Ref != wait.ID || notes[1].Kind != models.KindJobFailure {
		t.Errorf("second notification = %+v, want the failure itself", notes[1])
	}

	members, err := f.store.JobsByWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("jobs by workflow: %v", err)
	}
	if status := deriveStatus(members); status != models.WorkflowFailed {
		t.Errorf("workflow status = %s, want failed", status)
	}
}

func TestEngineCronFiresEveryTimeAndCompletesAtMaxRuns(t *testing.T) {
	f := newEngineFixture(t)
	f.setNow(time.Date(2026, 3, 1, 8, 59, 0, 0, time.UTC))
	firstFire := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := f.createJob(&models.Job{
		Name:             "nightly",
		Type:             models.JobCron,
		CheckConfig:      json.RawMessage(`{"cron_expr":"0 9 * * *"}`),
		MaxRuns:          2,
		OnSuccessMessage: "nightly tick",
		NextRunAt:        &firstFire,
	})

	f.setNow(firstFire.Add(30 * time.Second))
	f.tick()
	got := f.job(job.ID)
	if got.Status != models.JobActive || got.RunsCompleted != 1 {
		t.Fatalf("after first fire: status = %s, runs = %d", got.Status, got.RunsCompleted)
	}
	secondFire := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(secondFire) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, secondFire)
	}

	f.setNow(secondFire.Add(time.Minute))
	f.tick()
	got = f.job(job.ID)
	if got.Status != models.JobCompleted || got.RunsCompleted != 2 {
		t.Fatalf("after second fire: status = %s, runs = %d", got.Status, got.RunsCompleted)
	}
	if got.NextRunAt != nil || got.CompletedAt == nil {
		t.Errorf("terminal cron: next_run_at = %v, completed_at = %v", got.NextRunAt, got.CompletedAt)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, cron fires are runs, not attempts", got.Attempts)
	}

	notes := f.bus.all()
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want one per fire", len(notes))
	}
	for i, n := range notes {
		if n.Content != "nightly tick" || n.Kind != models.KindJobSuccess {
			t.Errorf("notification %d = %+v", i, n)
		}
	}
}

func TestEngineResumeRoutesToGateway(t *testing.T) {
	fr := &fakeResumer{}
	f := newEngineFixture(t, WithResumer(fr))
	f.exec.script(toolOK(`{"done":true}`))
	job := f.createJob(&models.Job{
		Type:             models.JobPollModule,
		CheckConfig:      json.RawMessage(`{"tool":"svc.check"}`),
		IntervalSeconds:  60,
		OnComplete:       models.CompleteResume,
		OnSuccessMessage: "back to work",
		NextRunAt:        timePtr(f.clock()),
	})

	f.tick()

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.jobIDs) != 1 || fr.jobIDs[0] != job.ID {
		t.Fatalf("resumed jobs = %v", fr.jobIDs)
	}
	if fr.messages[0] != "back to work" {
		t.Errorf("resume message = %q", fr.messages[0])
	}
	if len(f.bus.all()) != 0 {
		t.Errorf("bus got %d notifications, resume path should bypass it", len(f.bus.all()))
	}
}

func TestEngineResumeWithoutGatewayNotifies(t *testing.T) {
	f := newEngineFixture(t)
	f.exec.script(toolOK(`{"done":true}`))
	f.createJob(&models.Job{
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"svc.check"}`),
		IntervalSeconds: 60,
		OnComplete:      models.CompleteResume,
		NextRunAt:       timePtr(f.clock()),
	})

	f.tick()

	notes := f.bus.all()
	if len(notes) != 1 || notes[0].Kind != models.KindJobSuccess {
		t.Errorf("notifications = %+v, want plain notify fallback", notes)
	}
}

func TestEngineDiscardsResultWhenJobGoesTerminalMidEvaluation(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	f.exec.script(toolOK(`{"ok":true}`))
	job := f.createJob(&models.Job{
		Type:            models.JobPollModule,
		CheckConfig:     json.RawMessage(`{"tool":"svc.check"}`),
		IntervalSeconds: 60,
		NextRunAt:       timePtr(f.clock()),
	})

	// Snapshot the job as the tick loop would see it, then cancel the stored
	// row underneath the evaluation.
	snapshot := f.job(job.ID)
	cancelled := f.job(job.ID)
	cancelled.Status = models.JobCancelled
	if applied, err := f.store.ApplyEvaluation(ctx, cancelled); err != nil || !applied {
		t.Fatalf("cancel: (%v, %v)", applied, err)
	}

	f.engine.evaluate(ctx, snapshot)

	if got := f.job(job.ID); got.Status != models.JobCancelled {
		t.Fatalf("status = %s, cancellation must stand", got.Status)
	}
	if len(f.bus.all()) != 0 {
		t.Errorf("notifications = %d, a discarded completion must not notify", len(f.bus.all()))
	}
}

func TestEnginePollURL(t *testing.T) {
	t.Run("matches response field", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("missing auth header")
			}
			_, _ = w.Write([]byte(`{"state":"ready","detail":{"version":"1.2"}}`))
		}))
		defer server.Close()

		f := newEngineFixture(t)
		cfg := fmt.Sprintf(
			`{"url":%q,"method":"post","headers":{"Authorization":"Bearer tok"},"response_field":"state","response_value":"ready"}`,
			server.URL)
		job := f.createJob(&models.Job{
			Type:             models.JobPollURL,
			CheckConfig:      json.RawMessage(cfg),
			IntervalSeconds:  30,
			OnSuccessMessage: "v{result.detail.version} is {result.state}",
			NextRunAt:        timePtr(f.clock()),
		})

		f.tick()

		if got := f.job(job.ID); got.Status != models.JobCompleted {
			t.Fatalf("status = %s, want completed", got.Status)
		}
		notes := f.bus.all()
		if len(notes) != 1 || notes[0].Content != "v1.2 is ready" {
			t.Errorf("notifications = %+v", notes)
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		f := newEngineFixture(t)
		job := f.createJob(&models.Job{
			Type:            models.JobPollURL,
			CheckConfig:     json.RawMessage(fmt.Sprintf(`{"url":%q}`, server.URL)),
			IntervalSeconds: 30,
			NextRunAt:       timePtr(f.clock()),
		})

		f.tick()

		got := f.job(job.ID)
		if got.Status != models.JobActive {
			t.Fatalf("status = %s, want still active", got.Status)
		}
		if got.ConsecutiveFailures != 1 {
			t.Errorf("cf = %d, want 1", got.ConsecutiveFailures)
		}
		if !strings.Contains(string(got.LastResult), "unexpected status 503") {
			t.Errorf("last_result = %s", got.LastResult)
		}
	})

	t.Run("unexpected 404 is permanent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer server.Close()

		f := newEngineFixture(t)
		job := f.createJob(&models.Job{
			Type:            models.JobPollURL,
			CheckConfig:     json.RawMessage(fmt.Sprintf(`{"url":%q}`, server.URL)),
			IntervalSeconds: 30,
			NextRunAt:       timePtr(f.clock()),
		})

		f.tick()

		if got := f.job(job.ID); got.Status != models.JobFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
	})

	t.Run("expected 404 succeeds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("resource deleted"))
		}))
		defer server.Close()

		f := newEngineFixture(t)
		job := f.createJob(&models.Job{
			Type:            models.JobPollURL,
			CheckConfig:     json.RawMessage(fmt.Sprintf(`{"url":%q,"expected_status":404}`, server.URL)),
			IntervalSeconds: 30,
			NextRunAt:       timePtr(f.clock()),
		})

		f.tick()

		if got := f.job(job.ID); got.Status != models.JobCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
	})

	t.Run("non-json body with response field is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}))
		defer server.Close()

		f := newEngineFixture(t)
		cfg := fmt.Sprintf(`{"url":%q,"response_field":"state","response_value":"ready"}`, server.URL)
		job := f.createJob(&models.Job{
			Type:            models.JobPollURL,
			CheckConfig:     json.RawMessage(cfg),
			IntervalSeconds: 30,
			NextRunAt:       timePtr(f.clock()),
		})

		f.tick()

		got := f.job(job.ID)
		if got.Status != models.JobActive || got.ConsecutiveFailures != 1 {
			t.Fatalf("status = %s, cf = %d, want active transient", got.Status, got.ConsecutiveFailures)
		}
		if !strings.Contains(string(got.LastResult), "response body is not JSON") {
			t.Errorf("last_result = %s", got.LastResult)
		}
	})
}

func TestEngineStartStop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	bus := &recordingBus{}
	engine := New(store, &scriptedExecutor{}, bus,
		config.SchedulerConfig{TickInterval: 10 * time.Millisecond},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	past := time.Now().Add(-time.Hour)
	job := &models.Job{
		UserID:      "u1",
		Type:        models.JobDelay,
		CheckConfig: json.RawMessage(`{"delay_seconds":1}`),
		CreatedAt:   past,
		NextRunAt:   &past,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(ctx); err == nil {
		t.Error("second start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(bus.all()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.Stop()
	engine.Stop() // second stop is a no-op

	if len(bus.all()) != 1 {
		t.Fatalf("notifications = %d, want 1", len(bus.all()))
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}
