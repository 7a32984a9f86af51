// Package scheduler runs durable background jobs: polling module tools,
// probing URLs, waiting out delays, firing cron ticks and accepting webhook
// callbacks. A single ticker selects due jobs and evaluates them
// concurrently; every evaluation lands in one guarded store update, so a
// crashed process re-evaluates (at-least-once) while completions stay
// idempotent. Terminal jobs dispatch notifications or conversation resumes,
// and a failure inside a workflow cancels its remaining sibling jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

// Evaluation outcome kinds, also the outcome label on the job evaluation
// metric.
const (
	outcomeSuccess   = "success"
	outcomePending   = "pending"
	outcomeTransient = "transient"
	outcomePermanent = "permanent"
)

// defaultIntervalSeconds applies when a job carries no interval.
const defaultIntervalSeconds = 60

// evalTimeout bounds one job evaluation. It sits above the dispatcher's
// slow-tool ceiling so a long module call is the dispatcher's timeout to
// enforce, not ours.
const evalTimeout = 150 * time.Second

// permanentMarkers mark error text that retrying cannot fix.
var permanentMarkers = []string{"not found", "does not exist", "unknown tool", "unknowntool"}

// Executor runs module tools for poll_module jobs; the dispatcher
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, call models.ToolCall, uc models.UserContext) models.ToolResult
}

// Publisher delivers outcome notifications; the bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// Resumer re-enters the agent loop for resume_conversation jobs; the
// continuation gateway satisfies it.
type Resumer interface {
	Resume(ctx context.Context, job *models.Job, rendered string) error
}

// Engine owns the ticker that evaluates due jobs.
type Engine struct {
	store   Store
	exec    Executor
	bus     Publisher
	resumer Resumer
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	tick          time.Duration
	maxConcurrent int
	maxBackoff    time.Duration
	webhookWindow time.Duration
	now           func() time.Time

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHTTPClient overrides the client used for poll_url probes.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithResumer wires the continuation gateway. Without one,
// resume_conversation jobs degrade to plain notifications.
func WithResumer(r Resumer) Option {
	return func(e *Engine) { e.resumer = r }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates a scheduler engine. Zero config values fall back to the
// defaults: 10s tick, 32 concurrent evaluations, 300s backoff cap.
func New(store Store, exec Executor, bus Publisher, cfg config.SchedulerConfig, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		exec:          exec,
		bus:           bus,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default().With("component", "scheduler"),
		tick:          cfg.TickInterval,
		maxConcurrent: cfg.MaxConcurrent,
		maxBackoff:    cfg.MaxBackoff,
		webhookWindow: cfg.WebhookWindow,
		now:           time.Now,
	}
	if e.tick <= 0 {
		e.tick = 10 * time.Second
	}
	if e.maxConcurrent <= 0 {
		e.maxConcurrent = 32
	}
	if e.maxBackoff <= 0 {
		e.maxBackoff = 300 * time.Second
	}
	if e.webhookWindow <= 0 {
		e.webhookWindow = 5 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the ticker loop. It returns an error if already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	e.started = true
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("scheduler started",
		"tick", e.tick,
		"max_concurrent", e.maxConcurrent,
	)
	return nil
}

// Stop halts the ticker and waits for in-flight evaluations to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("scheduler stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.tickOnce(ctx)
		}
	}
}

// tickOnce selects every due job and evaluates them concurrently, bounded
// by the concurrency cap. The tick waits for its batch, so one process
// evaluates a given job at most once per tick; the store's status guard
// covers writers in other processes.
func (e *Engine) tickOnce(ctx context.Context) {
	jobs, err := e.store.DueJobs(ctx, e.now())
	if err != nil {
		e.logger.Error("failed to select due jobs", "error", err)
		if e.metrics != nil {
			e.metrics.RecordError("scheduler", "store")
		}
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluate(ctx, job)
		}(job)
	}
	wg.Wait()
}

// outcome is the result of evaluating a job's condition once.
type outcome struct {
	kind   string
	result any        // decoded value observed by the check
	err    string     // failure text for transient/permanent outcomes
	next   *time.Time // next firing instant, cron only
}

// evaluate runs one evaluation of a due job and applies the resulting
// transition. Every evaluation of a non-cron job counts as an attempt,
// whether or not it succeeds.
func (e *Engine) evaluate(ctx context.Context, job *models.Job) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	// Expiry is checked before the evaluation call so an expired job never
	// fires its condition again.
	if job.ExpiresAt != nil && !e.now().Before(*job.ExpiresAt) {
		e.failJob(ctx, job, "job expired before completing")
		return
	}

	out := e.evaluateOnce(ctx, job)
	if e.metrics != nil {
		e.metrics.RecordJobEvaluation(string(job.Type), out.kind)
	}

	if job.Type == models.JobCron {
		if out.kind == outcomeSuccess {
			e.applyCronFire(ctx, job, out)
		} else {
			// Add-time validation passed, so the config went bad afterwards.
			e.failJob(ctx, job, out.err)
		}
		return
	}

	job.Attempts++
	switch out.kind {
	case outcomeSuccess:
		e.completeJob(ctx, job, out.result)
	case outcomePermanent:
		e.failJob(ctx, job, out.err)
	default: // pending or transient
		if out.kind == outcomeTransient {
			job.ConsecutiveFailures++
		}
		if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
			e.failJob(ctx, job, attemptsExhausted(job, out))
			return
		}
		next := e.now().Add(e.backoff(job))
		job.NextRunAt = &next
		job.LastResult = observedResult(out)
		if _, err := e.store.ApplyEvaluation(ctx, job); err != nil {
			e.logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
			if e.metrics != nil {
				e.metrics.RecordError("scheduler", "store")
			}
		}
	}
}

// evaluateOnce decodes the check config and runs the per-type evaluator.
func (e *Engine) evaluateOnce(ctx context.Context, job *models.Job) outcome {
	cfg, err := decodeCheckConfig(job.Type, job.CheckConfig)
	if err != nil {
		return outcome{kind: outcomePermanent, err: fmt.Sprintf("invalid check config: %v", err)}
	}
	switch cfg := cfg.(type) {
	case *PollModuleConfig:
		return e.evalPollModule(ctx, job, cfg)
	case *PollURLConfig:
		return e.evalPollURL(ctx, job, cfg)
	case *DelayConfig:
		return e.evalDelay(job, cfg)
	case *CronConfig:
		return e.evalCron(job, cfg)
	}
	// Webhook jobs never reach the ticker.
	return outcome{kind: outcomePermanent, err: fmt.Sprintf("job type %s cannot be evaluated", job.Type)}
}

// backoff returns the delay before the next evaluation:
// interval × 2^consecutive_failures, capped.
func (e *Engine) backoff(job *models.Job) time.Duration {
	interval := time.Duration(job.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultIntervalSeconds * time.Second
	}
	if job.ConsecutiveFailures > 20 {
		return e.maxBackoff
	}
	d := interval << uint(job.ConsecutiveFailures)
	if d <= 0 || d > e.maxBackoff {
		return e.maxBackoff
	}
	return d
}

// completeJob transitions a non-cron job to completed and dispatches its
// success outcome. A rejected guard means another writer finished the job
// first; its side effects stand and ours are discarded.
func (e *Engine) completeJob(ctx context.Context, job *models.Job, result any) {
	now := e.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.NextRunAt = nil
	job.ConsecutiveFailures = 0
	job.LastResult = marshalResult(result)

	applied, err := e.store.ApplyEvaluation(ctx, job)
	if err != nil {
		e.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		if e.metrics != nil {
			e.metrics.RecordError("scheduler", "store")
		}
		return
	}
	if !applied {
		e.logger.Debug("job already terminal, discarding completion", "job_id", job.ID)
		return
	}
	e.logger.Info("job completed",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
	)
	e.dispatchSuccess(ctx, job, result)
}

// applyCronFire records one cron firing: bump the run counter, reschedule
// or terminate, and deliver the success message for this fire.
func (e *Engine) applyCronFire(ctx context.Context, job *models.Job, out outcome) {
	now := e.now()
	job.RunsCompleted++
	job.ConsecutiveFailures = 0
	job.LastResult = marshalResult(out.result)
	if job.MaxRuns > 0 && job.RunsCompleted >= job.MaxRuns {
		job.Status = models.JobCompleted
		job.CompletedAt = &now
		job.NextRunAt = nil
	} else {
		job.NextRunAt = out.next
	}

	applied, err := e.store.ApplyEvaluation(ctx, job)
	if err != nil {
		e.logger.Error("failed to record cron fire", "job_id", job.ID, "error", err)
		if e.metrics != nil {
			e.metrics.RecordError("scheduler", "store")
		}
		return
	}
	if !applied {
		return
	}
	e.logger.Info("cron job fired",
		"job_id", job.ID,
		"runs_completed", job.RunsCompleted,
		"terminal", job.Status.Terminal(),
	)
	e.dispatchSuccess(ctx, job, out.result)
}

// failJob transitions a job to failed, cancels its workflow siblings, and
// dispatches the failure message. Sibling cancellations go out before the
// triggering failure's notification.
func (e *Engine) failJob(ctx context.Context, job *models.Job, cause string) {
	now := e.now()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	job.NextRunAt = nil
	job.LastResult = marshalResult(map[string]any{"error": cause})

	applied, err := e.store.ApplyEvaluation(ctx, job)
	if err != nil {
		e.logger.Error("failed to fail job", "job_id", job.ID, "error", err)
		if e.metrics != nil {
			e.metrics.RecordError("scheduler", "store")
		}
		return
	}
	if !applied {
		return
	}
	e.logger.Warn("job failed",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
		"cause", cause,
	)

	e.cascadeFailure(ctx, job)

	msg := job.OnFailureMessage
	if msg == "" {
		msg = fmt.Sprintf("Job %s failed: %s", jobLabel(job), cause)
	}
	rendered := e.renderMessage(msg, job, map[string]any{"error": cause}, nil)
	e.notify(ctx, job, rendered, models.KindJobFailure)
}

// cascadeFailure cancels every still-active sibling of a failed workflow
// job. Each cancellation carries a deterministic system message.
func (e *Engine) cascadeFailure(ctx context.Context, failed *models.Job) {
	if failed.WorkflowID == "" {
		return
	}
	siblings, err := e.store.JobsByWorkflow(ctx, failed.WorkflowID)
	if err != nil {
		e.logger.Error("failed to load workflow siblings",
			"workflow_id", failed.WorkflowID,
			"error", err,
		)
		return
	}
	for _, sib := range siblings {
		if sib.ID == failed.ID || sib.Status != models.JobActive {
			continue
		}
		now := e.now()
		reason := fmt.Sprintf("Job %s was cancelled because job %s in the same workflow failed.",
			jobLabel(sib), jobLabel(failed))
		sib.Status = models.JobCancelled
		sib.CompletedAt = &now
		sib.NextRunAt = nil
		sib.LastResult = marshalResult(map[string]any{"cancelled": reason})

		applied, err := e.store.ApplyEvaluation(ctx, sib)
		if err != nil {
			e.logger.Error("failed to cancel sibling job", "job_id", sib.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		e.logger.Info("cancelled workflow sibling",
			"job_id", sib.ID,
			"workflow_id", failed.WorkflowID,
			"failed_job_id", failed.ID,
		)
		e.notify(ctx, sib, reason, models.KindJobFailure)
	}
}

// dispatchSuccess renders the success message and routes it: into the
// continuation gateway for resume_conversation jobs, onto the bus
// otherwise.
func (e *Engine) dispatchSuccess(ctx context.Context, job *models.Job, result any) {
	msg := job.OnSuccessMessage
	if msg == "" {
		msg = fmt.Sprintf("Job %s completed.", jobLabel(job))
	}
	rendered := e.renderMessage(msg, job, result, summaryFields(job))

	if job.OnComplete == models.CompleteResume && e.resumer != nil {
		if err := e.resumer.Resume(ctx, job, rendered); err != nil {
			e.logger.Error("continuation failed", "job_id", job.ID, "error", err)
			if e.metrics != nil {
				e.metrics.RecordError("scheduler", "resume")
			}
		}
		return
	}
	e.notify(ctx, job, rendered, models.KindJobSuccess)
}

// notify publishes an outcome notification addressed by the job's platform
// context.
func (e *Engine) notify(ctx context.Context, job *models.Job, content string, kind models.NotificationKind) {
	n := models.Notification{
		Type:           "notification",
		UserID:         job.UserID,
		Platform:       job.PlatformContext.Platform,
		Channel:        job.PlatformContext.Channel,
		Thread:         job.PlatformContext.Thread,
		ConversationID: job.PlatformContext.ConversationID,
		Content:        content,
		Kind:           kind,
		Ref:            job.ID,
	}
	if err := e.bus.Publish(ctx, n); err != nil {
		e.logger.Error("failed to publish notification",
			"job_id", job.ID,
			"kind", kind,
			"error", err,
		)
		if e.metrics != nil {
			e.metrics.RecordError("scheduler", "notify")
		}
	}
}

// FireWebhook completes a webhook job with the delivered payload. The
// status guard rejects a second fire racing the first; the caller maps
// that to a conflict.
func (e *Engine) FireWebhook(ctx context.Context, job *models.Job, payload any) (bool, error) {
	now := e.now()
	job.Attempts++
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.NextRunAt = nil
	job.LastResult = marshalResult(payload)

	applied, err := e.store.ApplyEvaluation(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook fire: %w", err)
	}
	if !applied {
		return false, nil
	}
	if e.metrics != nil {
		e.metrics.RecordJobEvaluation(string(models.JobWebhook), outcomeSuccess)
	}
	e.logger.Info("webhook job fired", "job_id", job.ID)
	e.dispatchSuccess(ctx, job, payload)
	return true, nil
}

// attemptsExhausted produces the failure cause for a job that ran out of
// attempts while its condition was still unmet.
func attemptsExhausted(job *models.Job, out outcome) string {
	if out.err != "" {
		return fmt.Sprintf("gave up after %d attempts: %s", job.Attempts, out.err)
	}
	return fmt.Sprintf("condition not met after %d attempts", job.Attempts)
}

// observedResult records what a non-terminal evaluation saw, for list_jobs
// and debugging.
func observedResult(out outcome) json.RawMessage {
	if out.result != nil {
		return marshalResult(out.result)
	}
	if out.err != "" {
		return marshalResult(map[string]any{"error": out.err})
	}
	return nil
}

// summaryFields extracts result_summary_fields for {result} projection.
// Only poll_module configs carry them.
func summaryFields(job *models.Job) []string {
	if job.Type != models.JobPollModule {
		return nil
	}
	cfg, err := decodeCheckConfig(job.Type, job.CheckConfig)
	if err != nil {
		return nil
	}
	if pm, ok := cfg.(*PollModuleConfig); ok {
		return pm.ResultSummaryFields
	}
	return nil
}

// jobLabel names a job for human-facing messages: the name when set, the
// id otherwise.
func jobLabel(job *models.Job) string {
	if job.Name != "" {
		return job.Name
	}
	return job.ID
}

func marshalResult(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// isPermanentError reports whether error text marks a failure that
// retrying cannot fix.
func isPermanentError(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
