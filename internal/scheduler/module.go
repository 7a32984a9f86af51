package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/loomworks/loom/pkg/models"
)

// ModuleName is the builtin module prefix for scheduler tools.
const ModuleName = "scheduler"

// Module exposes scheduler operations as the builtin "scheduler" tool
// module: the agent creates, inspects and cancels jobs and workflows
// through the same dispatch path as any remote module.
type Module struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewModule builds the builtin scheduler module on top of the job store.
func NewModule(store Store, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		store:  store,
		logger: logger.With("component", "scheduler_module"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// AddJobArgs is the argument surface of scheduler.add_job. The check
// fields are flat: which ones apply depends on job_type.
type AddJobArgs struct {
	JobType     string `json:"job_type" jsonschema:"required,enum=poll_module,enum=delay,enum=poll_url,enum=cron,enum=webhook,description=What kind of check the job runs"`
	Name        string `json:"name,omitempty" jsonschema:"description=Short human-readable job name"`
	Description string `json:"description,omitempty" jsonschema:"description=What the job is for"`
	WorkflowID  string `json:"workflow_id,omitempty" jsonschema:"description=Workflow this job belongs to"`

	IntervalSeconds int    `json:"interval_seconds,omitempty" jsonschema:"description=Seconds between evaluations (default 60)"`
	MaxAttempts     *int   `json:"max_attempts,omitempty" jsonschema:"description=Evaluations before the job fails; must be positive and is not valid for cron jobs"`
	MaxRuns         int    `json:"max_runs,omitempty" jsonschema:"description=Cron fires before the job completes"`
	ExpiresAt       string `json:"expires_at,omitempty" jsonschema:"description=RFC 3339 instant after which the job fails"`

	OnSuccessMessage string `json:"on_success_message,omitempty" jsonschema:"description=Message dispatched on success; supports {job_id} {workflow_id} {result} and {result.path} placeholders"`
	OnFailureMessage string `json:"on_failure_message,omitempty" jsonschema:"description=Message dispatched on failure"`
	OnComplete       string `json:"on_complete,omitempty" jsonschema:"enum=notify,enum=resume_conversation,description=Whether success notifies the channel or resumes the conversation (default notify)"`

	Tool                string         `json:"tool,omitempty" jsonschema:"description=poll_module: tool to execute"`
	Args                map[string]any `json:"args,omitempty" jsonschema:"description=poll_module: arguments for the tool"`
	SuccessField        string         `json:"success_field,omitempty" jsonschema:"description=poll_module: dot path into the result to test"`
	SuccessValue        any            `json:"success_value,omitempty" jsonschema:"description=poll_module: value the field must match"`
	SuccessValues       []any          `json:"success_values,omitempty" jsonschema:"description=poll_module: values the field may match"`
	SuccessOperator     string         `json:"success_operator,omitempty" jsonschema:"enum=in,enum=eq,enum=neq,enum=gt,enum=gte,enum=lt,enum=lte,enum=contains,description=poll_module: comparison operator"`
	ResultSummaryFields []string       `json:"result_summary_fields,omitempty" jsonschema:"description=poll_module: fields projected into the {result} placeholder"`

	URL              string            `json:"url,omitempty" jsonschema:"description=poll_url: URL to probe"`
	Method           string            `json:"method,omitempty" jsonschema:"description=poll_url: HTTP method (default GET)"`
	Headers          map[string]string `json:"headers,omitempty" jsonschema:"description=poll_url: request headers"`
	Body             string            `json:"body,omitempty" jsonschema:"description=poll_url: request body"`
	ExpectedStatus   int               `json:"expected_status,omitempty" jsonschema:"description=poll_url: status code that counts as a match (default any 2xx)"`
	ResponseField    string            `json:"response_field,omitempty" jsonschema:"description=poll_url: dot path into the JSON response to test"`
	ResponseValue    any               `json:"response_value,omitempty" jsonschema:"description=poll_url: value the field must match"`
	ResponseOperator string            `json:"response_operator,omitempty" jsonschema:"enum=in,enum=eq,enum=neq,enum=gt,enum=gte,enum=lt,enum=lte,enum=contains,description=poll_url: comparison operator"`

	DelaySeconds int    `json:"delay_seconds,omitempty" jsonschema:"description=delay: seconds to wait after creation"`
	CronExpr     string `json:"cron_expr,omitempty" jsonschema:"description=cron: five-field cron expression"`
	Timezone     string `json:"timezone,omitempty" jsonschema:"description=cron: IANA timezone the expression is evaluated in (default UTC)"`
	Secret       string `json:"secret,omitempty" jsonschema:"description=webhook: HMAC secret callbacks must sign with"`
}

// CreateWorkflowArgs is the argument surface of scheduler.create_workflow.
type CreateWorkflowArgs struct {
	Name        string `json:"name" jsonschema:"required,description=Workflow name"`
	Description string `json:"description,omitempty" jsonschema:"description=What the workflow achieves"`
}

// ListJobsArgs is the argument surface of scheduler.list_jobs.
type ListJobsArgs struct {
	IncludeCompleted bool   `json:"include_completed,omitempty" jsonschema:"description=Include terminal jobs in the listing"`
	WorkflowID       string `json:"workflow_id,omitempty" jsonschema:"description=Only jobs in this workflow"`
}

// JobIDArgs is the argument surface of scheduler.cancel_job.
type JobIDArgs struct {
	JobID string `json:"job_id" jsonschema:"required,description=Job to act on"`
}

// WorkflowIDArgs is the argument surface of the workflow-scoped tools.
type WorkflowIDArgs struct {
	WorkflowID string `json:"workflow_id" jsonschema:"required,description=Workflow to act on"`
}

// Manifest implements registry.LocalModule.
func (m *Module) Manifest() *models.ModuleManifest {
	return &models.ModuleManifest{
		ModuleName:  ModuleName,
		Description: "Schedule background jobs: polls, delays, cron ticks and webhooks, grouped into workflows.",
		Tools: []models.ToolDefinition{
			{
				Name:        ModuleName + ".add_job",
				Description: "Create a scheduled job that polls a tool or URL, waits a delay, fires on a cron, or waits for a webhook.",
				Parameters:  reflectParams(&AddJobArgs{}),
			},
			{
				Name:        ModuleName + ".create_workflow",
				Description: "Create a workflow that groups jobs; a failing job cancels its siblings.",
				Parameters:  reflectParams(&CreateWorkflowArgs{}),
			},
			{
				Name:        ModuleName + ".list_jobs",
				Description: "List the caller's scheduled jobs.",
				Parameters:  reflectParams(&ListJobsArgs{}),
			},
			{
				Name:        ModuleName + ".cancel_job",
				Description: "Cancel an active job.",
				Parameters:  reflectParams(&JobIDArgs{}),
			},
			{
				Name:        ModuleName + ".cancel_workflow",
				Description: "Cancel every active job in a workflow.",
				Parameters:  reflectParams(&WorkflowIDArgs{}),
			},
			{
				Name:        ModuleName + ".get_workflow_status",
				Description: "Report a workflow's derived status and its member jobs.",
				Parameters:  reflectParams(&WorkflowIDArgs{}),
			},
			{
				Name:        ModuleName + ".list_workflows",
				Description: "List the caller's workflows with their derived statuses.",
				Parameters:  nil,
			},
		},
	}
}

// Execute implements registry.LocalModule.
func (m *Module) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	switch call.ToolName {
	case ModuleName + ".add_job":
		return m.addJob(ctx, call)
	case ModuleName + ".create_workflow":
		return m.createWorkflow(ctx, call)
	case ModuleName + ".list_jobs":
		return m.listJobs(ctx, call)
	case ModuleName + ".cancel_job":
		return m.cancelJob(ctx, call)
	case ModuleName + ".cancel_workflow":
		return m.cancelWorkflow(ctx, call)
	case ModuleName + ".get_workflow_status":
		return m.workflowStatus(ctx, call)
	case ModuleName + ".list_workflows":
		return m.listWorkflows(ctx, call)
	}
	return models.FailedResult(call.ToolName, fmt.Sprintf("unknown tool %q", call.ToolName))
}

func (m *Module) addJob(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args AddJobArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	jobType := models.JobType(args.JobType)
	if !jobType.Valid() {
		return models.FailedResult(call.ToolName, fmt.Sprintf("unknown job_type %q", args.JobType))
	}
	if args.MaxAttempts != nil && *args.MaxAttempts <= 0 {
		return models.FailedResult(call.ToolName, "max_attempts must be positive when set")
	}
	if jobType == models.JobCron && args.MaxAttempts != nil {
		return models.FailedResult(call.ToolName, "cron jobs do not use max_attempts; use max_runs")
	}

	onComplete := models.CompletionMode(args.OnComplete)
	if onComplete == "" {
		onComplete = models.CompleteNotify
	}
	if onComplete != models.CompleteNotify && onComplete != models.CompleteResume {
		return models.FailedResult(call.ToolName, fmt.Sprintf("unknown on_complete %q", args.OnComplete))
	}

	checkConfig, err := buildCheckConfig(jobType, &args)
	if err != nil {
		return models.FailedResult(call.ToolName, err.Error())
	}
	// Round-trip through the decoder so add-time validation matches what the
	// engine will accept later: bad cron expressions, operators and URLs are
	// rejected here, not at the first tick.
	if _, err := decodeCheckConfig(jobType, checkConfig); err != nil {
		return models.FailedResult(call.ToolName, err.Error())
	}

	var expiresAt *time.Time
	if args.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, args.ExpiresAt)
		if err != nil {
			return models.FailedResult(call.ToolName, fmt.Sprintf("invalid expires_at: %v", err))
		}
		expiresAt = &t
	}

	interval := args.IntervalSeconds
	if interval <= 0 {
		interval = defaultIntervalSeconds
	}
	var maxAttempts int
	if args.MaxAttempts != nil {
		maxAttempts = *args.MaxAttempts
	}

	now := m.now()
	job := &models.Job{
		ID:               m.newID(),
		UserID:           call.UserID,
		WorkflowID:       args.WorkflowID,
		Name:             args.Name,
		Description:      args.Description,
		Type:             jobType,
		CheckConfig:      checkConfig,
		IntervalSeconds:  interval,
		MaxAttempts:      maxAttempts,
		MaxRuns:          args.MaxRuns,
		ExpiresAt:        expiresAt,
		Status:           models.JobActive,
		OnSuccessMessage: args.OnSuccessMessage,
		OnFailureMessage: args.OnFailureMessage,
		OnComplete:       onComplete,
		PlatformContext:  platformContextFromArgs(call),
		CreatedAt:        now,
	}

	// First evaluation: cron at its next instant, webhook never, everything
	// else one interval out.
	switch jobType {
	case models.JobCron:
		next, err := nextCronTime(args.CronExpr, args.Timezone, now)
		if err != nil {
			return models.FailedResult(call.ToolName, err.Error())
		}
		job.NextRunAt = &next
	case models.JobWebhook:
		// Fired externally via POST /webhook/{job_id}.
	default:
		next := now.Add(time.Duration(interval) * time.Second)
		job.NextRunAt = &next
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		m.logger.Error("failed to create job", "user_id", call.UserID, "error", err)
		return models.FailedResult(call.ToolName, "failed to create job")
	}
	m.logger.Info("job created",
		"job_id", job.ID,
		"job_type", job.Type,
		"user_id", job.UserID,
		"workflow_id", job.WorkflowID,
	)

	payload := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}
	if job.NextRunAt != nil {
		payload["next_run_at"] = job.NextRunAt.UTC().Format(time.RFC3339)
	}
	if jobType == models.JobWebhook {
		payload["webhook_path"] = "/webhook/" + job.ID
	}
	return successResult(call.ToolName, payload)
}

func (m *Module) createWorkflow(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args CreateWorkflowArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.Name == "" {
		return models.FailedResult(call.ToolName, "name is required")
	}

	wf := &models.Workflow{
		ID:          m.newID(),
		Name:        args.Name,
		Description: args.Description,
		UserID:      call.UserID,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		m.logger.Error("failed to create workflow", "user_id", call.UserID, "error", err)
		return models.FailedResult(call.ToolName, "failed to create workflow")
	}
	return successResult(call.ToolName, map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
	})
}

func (m *Module) listJobs(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args ListJobsArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	jobs, err := m.store.ListJobs(ctx, call.UserID, args.IncludeCompleted)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to list jobs")
	}

	summaries := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		if args.WorkflowID != "" && job.WorkflowID != args.WorkflowID {
			continue
		}
		summaries = append(summaries, summarizeJob(job))
	}
	return successResult(call.ToolName, map[string]any{
		"jobs":  summaries,
		"count": len(summaries),
	})
}

func (m *Module) cancelJob(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args JobIDArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.JobID == "" {
		return models.FailedResult(call.ToolName, "job_id is required")
	}

	job, err := m.store.GetJob(ctx, args.JobID)
	// Other users' jobs are invisible, not forbidden.
	if err != nil || job.UserID != call.UserID {
		return models.FailedResult(call.ToolName, "job not found")
	}
	if job.Status.Terminal() {
		return models.FailedResult(call.ToolName, fmt.Sprintf("job is already %s", job.Status))
	}

	cancelled, err := m.cancel(ctx, job, "cancelled by user")
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to cancel job")
	}
	if !cancelled {
		return models.FailedResult(call.ToolName, "job finished before it could be cancelled")
	}
	return successResult(call.ToolName, map[string]any{
		"job_id": job.ID,
		"status": models.JobCancelled,
	})
}

func (m *Module) cancelWorkflow(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args WorkflowIDArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	wf, err := m.store.GetWorkflow(ctx, args.WorkflowID)
	if err != nil || wf.UserID != call.UserID {
		return models.FailedResult(call.ToolName, "workflow not found")
	}

	jobs, err := m.store.JobsByWorkflow(ctx, wf.ID)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to load workflow jobs")
	}
	cancelled := 0
	for _, job := range jobs {
		if job.Status != models.JobActive {
			continue
		}
		ok, err := m.cancel(ctx, job, "workflow cancelled by user")
		if err != nil {
			m.logger.Error("failed to cancel workflow job", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			cancelled++
		}
	}
	return successResult(call.ToolName, map[string]any{
		"workflow_id":    wf.ID,
		"cancelled_jobs": cancelled,
	})
}

func (m *Module) workflowStatus(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args WorkflowIDArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	wf, err := m.store.GetWorkflow(ctx, args.WorkflowID)
	if err != nil || wf.UserID != call.UserID {
		return models.FailedResult(call.ToolName, "workflow not found")
	}
	jobs, err := m.store.JobsByWorkflow(ctx, wf.ID)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to load workflow jobs")
	}

	summaries := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, summarizeJob(job))
	}
	return successResult(call.ToolName, map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"status":      deriveStatus(jobs),
		"jobs":        summaries,
	})
}

func (m *Module) listWorkflows(ctx context.Context, call models.ToolCall) models.ToolResult {
	wfs, err := m.store.ListWorkflows(ctx, call.UserID)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to list workflows")
	}

	type workflowSummary struct {
		ID       string                `json:"workflow_id"`
		Name     string                `json:"name"`
		Status   models.WorkflowStatus `json:"status"`
		JobCount int                   `json:"job_count"`
	}
	summaries := make([]workflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		jobs, err := m.store.JobsByWorkflow(ctx, wf.ID)
		if err != nil {
			return models.FailedResult(call.ToolName, "failed to load workflow jobs")
		}
		summaries = append(summaries, workflowSummary{
			ID:       wf.ID,
			Name:     wf.Name,
			Status:   deriveStatus(jobs),
			JobCount: len(jobs),
		})
	}
	return successResult(call.ToolName, map[string]any{
		"workflows": summaries,
		"count":     len(summaries),
	})
}

// ListUserJobs returns the jobs visible to one user, for the HTTP API.
func (m *Module) ListUserJobs(ctx context.Context, userID string, includeTerminal bool) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, userID, includeTerminal)
}

// CancelUserJob cancels a user's job through the guarded update path.
// Other users' jobs surface as not found.
func (m *Module) CancelUserJob(ctx context.Context, id, userID string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}
	cancelled, err := m.cancel(ctx, job, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return job, ErrJobFinished
	}
	return job, nil
}

// cancel transitions a job to cancelled through the guarded update path.
func (m *Module) cancel(ctx context.Context, job *models.Job, reason string) (bool, error) {
	now := m.now()
	job.Status = models.JobCancelled
	job.CompletedAt = &now
	job.NextRunAt = nil
	job.LastResult = marshalResult(map[string]any{"cancelled": reason})
	return m.store.ApplyEvaluation(ctx, job)
}

type jobSummary struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Type          models.JobType   `json:"job_type"`
	Status        models.JobStatus `json:"status"`
	WorkflowID    string           `json:"workflow_id,omitempty"`
	Attempts      int              `json:"attempts"`
	RunsCompleted int              `json:"runs_completed,omitempty"`
	NextRunAt     string           `json:"next_run_at,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

func summarizeJob(job *models.Job) jobSummary {
	s := jobSummary{
		ID:            job.ID,
		Name:          job.Name,
		Type:          job.Type,
		Status:        job.Status,
		WorkflowID:    job.WorkflowID,
		Attempts:      job.Attempts,
		RunsCompleted: job.RunsCompleted,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.NextRunAt != nil {
		s.NextRunAt = job.NextRunAt.UTC().Format(time.RFC3339)
	}
	return s
}

func deriveStatus(jobs []*models.Job) models.WorkflowStatus {
	flat := make([]models.Job, len(jobs))
	for i, job := range jobs {
		flat[i] = *job
	}
	return models.DeriveWorkflowStatus(flat)
}

// buildCheckConfig assembles the typed check config from the flat add_job
// arguments.
func buildCheckConfig(jobType models.JobType, args *AddJobArgs) (json.RawMessage, error) {
	var cfg any
	switch jobType {
	case models.JobPollModule:
		cfg = &PollModuleConfig{
			Tool:                args.Tool,
			Args:                args.Args,
			SuccessField:        args.SuccessField,
			SuccessValue:        args.SuccessValue,
			SuccessValues:       args.SuccessValues,
			SuccessOperator:     args.SuccessOperator,
			ResultSummaryFields: args.ResultSummaryFields,
		}
	case models.JobPollURL:
		cfg = &PollURLConfig{
			URL:              args.URL,
			Method:           args.Method,
			Headers:          args.Headers,
			Body:             args.Body,
			ExpectedStatus:   args.ExpectedStatus,
			ResponseField:    args.ResponseField,
			ResponseValue:    args.ResponseValue,
			ResponseOperator: args.ResponseOperator,
		}
	case models.JobDelay:
		cfg = &DelayConfig{DelaySeconds: args.DelaySeconds}
	case models.JobCron:
		cfg = &CronConfig{Expr: args.CronExpr, Timezone: args.Timezone}
	case models.JobWebhook:
		cfg = &WebhookConfig{Secret: args.Secret}
	default:
		return nil, fmt.Errorf("unknown job_type %q", jobType)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode check config: %w", err)
	}
	return data, nil
}

// platformContextFromArgs recovers the reserved identity keys the
// dispatcher injected, so the job knows where its outcome should surface.
func platformContextFromArgs(call models.ToolCall) models.PlatformContext {
	return models.PlatformContext{
		Platform:       stringArg(call.Arguments, models.ArgPlatform),
		Channel:        stringArg(call.Arguments, models.ArgChannelID),
		Thread:         stringArg(call.Arguments, models.ArgThreadID),
		ConversationID: stringArg(call.Arguments, models.ArgConversationID),
	}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func decodeArgs(args map[string]any, into any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func successResult(toolName string, payload any) models.ToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.FailedResult(toolName, fmt.Sprintf("failed to encode result: %v", err))
	}
	return models.ToolResult{ToolName: toolName, Success: true, Result: data}
}

// reflectParams derives manifest parameters from a tool's argument struct.
// jsonschema struct tags carry descriptions, enums and required markers;
// json tags carry the names.
func reflectParams(argStruct any) []models.ToolParameter {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(argStruct)
	if schema.Properties == nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var params []models.ToolParameter
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		p := models.ToolParameter{
			Name:        pair.Key,
			Type:        models.ParameterType(prop.Type),
			Description: prop.Description,
			Required:    required[pair.Key],
		}
		if p.Type == "" {
			// Fields typed any reflect without a type; string is the widest
			// form the loose comparisons accept.
			p.Type = models.ParamString
		}
		for _, e := range prop.Enum {
			if s, ok := e.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
		params = append(params, p)
	}
	return params
}
