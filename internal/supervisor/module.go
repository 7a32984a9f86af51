package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/loomworks/loom/pkg/models"
)

// ModuleName is the builtin module prefix for task tools.
const ModuleName = "coder"

// Module exposes the supervisor as the builtin "coder" tool module: the
// agent starts, continues, inspects and cancels container tasks through
// the same dispatch path as any remote module.
type Module struct {
	sup    *Supervisor
	logger *slog.Logger
}

// NewModule builds the builtin coder module on top of the supervisor.
func NewModule(sup *Supervisor, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		sup:    sup,
		logger: logger.With("component", "coder_module"),
	}
}

// RunTaskArgs is the argument surface of coder.run_task.
type RunTaskArgs struct {
	Prompt         string `json:"prompt" jsonschema:"required,description=What the coding agent should do"`
	Mode           string `json:"mode,omitempty" jsonschema:"enum=plan,enum=execute,description=plan stops for review before changing anything; execute works to completion (default execute)"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Seconds before the task is killed (default 1800)"`
}

// ContinueTaskArgs is the argument surface of coder.continue_task.
type ContinueTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Finished task whose workspace to resume"`
	Prompt string `json:"prompt" jsonschema:"required,description=Follow-up instructions for the agent"`
	Mode   string `json:"mode,omitempty" jsonschema:"enum=plan,enum=execute,description=Mode for the continuation (default execute)"`
}

// TaskIDArgs is the argument surface of the task-scoped tools.
type TaskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task to act on"`
}

// TaskLogsArgs is the argument surface of coder.task_logs.
type TaskLogsArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task whose logs to read"`
	Offset int64  `json:"offset,omitempty" jsonschema:"description=Line offset to read from (default 0)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum lines to return (default 100)"`
}

// ListTasksArgs is the argument surface of coder.list_tasks.
type ListTasksArgs struct {
	IncludeFinished bool `json:"include_finished,omitempty" jsonschema:"description=Include settled tasks in the listing"`
}

// WorkspacePathArgs is the argument surface of the workspace file tools.
type WorkspacePathArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task whose workspace to access"`
	Path   string `json:"path,omitempty" jsonschema:"description=Relative path inside the workspace (default the root)"`
}

// GitPushArgs is the argument surface of coder.git_push.
type GitPushArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task whose workspace to push"`
	Branch string `json:"branch,omitempty" jsonschema:"description=Branch to push (default the current HEAD)"`
}

// Manifest implements registry.LocalModule.
func (m *Module) Manifest() *models.ModuleManifest {
	return &models.ModuleManifest{
		ModuleName:  ModuleName,
		Description: "Run long coding tasks in isolated containers with persistent workspaces, streamed logs and interactive terminals.",
		Tools: []models.ToolDefinition{
			{
				Name:        ModuleName + ".run_task",
				Description: "Start a coding task in a fresh container and workspace.",
				Parameters:  reflectParams(&RunTaskArgs{}),
			},
			{
				Name:        ModuleName + ".continue_task",
				Description: "Resume a finished task's workspace with a follow-up prompt; plan tasks awaiting input continue this way.",
				Parameters:  reflectParams(&ContinueTaskArgs{}),
			},
			{
				Name:        ModuleName + ".task_status",
				Description: "Report a task's status, result and error.",
				Parameters:  reflectParams(&TaskIDArgs{}),
			},
			{
				Name:        ModuleName + ".task_logs",
				Description: "Read a slice of a task's captured log lines.",
				Parameters:  reflectParams(&TaskLogsArgs{}),
			},
			{
				Name:        ModuleName + ".cancel_task",
				Description: "Stop an active task and kill its container.",
				Parameters:  reflectParams(&TaskIDArgs{}),
			},
			{
				Name:        ModuleName + ".list_tasks",
				Description: "List the caller's tasks.",
				Parameters:  reflectParams(&ListTasksArgs{}),
			},
			{
				Name:        ModuleName + ".get_task_chain",
				Description: "Walk a task's continuation lineage back to its root.",
				Parameters:  reflectParams(&TaskIDArgs{}),
			},
			{
				Name:        ModuleName + ".browse_workspace",
				Description: "List a directory of a task's workspace.",
				Parameters:  reflectParams(&WorkspacePathArgs{}),
			},
			{
				Name:        ModuleName + ".read_workspace_file",
				Description: "Read a file from a task's workspace (up to 1 MiB).",
				Parameters:  reflectParams(&WorkspacePathArgs{}),
			},
			{
				Name:        ModuleName + ".git_status",
				Description: "Report the workspace's git branch and pending changes.",
				Parameters:  reflectParams(&TaskIDArgs{}),
			},
			{
				Name:        ModuleName + ".git_push",
				Description: "Push the workspace's branch to its origin remote.",
				Parameters:  reflectParams(&GitPushArgs{}),
			},
			{
				Name:        ModuleName + ".get_task_container",
				Description: "Report a task's container reference and live terminal sessions.",
				Parameters:  reflectParams(&TaskIDArgs{}),
			},
		},
	}
}

// Execute implements registry.LocalModule.
func (m *Module) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	switch call.ToolName {
	case ModuleName + ".run_task":
		return m.runTask(ctx, call)
	case ModuleName + ".continue_task":
		return m.continueTask(ctx, call)
	case ModuleName + ".task_status":
		return m.taskStatus(ctx, call)
	case ModuleName + ".task_logs":
		return m.taskLogs(ctx, call)
	case ModuleName + ".cancel_task":
		return m.cancelTask(ctx, call)
	case ModuleName + ".list_tasks":
		return m.listTasks(ctx, call)
	case ModuleName + ".get_task_chain":
		return m.taskChain(ctx, call)
	case ModuleName + ".browse_workspace":
		return m.browseWorkspace(ctx, call)
	case ModuleName + ".read_workspace_file":
		return m.readWorkspaceFile(ctx, call)
	case ModuleName + ".git_status":
		return m.gitStatus(ctx, call)
	case ModuleName + ".git_push":
		return m.gitPush(ctx, call)
	case ModuleName + ".get_task_container":
		return m.taskContainer(ctx, call)
	}
	return models.FailedResult(call.ToolName, fmt.Sprintf("unknown tool %q", call.ToolName))
}

func (m *Module) runTask(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args RunTaskArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.Prompt == "" {
		return models.FailedResult(call.ToolName, "prompt is required")
	}

	task, err := m.sup.Run(ctx, StartTaskRequest{
		OwnerUserID:    call.UserID,
		Prompt:         args.Prompt,
		Mode:           models.TaskMode(args.Mode),
		TimeoutSeconds: args.TimeoutSeconds,
		Origin:         taskOriginFromArgs(call),
	})
	if err != nil {
		m.logger.Error("failed to start task", "user_id", call.UserID, "error", err)
		return models.FailedResult(call.ToolName, err.Error())
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"mode":    task.Mode,
	})
}

func (m *Module) continueTask(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args ContinueTaskArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.TaskID == "" || args.Prompt == "" {
		return models.FailedResult(call.ToolName, "task_id and prompt are required")
	}

	task, err := m.sup.Continue(ctx, args.TaskID, call.UserID, args.Prompt, models.TaskMode(args.Mode))
	if err != nil {
		if errors.Is(err, ErrParentActive) {
			return models.FailedResult(call.ToolName, "task is still running; cancel it or wait for it to finish")
		}
		return m.taskError(call, err, "failed to continue task")
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id":        task.ID,
		"parent_task_id": task.ParentTaskID,
		"status":         task.Status,
	})
}

func (m *Module) taskStatus(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskIDArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	task, err := m.sup.Task(ctx, args.TaskID, call.UserID)
	if err != nil {
		return m.taskError(call, err, "failed to load task")
	}
	return taskResult(call.ToolName, summarizeTask(task))
}

func (m *Module) taskLogs(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskLogsArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	if _, err := m.sup.Task(ctx, args.TaskID, call.UserID); err != nil {
		return m.taskError(call, err, "failed to load task")
	}
	lines, next, err := m.sup.Logs().Tail(args.TaskID, args.Offset, args.Limit)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to read task logs")
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id":     args.TaskID,
		"lines":       lines,
		"next_offset": next,
	})
}

func (m *Module) cancelTask(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskIDArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	task, err := m.sup.Cancel(ctx, args.TaskID, call.UserID)
	if err != nil {
		if errors.Is(err, ErrTaskNotActive) && task != nil {
			return models.FailedResult(call.ToolName, fmt.Sprintf("task is already %s", task.Status))
		}
		return m.taskError(call, err, "failed to cancel task")
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (m *Module) listTasks(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args ListTasksArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	tasks, err := m.sup.List(ctx, call.UserID, args.IncludeFinished)
	if err != nil {
		return models.FailedResult(call.ToolName, "failed to list tasks")
	}
	summaries := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		summaries = append(summaries, summarizeTask(task))
	}
	return taskResult(call.ToolName, map[string]any{
		"tasks": summaries,
		"count": len(summaries),
	})
}

func (m *Module) taskChain(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskIDArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	chain, err := m.sup.Chain(ctx, args.TaskID, call.UserID)
	if err != nil {
		return m.taskError(call, err, "failed to load task chain")
	}
	summaries := make([]map[string]any, 0, len(chain))
	for _, task := range chain {
		summaries = append(summaries, summarizeTask(task))
	}
	return taskResult(call.ToolName, map[string]any{
		"chain": summaries,
		"depth": len(summaries),
	})
}

func (m *Module) browseWorkspace(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args WorkspacePathArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	entries, err := m.sup.BrowseWorkspace(ctx, args.TaskID, call.UserID, args.Path)
	if err != nil {
		return m.taskError(call, err, "failed to browse workspace")
	}
	return taskResult(call.ToolName, map[string]any{
		"path":    args.Path,
		"entries": entries,
	})
}

func (m *Module) readWorkspaceFile(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args WorkspacePathArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.Path == "" {
		return models.FailedResult(call.ToolName, "path is required")
	}

	data, err := m.sup.ReadWorkspaceFile(ctx, args.TaskID, call.UserID, args.Path)
	if err != nil {
		return m.taskError(call, err, "failed to read workspace file")
	}
	return taskResult(call.ToolName, map[string]any{
		"path":    args.Path,
		"content": string(data),
		"size":    len(data),
	})
}

func (m *Module) gitStatus(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskIDArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	out, err := m.sup.GitStatus(ctx, args.TaskID, call.UserID)
	if err != nil {
		return m.taskError(call, err, err.Error())
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id": args.TaskID,
		"status":  out,
	})
}

func (m *Module) gitPush(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args GitPushArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	out, err := m.sup.GitPush(ctx, args.TaskID, call.UserID, args.Branch)
	if err != nil {
		return m.taskError(call, err, err.Error())
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id": args.TaskID,
		"output":  out,
	})
}

func (m *Module) taskContainer(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args TaskIDArgs
	if err := decodeTaskArgs(call.Arguments, &args); err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	task, err := m.sup.Task(ctx, args.TaskID, call.UserID)
	if err != nil {
		return m.taskError(call, err, "failed to load task")
	}
	return taskResult(call.ToolName, map[string]any{
		"task_id":       task.ID,
		"container_ref": task.ContainerRef,
		"status":        task.Status,
		"sessions":      m.sup.Sessions(task.ID),
	})
}

// taskError folds not-found and ownership errors into one message so
// other users' tasks stay invisible rather than forbidden.
func (m *Module) taskError(call models.ToolCall, err error, fallback string) models.ToolResult {
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrNotOwner) {
		return models.FailedResult(call.ToolName, "task not found")
	}
	m.logger.Error("coder tool failed", "tool", call.ToolName, "user_id", call.UserID, "error", err)
	return models.FailedResult(call.ToolName, fallback)
}

func summarizeTask(task *models.Task) map[string]any {
	s := map[string]any{
		"task_id":    task.ID,
		"status":     task.Status,
		"mode":       task.Mode,
		"log_offset": task.LogOffset,
		"created_at": task.CreatedAt.UTC().Format(time.RFC3339),
	}
	if task.ParentTaskID != "" {
		s["parent_task_id"] = task.ParentTaskID
	}
	if task.Result != "" {
		s["result"] = task.Result
	}
	if task.Error != "" {
		s["error"] = task.Error
	}
	if task.ExitCode != nil {
		s["exit_code"] = *task.ExitCode
	}
	if task.StartedAt != nil {
		s["started_at"] = task.StartedAt.UTC().Format(time.RFC3339)
	}
	if task.FinishedAt != nil {
		s["finished_at"] = task.FinishedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// taskOriginFromArgs recovers the reserved identity keys the dispatcher
// injected, so status notifications reach the originating channel.
func taskOriginFromArgs(call models.ToolCall) models.PlatformContext {
	return models.PlatformContext{
		Platform:       taskStringArg(call.Arguments, models.ArgPlatform),
		Channel:        taskStringArg(call.Arguments, models.ArgChannelID),
		Thread:         taskStringArg(call.Arguments, models.ArgThreadID),
		ConversationID: taskStringArg(call.Arguments, models.ArgConversationID),
	}
}

func taskStringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func decodeTaskArgs(args map[string]any, into any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func taskResult(toolName string, payload any) models.ToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.FailedResult(toolName, fmt.Sprintf("failed to encode result: %v", err))
	}
	return models.ToolResult{ToolName: toolName, Success: true, Result: data}
}

// reflectParams derives manifest parameters from a tool's argument struct,
// mirroring how the manifests of remote modules are declared.
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
