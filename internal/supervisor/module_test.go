package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func decodeResult(t *testing.T, res models.ToolResult) map[string]any {
	t.Helper()
	if !res.Success {
		t.Fatalf("tool %s failed: %s", res.ToolName, res.Error)
	}
	var payload map[string]any
	if err := json.Unmarshal(res.Result, &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return payload
}

func coderCall(tool, userID string, args map[string]any) models.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return models.ToolCall{ToolName: tool, UserID: userID, Arguments: args}
}

func TestModuleManifest(t *testing.T) {
	rt := newFakeRuntime()
	sup, _ := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)

	manifest := mod.Manifest()
	if manifest.ModuleName != ModuleName {
		t.Fatalf("module name = %q", manifest.ModuleName)
	}
	want := []string{
		"run_task", "continue_task", "task_status", "task_logs", "cancel_task",
		"list_tasks", "get_task_chain", "browse_workspace", "read_workspace_file",
		"git_status", "git_push", "get_task_container",
	}
	if len(manifest.Tools) != len(want) {
		t.Fatalf("tools = %d, want %d", len(manifest.Tools), len(want))
	}
	byName := make(map[string]models.ToolDefinition)
	for _, tool := range manifest.Tools {
		if !strings.HasPrefix(tool.Name, ModuleName+".") {
			t.Errorf("tool %q missing module prefix", tool.Name)
		}
		byName[tool.Name] = tool
	}
	for _, name := range want {
		if _, ok := byName[ModuleName+"."+name]; !ok {
			t.Errorf("missing tool %s", name)
		}
	}

	// run_task declares its prompt as required with mode constrained.
	var promptRequired bool
	var modeEnum []string
	for _, p := range byName[ModuleName+".run_task"].Parameters {
		switch p.Name {
		case "prompt":
			promptRequired = p.Required
		case "mode":
			modeEnum = p.Enum
		}
	}
	if !promptRequired {
		t.Error("run_task prompt should be required")
	}
	if len(modeEnum) != 2 {
		t.Errorf("mode enum = %v", modeEnum)
	}
}

func TestModuleRunAndStatus(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)
	ctx := context.Background()

	res := mod.Execute(ctx, coderCall(ModuleName+".run_task", "u1", map[string]any{
		"prompt":               "add a health endpoint",
		models.ArgPlatform:     "slack",
		models.ArgChannelID:    "C9",
		models.ArgThreadID:     "th",
		models.ArgConversationID: "conv-1",
	}))
	payload := decodeResult(t, res)
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		t.Fatal("run_task returned no task_id")
	}

	stored, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.OwnerUserID != "u1" {
		t.Errorf("owner = %q", stored.OwnerUserID)
	}
	if stored.Origin.Platform != "slack" || stored.Origin.Channel != "C9" || stored.Origin.ConversationID != "conv-1" {
		t.Errorf("origin = %+v", stored.Origin)
	}

	status := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".task_status", "u1", map[string]any{
		"task_id": taskID,
	})))
	if status["task_id"] != taskID {
		t.Errorf("status payload = %v", status)
	}

	// Other users cannot see the task.
	foreign := mod.Execute(ctx, coderCall(ModuleName+".task_status", "u2", map[string]any{"task_id": taskID}))
	if foreign.Success || foreign.Error != "task not found" {
		t.Errorf("foreign status = %+v", foreign)
	}
}

func TestModuleCancelAndList(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)
	ctx := context.Background()

	res := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".run_task", "u1", map[string]any{"prompt": "p"})))
	taskID := res["task_id"].(string)
	waitStatus(t, store, taskID, models.TaskRunning)

	cancelRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".cancel_task", "u1", map[string]any{"task_id": taskID})))
	if cancelRes["status"] != string(models.TaskCancelled) {
		t.Errorf("cancel payload = %v", cancelRes)
	}

	again := mod.Execute(ctx, coderCall(ModuleName+".cancel_task", "u1", map[string]any{"task_id": taskID}))
	if again.Success {
		t.Error("second cancel should fail")
	}

	listRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".list_tasks", "u1", map[string]any{"include_finished": true})))
	if listRes["count"].(float64) != 1 {
		t.Errorf("list payload = %v", listRes)
	}
	// Settled tasks are hidden by default.
	activeRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".list_tasks", "u1", nil)))
	if activeRes["count"].(float64) != 0 {
		t.Errorf("active list payload = %v", activeRes)
	}
}

func TestModuleContinueAndChain(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)
	ctx := context.Background()

	res := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".run_task", "u1", map[string]any{
		"prompt": "plan it",
		"mode":   "plan",
	})))
	parentID := res["task_id"].(string)
	running := waitStatus(t, store, parentID, models.TaskRunning)
	rt.exit(running.ContainerRef, 0)
	waitStatus(t, store, parentID, models.TaskAwaitingInput)

	contRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".continue_task", "u1", map[string]any{
		"task_id": parentID,
		"prompt":  "ship it",
	})))
	childID := contRes["task_id"].(string)
	if contRes["parent_task_id"] != parentID {
		t.Errorf("continue payload = %v", contRes)
	}

	chainRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".get_task_chain", "u1", map[string]any{
		"task_id": childID,
	})))
	if chainRes["depth"].(float64) != 2 {
		t.Errorf("chain payload = %v", chainRes)
	}
}

func TestModuleTaskLogs(t *testing.T) {
	rt := newFakeRuntime()
	sup, store := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)
	ctx := context.Background()

	res := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".run_task", "u1", map[string]any{"prompt": "p"})))
	taskID := res["task_id"].(string)
	running := waitStatus(t, store, taskID, models.TaskRunning)

	rt.writeLog(running.ContainerRef, "hello from the container")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := sup.Logs().LineCount(taskID); n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	logsRes := decodeResult(t, mod.Execute(ctx, coderCall(ModuleName+".task_logs", "u1", map[string]any{
		"task_id": taskID,
	})))
	lines := logsRes["lines"].([]any)
	if len(lines) != 1 || lines[0] != "hello from the container" {
		t.Errorf("lines = %v", lines)
	}
	if logsRes["next_offset"].(float64) != 1 {
		t.Errorf("next_offset = %v", logsRes["next_offset"])
	}
}

func TestModuleUnknownTool(t *testing.T) {
	rt := newFakeRuntime()
	sup, _ := newTestSupervisor(t, testConfig(t), rt, nil)
	mod := NewModule(sup, nil)

	res := mod.Execute(context.Background(), coderCall(ModuleName+".frobnicate", "u1", nil))
	if res.Success {
		t.Error("unknown tool should fail")
	}
}
