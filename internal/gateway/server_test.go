package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/pkg/models"
)

// fakeAgent records incoming messages and echoes a canned reply.
type fakeAgent struct {
	mu     sync.Mutex
	calls  []fakeAgentCall
	events chan agent.Event
	err    error
}

type fakeAgentCall struct {
	userID  string
	ref     models.ConversationRef
	content string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan agent.Event, 16)}
}

func (f *fakeAgent) HandleMessage(_ context.Context, userID string, ref models.ConversationRef, content string, _ []models.Attachment, _ ...agent.TurnOption) (*agent.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeAgentCall{userID: userID, ref: ref, content: content})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Response{
		Type:           agent.ResponseReply,
		Content:        "echo: " + content,
		ConversationID: ref.Key(),
	}, nil
}

func (f *fakeAgent) Events() (<-chan agent.Event, func()) {
	return f.events, func() {}
}

func (f *fakeAgent) lastCall(t *testing.T) fakeAgentCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("agent received no calls")
	}
	return f.calls[len(f.calls)-1]
}

// stubRuntime keeps containers running forever; enough for REST tests.
type stubRuntime struct {
	mu      sync.Mutex
	started int
	logs    map[string]*io.PipeWriter
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{logs: make(map[string]*io.PipeWriter)}
}

func (f *stubRuntime) Start(context.Context, supervisor.StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return fmt.Sprintf("stub-%d", f.started), nil
}

func (f *stubRuntime) Probe(context.Context, string) (supervisor.Probe, error) {
	return supervisor.Probe{Running: true}, nil
}

func (f *stubRuntime) Logs(_ context.Context, ref string) (io.ReadCloser, error) {
	r, w := io.Pipe()
	f.mu.Lock()
	f.logs[ref] = w
	f.mu.Unlock()
	return r, nil
}

func (f *stubRuntime) Kill(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.logs[ref]; ok {
		w.Close()
	}
	return nil
}

func (f *stubRuntime) Remove(context.Context, string) error { return nil }

func (f *stubRuntime) OpenTerminal(context.Context, string, uint, uint) (supervisor.TerminalConn, error) {
	return nil, fmt.Errorf("no terminal in stub runtime")
}

func (f *stubRuntime) writeLog(ref, line string) {
	f.mu.Lock()
	w := f.logs[ref]
	f.mu.Unlock()
	if w != nil {
		fmt.Fprintln(w, line)
	}
}

func testTasksConfig(t *testing.T) config.TasksConfig {
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

func newTestSupervisor(t *testing.T, rt supervisor.ContainerRuntime) *supervisor.Supervisor {
	t.Helper()
	cfg := testTasksConfig(t)
	store := supervisor.NewMemoryStore()
	logs, err := supervisor.NewLogDir(cfg.LogDir, cfg.SubscriberBuffer, nil)
	if err != nil {
		t.Fatalf("log dir: %v", err)
	}
	terminals := supervisor.NewTerminals(rt, 0, 0, cfg.SubscriberBuffer, nil, nil)
	sup, err := supervisor.New(store, rt, logs, terminals, nil, cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() { sup.Close() })
	return sup
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	srv := NewServer(config.ServerConfig{}, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return payload
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	svc := auth.NewService("test-secret", time.Hour)
	ts := newTestServer(t, Deps{Agent: newFakeAgent(), Auth: svc})

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	token, err := svc.Generate(&models.User{ID: "u1", DisplayName: "Uno", Permission: models.PermissionUser})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed post: %v", err)
	}
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authed status = %d, want 200", authed.StatusCode)
	}
	authed.Body.Close()

	// Health stays open.
	open, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if open.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", open.StatusCode)
	}
	open.Body.Close()
}

func TestSendMessage(t *testing.T) {
	ag := newFakeAgent()
	ts := newTestServer(t, Deps{Agent: ag})

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{
		"platform": "slack",
		"channel":  "C1",
		"content":  "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["content"] != "echo: hello" {
		t.Errorf("content = %v", body["content"])
	}

	call := ag.lastCall(t)
	if call.userID != "local" {
		t.Errorf("user = %q, want local fallback", call.userID)
	}
	if call.ref.Platform != "slack" || call.ref.Channel != "C1" {
		t.Errorf("ref = %+v", call.ref)
	}
}

func TestSendMessageDefaultsConversation(t *testing.T) {
	ag := newFakeAgent()
	ts := newTestServer(t, Deps{Agent: ag})

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	call := ag.lastCall(t)
	if call.ref.Platform != "api" || call.ref.Channel != "local" {
		t.Errorf("default ref = %+v", call.ref)
	}
}

func TestSendMessageEmptyContent(t *testing.T) {
	ag := newFakeAgent()
	ag.err = agent.ErrEmptyMessage
	ts := newTestServer(t, Deps{Agent: ag})

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"content": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSendMessageNoAgent(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp := postJSON(t, ts.URL+"/api/messages", map[string]any{"content": "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTaskREST(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": "fix the build"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decodeBody(t, resp)
	taskID, _ := created["id"].(string)
	if taskID == "" {
		t.Fatalf("created = %v", created)
	}

	get, err := http.Get(ts.URL + "/api/tasks/" + taskID)
	if err != nil {
		t.Fatal(err)
	}
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}
	if body := decodeBody(t, get); body["id"] != taskID {
		t.Errorf("get body = %v", body)
	}

	list, err := http.Get(ts.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	if body := decodeBody(t, list); body["count"].(float64) != 1 {
		t.Errorf("list body = %v", body)
	}

	missing, err := http.Get(ts.URL + "/api/tasks/nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", missing.StatusCode)
	}
	missing.Body.Close()

	cancel := postJSON(t, ts.URL+"/api/tasks/"+taskID+"/cancel", map[string]any{})
	if cancel.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", cancel.StatusCode)
	}
	cancel.Body.Close()

	again := postJSON(t, ts.URL+"/api/tasks/"+taskID+"/cancel", map[string]any{})
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", again.StatusCode)
	}
	again.Body.Close()
}

func TestTaskRESTValidation(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	noSup := newTestServer(t, Deps{})
	r2 := postJSON(t, noSup.URL+"/api/tasks", map[string]any{"prompt": "p"})
	if r2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("no supervisor status = %d, want 503", r2.StatusCode)
	}
	r2.Body.Close()
}

func TestTaskLogsEndpoint(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": "p"})
	created := decodeBody(t, resp)
	taskID := created["id"].(string)

	waitTaskLog(t, sup, rt, taskID, "line one")

	logs, err := http.Get(ts.URL + "/api/tasks/" + taskID + "/logs")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, logs)
	lines, _ := body["lines"].([]any)
	if len(lines) != 1 || lines[0] != "line one" {
		t.Errorf("lines = %v", lines)
	}
	if body["next_offset"].(float64) != 1 {
		t.Errorf("next_offset = %v", body["next_offset"])
	}
}

// waitTaskLog waits for the task container, feeds it one log line, and
// waits for the line to land in the log dir.
func waitTaskLog(t *testing.T, sup *supervisor.Supervisor, rt *stubRuntime, taskID, line string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := sup.Task(context.Background(), taskID, "local")
		if err == nil && task.ContainerRef != "" {
			rt.writeLog(task.ContainerRef, line)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	for time.Now().Before(deadline) {
		if n, _ := sup.Logs().LineCount(taskID); n >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log line never landed for task %s", taskID)
}

func TestWorkspaceEndpoints(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": "p"})
	created := decodeBody(t, resp)
	taskID := created["id"].(string)

	// Upload a file, browse it back, then read it.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("uploaded content"))
	mw.WriteField("path", "docs/notes.txt")
	mw.Close()

	up, err := http.Post(ts.URL+"/api/tasks/"+taskID+"/workspace/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if up.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", up.StatusCode)
	}
	upBody := decodeBody(t, up)
	if upBody["path"] != "docs/notes.txt" {
		t.Errorf("upload body = %v", upBody)
	}

	browse, err := http.Get(ts.URL + "/api/tasks/" + taskID + "/workspace?path=docs")
	if err != nil {
		t.Fatal(err)
	}
	browseBody := decodeBody(t, browse)
	entries, _ := browseBody["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}

	read, err := http.Get(ts.URL + "/api/tasks/" + taskID + "/workspace/file?path=docs/notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer read.Body.Close()
	if read.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", read.StatusCode)
	}
	data, _ := io.ReadAll(read.Body)
	if string(data) != "uploaded content" {
		t.Errorf("file content = %q", data)
	}

	escape, err := http.Get(ts.URL + "/api/tasks/" + taskID + "/workspace/file?path=../outside")
	if err != nil {
		t.Fatal(err)
	}
	if escape.StatusCode != http.StatusBadRequest {
		t.Errorf("escape status = %d, want 400", escape.StatusCode)
	}
	escape.Body.Close()
}

func wsDial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsWS(t *testing.T) {
	ag := newFakeAgent()
	ts := newTestServer(t, Deps{Agent: ag})

	conn := wsDial(t, ts, "/api/conversations/slack%2FC1/events/ws")

	// Events for other conversations are filtered out.
	ag.events <- agent.Event{Type: agent.EventToolCall, ConversationID: "slack/other", ToolName: "noise"}
	ag.events <- agent.Event{Type: agent.EventToolCall, ConversationID: "slack/C1", ToolName: "coder.run_task"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev agent.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.ToolName != "coder.run_task" || ev.ConversationID != "slack/C1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestTaskLogsWS(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": "p"})
	created := decodeBody(t, resp)
	taskID := created["id"].(string)

	waitTaskLog(t, sup, rt, taskID, "before attach")

	conn := wsDial(t, ts, "/api/tasks/"+taskID+"/logs/ws")

	// History is replayed first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var replay supervisor.StreamMessage
	if err := conn.ReadJSON(&replay); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replay.Type != supervisor.StreamLogLines || len(replay.Lines) != 1 || replay.Lines[0] != "before attach" {
		t.Fatalf("replay = %+v", replay)
	}
	if replay.Offset != 0 {
		t.Errorf("replay offset = %d", replay.Offset)
	}

	// Then live lines stream through.
	task, err := sup.Task(context.Background(), taskID, "local")
	if err != nil {
		t.Fatal(err)
	}
	rt.writeLog(task.ContainerRef, "after attach")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var live supervisor.StreamMessage
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if len(live.Lines) != 1 || live.Lines[0] != "after attach" || live.Offset != 1 {
		t.Errorf("live = %+v", live)
	}
}

func TestTerminalWSRejectsStubRuntime(t *testing.T) {
	rt := newStubRuntime()
	sup := newTestSupervisor(t, rt)
	ts := newTestServer(t, Deps{Supervisor: sup})

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{"prompt": "p"})
	created := decodeBody(t, resp)
	taskID := created["id"].(string)

	// The stub runtime cannot open a PTY; the handler reports it before
	// upgrading.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := sup.Task(context.Background(), taskID, "local")
		if err == nil && task.Status == models.TaskRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	term, err := http.Get(ts.URL + "/api/tasks/" + taskID + "/terminal/ws")
	if err != nil {
		t.Fatal(err)
	}
	if term.StatusCode == http.StatusSwitchingProtocols {
		t.Errorf("terminal upgrade unexpectedly succeeded")
	}
	term.Body.Close()
}

func TestJobRoutes(t *testing.T) {
	store := scheduler.NewMemoryStore()
	mod := scheduler.NewModule(store, nil)
	ts := newTestServer(t, Deps{Jobs: mod})

	next := time.Now().Add(time.Minute)
	job := &models.Job{
		ID:              "j1",
		UserID:          "local",
		Type:            models.JobDelay,
		IntervalSeconds: 60,
		Status:          models.JobActive,
		NextRunAt:       &next,
		OnComplete:      models.CompleteNotify,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	list, err := http.Get(ts.URL + "/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	if body := decodeBody(t, list); body["count"].(float64) != 1 {
		t.Errorf("list body = %v", body)
	}

	cancel := postJSON(t, ts.URL+"/api/jobs/j1/cancel", map[string]any{})
	if cancel.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", cancel.StatusCode)
	}
	if body := decodeBody(t, cancel); body["status"] != string(models.JobCancelled) {
		t.Errorf("cancel body = %v", body)
	}

	again := postJSON(t, ts.URL+"/api/jobs/j1/cancel", map[string]any{})
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", again.StatusCode)
	}
	again.Body.Close()

	missing := postJSON(t, ts.URL+"/api/jobs/nope/cancel", map[string]any{})
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", missing.StatusCode)
	}
	missing.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Error("metrics output missing runtime collectors")
	}
}
