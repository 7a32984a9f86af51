package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// probeBodyLimit caps how much of a poll_url response body is read.
const probeBodyLimit = 1 << 20

// evalPollModule executes the configured tool through the dispatcher and
// tests the success condition against the result document.
func (e *Engine) evalPollModule(ctx context.Context, job *models.Job, cfg *PollModuleConfig) outcome {
	args := make(map[string]any, len(cfg.Args))
	for k, v := range cfg.Args {
		args[k] = v
	}
	call := models.ToolCall{
		InvocationID: fmt.Sprintf("job-%s-%d", job.ID, job.Attempts+1),
		ToolName:     cfg.Tool,
		Arguments:    args,
		UserID:       job.UserID,
	}
	uc := models.UserContext{
		UserID:         job.UserID,
		Platform:       job.PlatformContext.Platform,
		ChannelID:      job.PlatformContext.Channel,
		ThreadID:       job.PlatformContext.Thread,
		ConversationID: job.PlatformContext.ConversationID,
	}

	res := e.exec.Execute(ctx, call, uc)
	if !res.Success {
		if isPermanentError(res.Error) {
			return outcome{kind: outcomePermanent, err: res.Error}
		}
		return outcome{kind: outcomeTransient, err: res.Error}
	}

	var doc any
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &doc); err != nil {
			return outcome{kind: outcomeTransient, err: fmt.Sprintf("tool returned unreadable result: %v", err)}
		}
	}
	if cfg.SuccessField == "" {
		// No condition configured: a successful execution is the success.
		return outcome{kind: outcomeSuccess, result: doc}
	}
	got, ok := valueAtPath(doc, cfg.SuccessField)
	if !ok {
		return outcome{
			kind:   outcomePending,
			result: doc,
			err:    fmt.Sprintf("field %s not present in result", cfg.SuccessField),
		}
	}
	if compare(cfg.operator(), got, cfg.SuccessValue, cfg.SuccessValues) {
		return outcome{kind: outcomeSuccess, result: doc}
	}
	return outcome{kind: outcomePending, result: doc}
}

// evalPollURL probes the configured URL. An unexpected 404/410 is
// permanent; other mismatches and network errors are transient. When a
// response field is configured the body must decode as JSON — a non-JSON
// body fails the attempt as transient, not permanent.
func (e *Engine) evalPollURL(ctx context.Context, job *models.Job, cfg *PollURLConfig) outcome {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return outcome{kind: outcomePermanent, err: fmt.Sprintf("invalid probe request: %v", err)}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return outcome{kind: outcomeTransient, err: fmt.Sprintf("probe failed: %v", err)}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return outcome{kind: outcomeTransient, err: fmt.Sprintf("failed to read probe response: %v", err)}
	}

	statusOK := resp.StatusCode >= 200 && resp.StatusCode < 300
	if cfg.ExpectedStatus > 0 {
		statusOK = resp.StatusCode == cfg.ExpectedStatus
	}
	if !statusOK {
		errText := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return outcome{kind: outcomePermanent, err: errText}
		}
		return outcome{kind: outcomeTransient, err: errText}
	}

	var doc any
	if len(data) > 0 && json.Unmarshal(data, &doc) != nil {
		if cfg.ResponseField != "" {
			return outcome{kind: outcomeTransient, err: "response body is not JSON"}
		}
		doc = map[string]any{
			"status": resp.StatusCode,
			"body":   truncateString(string(data), 512),
		}
	}
	if doc == nil {
		doc = map[string]any{"status": resp.StatusCode}
	}
	if cfg.ResponseField == "" {
		return outcome{kind: outcomeSuccess, result: doc}
	}
	got, ok := valueAtPath(doc, cfg.ResponseField)
	if !ok {
		return outcome{
			kind:   outcomePending,
			result: doc,
			err:    fmt.Sprintf("field %s not present in response", cfg.ResponseField),
		}
	}
	if compare(cfg.operator(), got, cfg.ResponseValue, nil) {
		return outcome{kind: outcomeSuccess, result: doc}
	}
	return outcome{kind: outcomePending, result: doc}
}

// evalDelay succeeds once delay_seconds have elapsed since the job was
// created, independent of how many evaluations it took to get there.
func (e *Engine) evalDelay(job *models.Job, cfg *DelayConfig) outcome {
	ready := job.CreatedAt.Add(time.Duration(cfg.DelaySeconds) * time.Second)
	if e.now().Before(ready) {
		return outcome{
			kind:   outcomePending,
			result: map[string]any{"ready_at": ready.UTC().Format(time.RFC3339)},
		}
	}
	return outcome{
		kind:   outcomeSuccess,
		result: map[string]any{"delay_seconds": cfg.DelaySeconds},
	}
}

// evalCron fires unconditionally: being selected means next_run_at, which
// is always a cron instant, has arrived.
func (e *Engine) evalCron(job *models.Job, cfg *CronConfig) outcome {
	next, err := nextCronTime(cfg.Expr, cfg.Timezone, e.now())
	if err != nil {
		return outcome{kind: outcomePermanent, err: err.Error()}
	}
	return outcome{
		kind: outcomeSuccess,
		result: map[string]any{
			"fired_at": e.now().UTC().Format(time.RFC3339),
			"run":      job.RunsCompleted + 1,
		},
		next: &next,
	}
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
