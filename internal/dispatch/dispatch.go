// Package dispatch executes tool calls against registered modules. It is
// the single path between the agent loop and module code: identity
// injection, argument validation, timeouts and error shaping all happen
// here so modules and the loop can stay simple.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/models"
)

const resultMaxBytes = 4 << 20

type cancelTokenKey struct{}

// WithCancelToken stamps the conversation cancel token onto ctx. The
// dispatcher forwards it to modules as an X-Cancel-Token header so they
// can abort server-side work for cancelled turns.
func WithCancelToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, cancelTokenKey{}, token)
}

func cancelTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(cancelTokenKey{}).(string)
	return token
}

// Dispatcher routes tool calls to local builtin modules or remote module
// endpoints over HTTP.
type Dispatcher struct {
	registry    *registry.Registry
	client      *http.Client
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	timeout     time.Duration
	slowTimeout time.Duration
	slow        map[string]struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for module calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer attaches per-call spans.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New builds a Dispatcher over the given registry. Timeouts and the
// slow-tool list come from the modules config.
func New(reg *registry.Registry, cfg config.ModulesConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		client:      &http.Client{},
		logger:      slog.Default().With("component", "dispatch"),
		timeout:     cfg.DispatchTimeout,
		slowTimeout: cfg.SlowTimeout,
		slow:        make(map[string]struct{}, len(cfg.SlowTools)),
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.slowTimeout <= 0 {
		d.slowTimeout = 120 * time.Second
	}
	for _, name := range cfg.SlowTools {
		d.slow[name] = struct{}{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one tool call. It never returns an error: every failure
// mode becomes a ToolResult with Success=false so the loop can hand it
// back to the model as a regular tool outcome.
func (d *Dispatcher) Execute(ctx context.Context, call models.ToolCall, uc models.UserContext) models.ToolResult {
	start := time.Now()
	if d.tracer != nil {
		tctx, span := d.tracer.TraceToolExecution(ctx, call.ToolName)
		ctx = tctx
		defer span.End()
	}
	result := d.execute(ctx, call, uc)
	status := "success"
	if !result.Success {
		status = "error"
	}
	if d.metrics != nil {
		d.metrics.RecordToolExecution(call.ToolName, status, time.Since(start).Seconds())
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call models.ToolCall, uc models.UserContext) models.ToolResult {
	def, baseURL, err := d.registry.Lookup(call.ToolName)
	if err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("UnknownTool: %q", call.ToolName))
	}

	call.Arguments = injectIdentity(call.Arguments, uc)
	call.UserID = uc.UserID

	if err := d.registry.ValidateArguments(call.ToolName, call.Arguments); err != nil {
		d.logger.Warn("argument validation failed",
			"tool", call.ToolName,
			"error", err)
		if d.metrics != nil {
			d.metrics.RecordError("dispatch", "invalid_arguments")
		}
		return models.FailedResult(call.ToolName, fmt.Sprintf("invalid arguments: %v", err))
	}

	timeout := d.timeout
	if d.isSlow(call.ToolName, def.Module()) {
		timeout = d.slowTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if local, ok := d.registry.Local(def.Module()); ok {
		result := local.Execute(ctx, call)
		if result.ToolName == "" {
			result.ToolName = call.ToolName
		}
		return result
	}
	return d.executeWire(ctx, baseURL, call)
}

func (d *Dispatcher) executeWire(ctx context.Context, baseURL string, call models.ToolCall) models.ToolResult {
	body, err := json.Marshal(call)
	if err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("encode call: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token := cancelTokenFrom(ctx); token != "" {
		req.Header.Set("X-Cancel-Token", token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return models.FailedResult(call.ToolName, "tool execution timed out")
		}
		d.logger.Warn("module call failed",
			"tool", call.ToolName,
			"url", baseURL,
			"error", err)
		return models.FailedResult(call.ToolName, fmt.Sprintf("module unreachable: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, resultMaxBytes))
	if err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return models.FailedResult(call.ToolName,
			fmt.Sprintf("module returned status %d: %s", resp.StatusCode, msg))
	}

	result, err := models.DecodeToolResult(data)
	if err != nil {
		return models.FailedResult(call.ToolName, fmt.Sprintf("malformed result: %v", err))
	}
	if result.ToolName == "" {
		result.ToolName = call.ToolName
	}
	return *result
}

func (d *Dispatcher) isSlow(toolName, module string) bool {
	if _, ok := d.slow[toolName]; ok {
		return true
	}
	_, ok := d.slow[module]
	return ok
}

// injectIdentity overwrites the reserved argument keys with server-side
// identity. Model-supplied values for these keys never survive.
func injectIdentity(args map[string]any, uc models.UserContext) map[string]any {
	merged := make(map[string]any, len(args)+5)
	for k, v := range args {
		merged[k] = v
	}
	merged[models.ArgUserID] = uc.UserID
	merged[models.ArgPlatform] = uc.Platform
	merged[models.ArgChannelID] = uc.ChannelID
	if uc.ThreadID != "" {
		merged[models.ArgThreadID] = uc.ThreadID
	} else {
		delete(merged, models.ArgThreadID)
	}
	if uc.ConversationID != "" {
		merged[models.ArgConversationID] = uc.ConversationID
	} else {
		delete(merged, models.ArgConversationID)
	}
	return merged
}
