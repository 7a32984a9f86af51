// Package agent runs the per-message turn loop: resolve the user,
// conversation and persona, build the model request, execute tool calls
// through the dispatcher, and persist the transcript as it grows. Turns
// on one conversation are serialized in arrival order; a newer message
// supersedes the turn already running.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/conversations"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/memory"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

var (
	// ErrTurnCancelled reports that the turn was superseded by a newer
	// message or an explicit cancel before it produced a reply.
	ErrTurnCancelled = errors.New("agent: turn cancelled")

	// ErrEmptyMessage rejects messages with no usable content.
	ErrEmptyMessage = errors.New("agent: empty message content")
)

// ResponseType classifies the outcome of a turn for the caller.
type ResponseType string

const (
	ResponseReply  ResponseType = "reply"
	ResponseStatus ResponseType = "status"
	ResponseError  ResponseType = "error"
)

// Response is the caller-facing outcome of one turn.
type Response struct {
	Type           ResponseType   `json:"type"`
	Content        string         `json:"content"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Completer produces one model completion. *llm.Router implements it.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Executor runs one tool call. *dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, call models.ToolCall, uc models.UserContext) models.ToolResult
}

// ToolSource lists the tools visible to a user under a persona.
// *registry.Registry implements it.
type ToolSource interface {
	ListTools(perm models.PermissionLevel, persona *models.Persona) []models.ToolDefinition
}

// Recall is the optional long-term memory feeding the system prompt.
// *memory.Store implements it.
type Recall interface {
	Search(ctx context.Context, userID, query string, limit int) ([]*memory.Result, error)
	BySource(ctx context.Context, userID, source string, limit int) ([]*memory.Entry, error)
	Remember(ctx context.Context, entry *memory.Entry) error
}

const (
	defaultSystemPrompt = "You are Loom, a helpful assistant with access to tools. Use them when they help, and answer directly when they do not."

	memorySourceConversation = "conversation"
	memorySourceProject      = "project"

	recallLimit       = 5
	projectNotesLimit = 5

	// captureMinRunes filters throwaway prompts out of memory capture.
	captureMinRunes = 12

	// persistGrace bounds store writes that outlive the turn context
	// (aborted-turn replies, memory capture).
	persistGrace = 5 * time.Second
)

// Loop drives conversations end to end. All fields are set at
// construction; Loop is safe for concurrent use.
type Loop struct {
	store     conversations.Store
	tools     ToolSource
	llm       Completer
	exec      Executor
	recall    Recall
	recallTop int

	model       string
	maxTokens   int
	temperature float64

	maxIterations int
	maxWallTime   time.Duration
	historyLimit  int

	turns   *turnTable
	hub     *eventHub
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures the Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithRecall attaches the long-term memory store.
func WithRecall(r Recall) Option {
	return func(l *Loop) { l.recall = r }
}

// WithRecallLimit caps how many recalled memories join the prompt.
func WithRecallLimit(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.recallTop = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates the turn loop. The model, token and temperature defaults
// come from the LLM config; budgets come from the agent config.
func New(store conversations.Store, tools ToolSource, completer Completer, executor Executor, agentCfg config.AgentConfig, llmCfg config.LLMConfig, opts ...Option) *Loop {
	l := &Loop{
		store:         store,
		tools:         tools,
		llm:           completer,
		exec:          executor,
		model:         llmCfg.DefaultModel,
		maxTokens:     llmCfg.MaxTokens,
		temperature:   llmCfg.Temperature,
		maxIterations: agentCfg.MaxIterations,
		maxWallTime:   agentCfg.MaxWallTime,
		historyLimit:  agentCfg.HistoryLimit,
		recallTop:     recallLimit,
		turns:         newTurnTable(),
		logger:        slog.Default().With("component", "agent"),
		now:           time.Now,
	}
	if l.maxIterations <= 0 {
		l.maxIterations = 8
	}
	if l.maxWallTime <= 0 {
		l.maxWallTime = 10 * time.Minute
	}
	if l.historyLimit <= 0 {
		l.historyLimit = 50
	}
	for _, opt := range opts {
		opt(l)
	}
	l.hub = newEventHub(agentCfg.EventBuffer, l.metrics)
	return l
}

// TurnOption adjusts how a single incoming message is handled.
type TurnOption func(*turnOptions)

type turnOptions struct {
	displayName string
	synthetic   bool
}

// WithDisplayName refreshes the user's display name during resolution.
func WithDisplayName(name string) TurnOption {
	return func(o *turnOptions) { o.displayName = name }
}

// AsSynthetic marks the inbound message as system-authored. Synthetic
// messages reach the model but stay out of user-facing transcripts
// unless the persona opts in.
func AsSynthetic() TurnOption {
	return func(o *turnOptions) { o.synthetic = true }
}

// HandleMessage runs one full turn for an incoming message and returns
// the final response. Turns on the same conversation are serialized in
// arrival order, and arriving here cancels the turn already in flight
// for the conversation. Intermediate tool activity streams to Events
// subscribers.
func (l *Loop) HandleMessage(ctx context.Context, userID string, ref models.ConversationRef, content string, attachments []models.Attachment, opts ...TurnOption) (*Response, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if userID == "" {
		return nil, fmt.Errorf("agent: user ID is required")
	}

	var topts turnOptions
	for _, opt := range opts {
		opt(&topts)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	release, err := l.turns.begin(ctx, ref.Key(), cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	if l.metrics != nil {
		l.metrics.ActiveConversations.Inc()
		defer l.metrics.ActiveConversations.Dec()
	}

	start := l.now()
	resp, iterations, err := l.runTurn(turnCtx, userID, ref, content, attachments, topts)
	if l.metrics != nil {
		l.metrics.RecordAgentTurn(turnOutcome(resp, err), l.now().Sub(start).Seconds(), iterations)
	}
	return resp, err
}

// Cancel aborts the in-flight turn for the conversation, if any.
func (l *Loop) Cancel(ref models.ConversationRef) bool {
	return l.turns.preempt(ref.Key())
}

// Events subscribes to the turn event stream. The cancel function
// releases the subscription; every channel closes on Close.
func (l *Loop) Events() (<-chan Event, func()) {
	return l.hub.subscribe()
}

// Close shuts down the event stream. In-flight turns finish normally.
func (l *Loop) Close() error {
	l.hub.close()
	return nil
}

func turnOutcome(resp *Response, err error) string {
	switch {
	case errors.Is(err, ErrTurnCancelled):
		return "cancelled"
	case err != nil:
		return "error"
	case resp == nil:
		return "error"
	case resp.Metadata["aborted"] != nil:
		return "aborted"
	case resp.Type == ResponseError:
		return "error"
	default:
		return "reply"
	}
}

// runTurn executes the state machine for one message: resolve, build
// context, invoke the model, branch on tool use, repeat.
func (l *Loop) runTurn(ctx context.Context, userID string, ref models.ConversationRef, content string, attachments []models.Attachment, opts turnOptions) (*Response, int, error) {
	user := &models.User{ID: userID, DisplayName: opts.displayName}
	if err := l.store.EnsureUser(ctx, user); err != nil {
		return nil, 0, fmt.Errorf("resolve user: %w", err)
	}
	conv, err := l.store.EnsureConversation(ctx, userID, ref)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve conversation: %w", err)
	}

	var persona *models.Persona
	if conv.PersonaID != "" {
		persona, err = l.store.GetPersona(ctx, conv.PersonaID)
		if err != nil {
			if !errors.Is(err, conversations.ErrPersonaNotFound) {
				return nil, 0, fmt.Errorf("resolve persona: %w", err)
			}
			l.logger.Warn("conversation references missing persona",
				"conversation_id", conv.ID, "persona_id", conv.PersonaID)
		}
	}

	inbound := &models.Message{
		ConversationID: conv.ID,
		Type:           models.MessageUserText,
		Content:        content,
		Attachments:    attachments,
		Synthetic:      opts.synthetic,
	}
	if err := l.store.AppendMessage(ctx, inbound); err != nil {
		return nil, 0, fmt.Errorf("persist message: %w", err)
	}

	history, err := l.store.RecentMessages(ctx, conv.ID, l.historyLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}
	msgs, report := repairToolPairing(encodeHistory(history))
	if report.changed() {
		l.logger.Debug("repaired transcript",
			"conversation_id", conv.ID,
			"synthesized", report.Synthesized,
			"dropped", report.Dropped)
	}

	defs := l.tools.ListTools(user.Permission, persona)
	system := l.systemPrompt(ctx, user, persona, content, defs)
	tools := llmTools(defs)

	uc := models.UserContext{
		UserID:         userID,
		Platform:       ref.Platform,
		ChannelID:      ref.Channel,
		ThreadID:       ref.Thread,
		ConversationID: conv.ID,
	}

	wallCtx, cancelWall := context.WithTimeout(ctx, l.maxWallTime)
	defer cancelWall()
	// The conversation ID doubles as the cancel token modules receive.
	execCtx := dispatch.WithCancelToken(wallCtx, conv.ID)

	var partial string
	iterations := 0
	for {
		if iterations >= l.maxIterations {
			resp, err := l.abortTurn(conv, userID, partial, "iteration_budget")
			return resp, iterations, err
		}
		iterations++

		req := &llm.Request{
			Model:       l.model,
			System:      system,
			Messages:    msgs,
			Tools:       tools,
			Temperature: l.temperature,
			MaxTokens:   l.maxTokens,
		}
		resp, err := l.llm.Complete(wallCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, iterations, ErrTurnCancelled
			}
			if wallCtx.Err() != nil {
				r, aerr := l.abortTurn(conv, userID, partial, "wall_clock")
				return r, iterations, aerr
			}
			l.logger.Error("completion failed", "conversation_id", conv.ID, "error", err)
			if l.metrics != nil {
				l.metrics.RecordError("agent", "completion")
			}
			return &Response{
				Type:           ResponseError,
				Content:        "The model is unavailable right now. Please try again shortly.",
				ConversationID: conv.ID,
				Metadata:       map[string]any{"error": err.Error()},
			}, iterations, nil
		}

		if resp.Content != "" {
			partial = resp.Content
			l.hub.publish(Event{
				Type:           EventAssistantDelta,
				ConversationID: conv.ID,
				UserID:         userID,
				Content:        resp.Content,
				Timestamp:      l.now(),
			})
		}

		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			return l.finishTurn(ctx, conv, userID, content, resp, iterations, opts)
		}

		callMsg := &models.Message{
			ConversationID: conv.ID,
			Type:           models.MessageToolCall,
			Content:        resp.Content,
		}
		if payload, perr := encodeCalls(resp.ToolCalls); perr == nil {
			callMsg.Payload = payload
		}
		if err := l.store.AppendMessage(ctx, callMsg); err != nil {
			return nil, iterations, fmt.Errorf("persist tool calls: %w", err)
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			l.hub.publish(Event{
				Type:           EventToolCall,
				ConversationID: conv.ID,
				UserID:         userID,
				InvocationID:   call.ID,
				ToolName:       call.Name,
				Content:        string(call.Arguments),
				Timestamp:      l.now(),
			})
		}

		results := l.executeCalls(execCtx, resp.ToolCalls, uc)

		// A superseded turn leaves the call record unanswered; transcript
		// repair synthesizes the failed results on the next turn.
		if ctx.Err() != nil {
			return nil, iterations, ErrTurnCancelled
		}
		if wallCtx.Err() != nil {
			r, aerr := l.abortTurn(conv, userID, partial, "wall_clock")
			return r, iterations, aerr
		}

		for i, call := range resp.ToolCalls {
			res := results[i]
			body := resultContent(res)
			resultMsg := &models.Message{
				ConversationID: conv.ID,
				Type:           models.MessageToolResult,
				ToolCallID:     call.ID,
				ToolName:       call.Name,
				Content:        body,
			}
			if raw, merr := json.Marshal(res); merr == nil {
				resultMsg.Payload = raw
			}
			if err := l.store.AppendMessage(ctx, resultMsg); err != nil {
				return nil, iterations, fmt.Errorf("persist tool result: %w", err)
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    body,
				IsError:    !res.Success,
			})
			l.hub.publish(Event{
				Type:           EventToolResult,
				ConversationID: conv.ID,
				UserID:         userID,
				InvocationID:   call.ID,
				ToolName:       call.Name,
				Content:        body,
				Error:          res.Error,
				Timestamp:      l.now(),
			})
		}
	}
}

// finishTurn persists the final assistant text and settles the turn.
func (l *Loop) finishTurn(ctx context.Context, conv *models.Conversation, userID, userContent string, resp *llm.Response, iterations int, opts turnOptions) (*Response, int, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		Type:           models.MessageAssistantText,
		Content:        resp.Content,
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, iterations, fmt.Errorf("persist reply: %w", err)
	}

	l.hub.publish(Event{
		Type:           EventDone,
		ConversationID: conv.ID,
		UserID:         userID,
		Content:        resp.Content,
		Timestamp:      l.now(),
	})
	l.capture(conv, userID, userContent, opts.synthetic)

	md := map[string]any{
		"model":         resp.Model,
		"provider":      resp.Provider,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"iterations":    iterations,
	}
	if resp.StopReason == llm.StopMaxTokens {
		md["truncated"] = true
	}
	return &Response{
		Type:           ResponseReply,
		Content:        resp.Content,
		ConversationID: conv.ID,
		Metadata:       md,
	}, iterations, nil
}

// abortTurn ends an over-budget turn, persisting whatever text the
// model produced so far as the partial reply.
func (l *Loop) abortTurn(conv *models.Conversation, userID, partial, reason string) (*Response, error) {
	content := partial
	if content == "" {
		content = "I had to stop before finishing this request. Ask again to continue."
	}
	// The turn context may already be past its deadline; persistence
	// gets its own brief one.
	pctx, cancel := context.WithTimeout(context.Background(), persistGrace)
	defer cancel()
	msg := &models.Message{
		ConversationID: conv.ID,
		Type:           models.MessageAssistantText,
		Content:        content,
	}
	if err := l.store.AppendMessage(pctx, msg); err != nil {
		l.logger.Error("failed to persist aborted reply", "conversation_id", conv.ID, "error", err)
	}
	l.logger.Warn("turn aborted", "conversation_id", conv.ID, "reason", reason)
	l.hub.publish(Event{
		Type:           EventDone,
		ConversationID: conv.ID,
		UserID:         userID,
		Content:        content,
		Timestamp:      l.now(),
	})
	return &Response{
		Type:           ResponseReply,
		Content:        content,
		ConversationID: conv.ID,
		Metadata:       map[string]any{"aborted": reason},
	}, nil
}

// executeCalls runs one turn's tool calls concurrently. Results come
// back indexed by request position so the transcript stays deterministic
// regardless of completion order.
func (l *Loop) executeCalls(ctx context.Context, calls []llm.ToolUse, uc models.UserContext) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolUse) {
			defer wg.Done()
			results[i] = l.executeOne(ctx, call, uc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (l *Loop) executeOne(ctx context.Context, call llm.ToolUse, uc models.UserContext) models.ToolResult {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return models.FailedResult(call.Name, fmt.Sprintf("malformed arguments: %v", err))
		}
	}
	return l.exec.Execute(ctx, models.ToolCall{
		InvocationID: call.ID,
		ToolName:     call.Name,
		Arguments:    args,
		UserID:       uc.UserID,
	}, uc)
}

// systemPrompt assembles the persona prompt, pinned project notes,
// recalled memories and the tool summary into one system block.
func (l *Loop) systemPrompt(ctx context.Context, user *models.User, persona *models.Persona, query string, defs []models.ToolDefinition) string {
	var b strings.Builder
	if persona != nil && persona.SystemPrompt != "" {
		b.WriteString(persona.SystemPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}

	if l.recall != nil {
		pinned := map[string]bool{}
		notes, err := l.recall.BySource(ctx, user.ID, memorySourceProject, projectNotesLimit)
		if err != nil {
			l.logger.Debug("project notes unavailable", "error", err)
		}
		if len(notes) > 0 {
			b.WriteString("\n\n## Project notes\n")
			for _, e := range notes {
				pinned[e.ID] = true
				b.WriteString("- ")
				b.WriteString(e.Content)
				b.WriteByte('\n')
			}
		}

		hits, err := l.recall.Search(ctx, user.ID, query, l.recallTop)
		if err != nil {
			l.logger.Debug("memory recall unavailable", "error", err)
		}
		wroteHeader := false
		for _, h := range hits {
			if pinned[h.Entry.ID] {
				continue
			}
			if !wroteHeader {
				b.WriteString("\n\n## Relevant memories\n")
				wroteHeader = true
			}
			b.WriteString("- ")
			b.WriteString(h.Entry.Content)
			b.WriteByte('\n')
		}
	}

	if len(defs) > 0 {
		b.WriteString("\n\n## Available tools\n")
		for _, def := range defs {
			b.WriteString("- ")
			b.WriteString(def.Name)
			if def.Description != "" {
				b.WriteString(": ")
				b.WriteString(def.Description)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// capture notes the user's request for future recall. Synthetic system
// messages and throwaway short prompts are not worth remembering.
func (l *Loop) capture(conv *models.Conversation, userID, content string, synthetic bool) {
	if l.recall == nil || synthetic || len([]rune(content)) < captureMinRunes {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistGrace)
	defer cancel()
	entry := &memory.Entry{
		UserID:         userID,
		ConversationID: conv.ID,
		Content:        content,
		Source:         memorySourceConversation,
	}
	if err := l.recall.Remember(ctx, entry); err != nil {
		l.logger.Warn("failed to capture memory", "error", err)
	}
}

func resultContent(res models.ToolResult) string {
	if !res.Success {
		if res.Error == "" {
			return "tool execution failed"
		}
		return res.Error
	}
	if len(res.Result) == 0 {
		return "{}"
	}
	return string(res.Result)
}

func llmTools(defs []models.ToolDefinition) []llm.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]llm.Tool, len(defs))
	for i, def := range defs {
		tools[i] = llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.ParametersSchema(),
		}
	}
	return tools
}
