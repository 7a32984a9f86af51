package llm

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/loomworks/loom/internal/observability"
)

// Adapter translates canonical requests for one provider family.
type Adapter interface {
	// Name identifies the provider for logs and metrics.
	Name() string

	// Patterns returns the model-name globs the adapter serves,
	// e.g. "claude-*" or "gpt-4*".
	Patterns() []string

	// Complete performs one model call. Failures should be returned as
	// *ProviderError so the router can classify them.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Router dispatches requests to adapters by model name and walks the
// fallback chain on transient failures.
type Router struct {
	adapters []Adapter
	// chain lists model ids tried, in order, after the requested model
	// fails transiently.
	chain []string
	// retryAfterThreshold bounds the same-model wait on a 429: an
	// advertised Retry-After at or under it earns one in-place retry,
	// anything longer advances the chain immediately.
	retryAfterThreshold time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithFallbackChain sets the model ids tried after a transient failure.
func WithFallbackChain(models []string) RouterOption {
	return func(r *Router) {
		r.chain = append([]string(nil), models...)
	}
}

// WithRetryAfterThreshold sets the 429 same-model retry cutoff.
func WithRetryAfterThreshold(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.retryAfterThreshold = d
		}
	}
}

// WithRouterLogger overrides the router logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracer attaches the tracer.
func WithTracer(t *observability.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithSleep overrides the retry wait for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RouterOption {
	return func(r *Router) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// NewRouter creates a router over the given adapters. Adapter order breaks
// pattern ties: the first match wins.
func NewRouter(adapters []Adapter, opts ...RouterOption) *Router {
	r := &Router{
		adapters:            adapters,
		retryAfterThreshold: 5 * time.Second,
		logger:              slog.Default().With("component", "llm"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// adapterFor returns the first adapter whose pattern matches the model id.
func (r *Router) adapterFor(model string) (Adapter, error) {
	for _, a := range r.adapters {
		for _, pattern := range a.Patterns() {
			if ok, err := path.Match(pattern, model); err == nil && ok {
				return a, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// Complete runs the request against the matching adapter, falling back
// through the chain on transient failures. Non-transient failures and an
// exhausted chain surface the last provider error.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	candidates := r.candidateModels(req.Model)

	var lastErr error
	for i, model := range candidates {
		attempt := *req
		attempt.Model = model

		resp, err := r.completeOnce(ctx, &attempt)
		if err == nil {
			if i > 0 {
				r.logger.Info("fallback model answered", "requested", req.Model, "model", model)
			}
			return r.sanitizeToolCalls(&attempt, resp), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
		if i < len(candidates)-1 {
			reason := string(ClassifyError(err))
			if pe, ok := AsProviderError(err); ok {
				reason = string(pe.Reason)
			}
			if r.metrics != nil {
				r.metrics.RecordFallback(model, candidates[i+1], reason)
			}
			r.logger.Warn("advancing fallback chain",
				"from", model, "to", candidates[i+1], "reason", reason, "error", err)
		}
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// completeOnce calls the adapter for one model, honoring the single
// same-model retry on short rate-limit waits.
func (r *Router) completeOnce(ctx context.Context, req *Request) (*Response, error) {
	adapter, err := r.adapterFor(req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := r.invoke(ctx, adapter, req)
	if err == nil {
		return resp, nil
	}

	if pe, ok := AsProviderError(err); ok &&
		pe.Reason == ReasonRateLimit &&
		pe.RetryAfter > 0 && pe.RetryAfter <= r.retryAfterThreshold {
		r.logger.Debug("rate limited, retrying same model",
			"model", req.Model, "retry_after", pe.RetryAfter)
		if werr := r.sleep(ctx, pe.RetryAfter); werr != nil {
			return nil, werr
		}
		return r.invoke(ctx, adapter, req)
	}
	return nil, err
}

func (r *Router) invoke(ctx context.Context, adapter Adapter, req *Request) (*Response, error) {
	start := time.Now()
	var spanEnd func(error)
	if r.tracer != nil {
		tctx, span := r.tracer.TraceLLMRequest(ctx, adapter.Name(), req.Model)
		ctx = tctx
		spanEnd = func(err error) {
			if err != nil {
				r.tracer.RecordError(span, err)
			}
			span.End()
		}
	}

	resp, err := adapter.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()

	if spanEnd != nil {
		spanEnd(err)
	}
	if r.metrics != nil {
		if err != nil {
			r.metrics.RecordLLMRequest(adapter.Name(), req.Model, "error", elapsed, 0, 0)
		} else {
			r.metrics.RecordLLMRequest(adapter.Name(), req.Model, "success", elapsed, resp.InputTokens, resp.OutputTokens)
		}
	}
	return resp, err
}

// candidateModels returns the requested model followed by the fallback
// chain entries, deduplicated in order.
func (r *Router) candidateModels(requested string) []string {
	out := []string{requested}
	seen := map[string]bool{requested: true}
	for _, m := range r.chain {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// sanitizeToolCalls drops tool calls naming tools that were not offered in
// the request. If every call is dropped the response is downgraded to a
// plain end_turn answer with a short warning appended.
func (r *Router) sanitizeToolCalls(req *Request, resp *Response) *Response {
	if len(resp.ToolCalls) == 0 {
		return resp
	}
	offered := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		offered[t.Name] = true
	}

	kept := resp.ToolCalls[:0:0]
	for _, call := range resp.ToolCalls {
		if offered[call.Name] {
			kept = append(kept, call)
			continue
		}
		r.logger.Warn("model requested unknown tool", "tool", call.Name, "model", resp.Model)
		if r.metrics != nil {
			r.metrics.RecordError("llm", "unknown_tool_call")
		}
	}
	if len(kept) == len(resp.ToolCalls) {
		return resp
	}
	resp.ToolCalls = kept
	if len(kept) == 0 && resp.StopReason == StopToolUse {
		resp.StopReason = StopEndTurn
		if resp.Content != "" {
			resp.Content += "\n\n"
		}
		resp.Content += "(a requested tool was not available)"
	}
	return resp
}
