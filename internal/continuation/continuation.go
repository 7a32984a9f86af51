// Package continuation re-enters conversations when scheduled work
// completes. A job configured with resume_conversation hands its
// rendered completion message back to the agent loop as if the owning
// user had sent it; the agent's reply then travels to the platform as a
// regular notification.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

// ErrNoConversation reports a resume_conversation job that was created
// without a conversation to resume.
var ErrNoConversation = errors.New("continuation: job has no conversation")

// Agent is the turn loop the gateway re-enters. *agent.Loop implements it.
type Agent interface {
	HandleMessage(ctx context.Context, userID string, ref models.ConversationRef, content string, attachments []models.Attachment, opts ...agent.TurnOption) (*agent.Response, error)
}

// ConversationSource resolves conversation ids to their records.
// conversations.Store implements it.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Publisher carries notifications to platform consumers. bus.Bus
// implements it.
type Publisher interface {
	Publish(ctx context.Context, n models.Notification) error
}

// Gateway turns completed jobs back into conversation turns.
type Gateway struct {
	agent   Agent
	convs   ConversationSource
	bus     Publisher
	logger  *slog.Logger
	metrics *observability.Metrics
	nonce   func() string
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithNonce overrides the workflow-thread nonce source, for tests.
func WithNonce(nonce func() string) Option {
	return func(g *Gateway) { g.nonce = nonce }
}

// New creates the continuation gateway.
func New(loop Agent, convs ConversationSource, bus Publisher, opts ...Option) *Gateway {
	g := &Gateway{
		agent:  loop,
		convs:  convs,
		bus:    bus,
		logger: slog.Default().With("component", "continuation"),
		nonce:  func() string { return uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resume feeds the job's rendered completion message back into its
// conversation as a synthetic user turn. Workflow jobs get a fresh
// wf-{workflow_id}-{nonce} thread so each phase starts from a cold
// context instead of dragging the whole workflow history along. When
// the turn cannot run, Resume degrades to a plain notification so the
// completion still reaches the user.
func (g *Gateway) Resume(ctx context.Context, job *models.Job, rendered string) error {
	conversationID := job.PlatformContext.ConversationID
	if conversationID == "" {
		g.recordFailure(job, "missing_conversation", ErrNoConversation)
		return g.degrade(ctx, job, rendered)
	}

	conv, err := g.convs.GetConversation(ctx, conversationID)
	if err != nil {
		g.recordFailure(job, "conversation_lookup", err)
		return g.degrade(ctx, job, rendered)
	}

	ref := conv.Ref()
	if job.WorkflowID != "" {
		ref.Thread = fmt.Sprintf("wf-%s-%s", job.WorkflowID, g.nonce())
	}

	resp, err := g.agent.HandleMessage(ctx, conv.UserID, ref, rendered, nil, agent.AsSynthetic())
	if err != nil {
		g.recordFailure(job, "handle_message", err)
		return g.degrade(ctx, job, rendered)
	}
	if resp.Type == agent.ResponseError {
		g.recordFailure(job, "agent_error", errors.New(resp.Content))
		return g.degrade(ctx, job, rendered)
	}

	g.logger.Info("conversation resumed",
		"job_id", job.ID,
		"conversation_id", resp.ConversationID,
		"workflow_id", job.WorkflowID)

	// The reply reaches the platform the same way notify completions do;
	// consumers dedupe on (kind, ref) if the degrade path already fired.
	n := g.notification(job, resp.Content)
	n.ConversationID = resp.ConversationID
	if err := g.bus.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish resumed reply: %w", err)
	}
	return nil
}

// degrade falls back to the notify path with the rendered message.
func (g *Gateway) degrade(ctx context.Context, job *models.Job, rendered string) error {
	if err := g.bus.Publish(ctx, g.notification(job, rendered)); err != nil {
		return fmt.Errorf("degrade to notify: %w", err)
	}
	return nil
}

func (g *Gateway) notification(job *models.Job, content string) models.Notification {
	return models.Notification{
		UserID:         job.UserID,
		Platform:       job.PlatformContext.Platform,
		Channel:        job.PlatformContext.Channel,
		Thread:         job.PlatformContext.Thread,
		ConversationID: job.PlatformContext.ConversationID,
		Content:        content,
		Kind:           models.KindJobSuccess,
		Ref:            job.ID,
	}
}

func (g *Gateway) recordFailure(job *models.Job, reason string, err error) {
	g.logger.Error("resume failed, degrading to notify",
		"job_id", job.ID,
		"reason", reason,
		"error", err)
	if g.metrics != nil {
		g.metrics.RecordError("continuation", reason)
	}
}
