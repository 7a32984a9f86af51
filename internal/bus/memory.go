package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. The buffer only
// smooths bursts: a subscriber that falls this far behind backpressures
// the producer instead of losing notifications. Delivery is abandoned
// only when the producer's context or the subscription itself is
// cancelled.
const subscriberBuffer = 64

type subscription struct {
	ch   chan models.Notification
	done chan struct{}

	// mu keeps close(ch) from racing a blocked send: deliver holds the
	// read side, close takes the write side after done is signalled.
	mu   sync.RWMutex
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// deliver blocks until the subscriber takes the notification, the
// subscription ends, or the producer's context is cancelled. Only the
// last case is an error; a cancelled subscriber forfeits delivery.
func (s *subscription) deliver(ctx context.Context, n models.Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- n:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemoryBus is an in-process Bus for single-node deployments and tests.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscription]struct{}
	closed      bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMemoryLogger sets the bus logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBus) { b.logger = logger }
}

// WithMemoryMetrics sets the metrics sink.
func WithMemoryMetrics(m *observability.Metrics) MemoryOption {
	return func(b *MemoryBus) { b.metrics = m }
}

// NewMemoryBus creates an in-process notification bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[string]map[*subscription]struct{}),
		logger:      slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Publish(ctx context.Context, n models.Notification) error {
	if n.Type == "" {
		n.Type = "notification"
	}
	if b.metrics != nil {
		b.metrics.RecordNotification(n.Platform, string(n.Kind))
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	listeners := make([]*subscription, 0, len(b.subscribers[n.Platform]))
	for sub := range b.subscribers[n.Platform] {
		listeners = append(listeners, sub)
	}
	b.mu.RUnlock()

	if len(listeners) == 0 {
		b.logger.Debug("notification with no subscriber",
			"platform", n.Platform, "kind", n.Kind, "ref", n.Ref)
		return nil
	}
	for _, sub := range listeners {
		if err := sub.deliver(ctx, n); err != nil {
			if b.metrics != nil {
				b.metrics.RecordSubscriberDrop("notifications")
			}
			b.logger.Warn("notification delivery abandoned",
				"platform", n.Platform, "kind", n.Kind, "ref", n.Ref, "error", err)
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(platform string) (<-chan models.Notification, func()) {
	sub := &subscription{
		ch:   make(chan models.Notification, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	listeners := b.subscribers[platform]
	if listeners == nil {
		listeners = make(map[*subscription]struct{})
		b.subscribers[platform] = listeners
	}
	listeners[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if listeners := b.subscribers[platform]; listeners != nil {
			delete(listeners, sub)
			if len(listeners) == 0 {
				delete(b.subscribers, platform)
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Close drops all subscriptions and closes their channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, listeners := range b.subscribers {
		for sub := range listeners {
			sub.close()
		}
	}
	b.subscribers = make(map[string]map[*subscription]struct{})
	return nil
}
