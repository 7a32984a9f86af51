package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// dedupeWindow is how many recent (kind, ref) pairs the consumer remembers.
const dedupeWindow = 128

// LoggingConsumer drains platform channels and logs each delivery. It ships
// for dev mode, standing in for a real platform adapter, and follows the
// consumer contract: delivery is at-least-once, so duplicates are detected
// on the (Kind, Ref) pair and logged once.
type LoggingConsumer struct {
	bus    Bus
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewLoggingConsumer creates a consumer that logs notifications.
func NewLoggingConsumer(b Bus, logger *slog.Logger) *LoggingConsumer {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}
	return &LoggingConsumer{
		bus:    b,
		logger: logger,
		seen:   make(map[string]struct{}, dedupeWindow),
		ring:   make([]string, dedupeWindow),
	}
}

// Run consumes the given platforms until the context is cancelled.
func (c *LoggingConsumer) Run(ctx context.Context, platforms ...string) {
	var wg sync.WaitGroup
	for _, platform := range platforms {
		ch, cancel := c.bus.Subscribe(platform)
		wg.Add(1)
		go func(platform string, ch <-chan models.Notification, cancel func()) {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ch:
					if !ok {
						return
					}
					if c.observe(n) {
						c.logger.Debug("duplicate notification",
							"platform", platform, "kind", n.Kind, "ref", n.Ref)
						continue
					}
					c.logger.Info("notification",
						"platform", platform, "kind", n.Kind, "ref", n.Ref,
						"user_id", n.UserID, "channel", n.Channel, "content", n.Content)
				}
			}
		}(platform, ch, cancel)
	}
	wg.Wait()
}

// observe records the notification's dedupe key and reports whether it was
// already seen within the window. Notifications without a ref are never
// treated as duplicates.
func (c *LoggingConsumer) observe(n models.Notification) bool {
	if n.Ref == "" {
		return false
	}
	key := string(n.Kind) + "|" + n.Ref

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.seen, old)
	}
	c.ring[c.next] = key
	c.next = (c.next + 1) % dedupeWindow
	c.seen[key] = struct{}{}
	return false
}
