package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

const (
	// Postgres caps NOTIFY payloads at 8000 bytes; leave headroom for the
	// envelope so oversized content gets truncated instead of rejected.
	maxNotifyPayload = 7800

	pingInterval         = 90 * time.Second
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// pgChannel maps a platform to its Postgres NOTIFY channel. The logical
// "notifications:{platform}" name travels inside the payload envelope.
func pgChannel(platform string) string {
	return "loom_notifications_" + platform
}

type pgSubscription struct {
	out      chan models.Notification
	done     chan struct{}
	stopOnce sync.Once
}

func (s *pgSubscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// PostgresBus is a Bus backed by Postgres LISTEN/NOTIFY, for deployments
// where the scheduler and the platform adapters live in separate processes.
// NOTIFY reaches only currently-connected listeners; notifications emitted
// across a reconnect gap are lost, which the consumer dedupe contract
// already tolerates.
type PostgresBus struct {
	db  *sql.DB
	dsn string

	mu     sync.Mutex
	subs   map[*pgSubscription]struct{}
	closed bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// PostgresOption configures a PostgresBus.
type PostgresOption func(*PostgresBus)

// WithPostgresLogger sets the bus logger.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(b *PostgresBus) { b.logger = logger }
}

// WithPostgresMetrics sets the metrics sink.
func WithPostgresMetrics(m *observability.Metrics) PostgresOption {
	return func(b *PostgresBus) { b.metrics = m }
}

// NewPostgresBus creates a LISTEN/NOTIFY bus from a DSN.
func NewPostgresBus(dsn string, opts ...PostgresOption) (*PostgresBus, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newPostgresBusWithDB(db, dsn, opts...), nil
}

func newPostgresBusWithDB(db *sql.DB, dsn string, opts ...PostgresOption) *PostgresBus {
	b := &PostgresBus{
		db:     db,
		dsn:    dsn,
		subs:   make(map[*pgSubscription]struct{}),
		logger: slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *PostgresBus) Publish(ctx context.Context, n models.Notification) error {
	if n.Type == "" {
		n.Type = "notification"
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	for len(payload) > maxNotifyPayload {
		cut := len(payload) - maxNotifyPayload + 64
		if cut >= len(n.Content) {
			return fmt.Errorf("notification payload too large (%d bytes)", len(payload))
		}
		n.Content = n.Content[:len(n.Content)-cut] + "…"
		if payload, err = json.Marshal(n); err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", pgChannel(n.Platform), string(payload)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if b.metrics != nil {
		b.metrics.RecordNotification(n.Platform, string(n.Kind))
	}
	return nil
}

func (b *PostgresBus) Subscribe(platform string) (<-chan models.Notification, func()) {
	sub := &pgSubscription{
		out:  make(chan models.Notification, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	listener := pq.NewListener(b.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.logger.Warn("listener event", "platform", platform, "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(pgChannel(platform)); err != nil {
		b.logger.Error("failed to listen", "platform", platform, "error", err)
		listener.Close()
		b.removeSub(sub)
		close(sub.out)
		return sub.out, func() {}
	}

	go b.run(sub, listener, platform)

	cancel := func() {
		b.removeSub(sub)
		sub.stop()
	}
	return sub.out, cancel
}

func (b *PostgresBus) removeSub(sub *pgSubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *PostgresBus) run(sub *pgSubscription, listener *pq.Listener, platform string) {
	defer close(sub.out)
	defer listener.Close()

	for {
		select {
		case <-sub.done:
			return
		case item := <-listener.Notify:
			if item == nil {
				// Connection re-established; anything NOTIFYed during the
				// gap is gone.
				b.logger.Warn("listener reconnected", "platform", platform)
				continue
			}
			b.deliver(sub, platform, item.Extra)
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					b.logger.Warn("listener ping failed", "platform", platform, "error", err)
				}
			}()
		}
	}
}

func (b *PostgresBus) deliver(sub *pgSubscription, platform, payload string) {
	n, err := models.DecodeNotification([]byte(payload))
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordError("bus", "malformed_payload")
		}
		b.logger.Warn("discarding malformed notification", "platform", platform, "error", err)
		return
	}
	select {
	case sub.out <- *n:
	default:
		if b.metrics != nil {
			b.metrics.RecordSubscriberDrop("notifications")
		}
		b.logger.Warn("subscriber lagging, notification dropped",
			"platform", platform, "kind", n.Kind, "ref", n.Ref)
	}
}

// Close stops all listeners and closes the publish connection.
func (b *PostgresBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*pgSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*pgSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return b.db.Close()
}
