package agent

import (
	"sync"
	"time"

	"github.com/loomworks/loom/internal/observability"
)

// EventType discriminates the intermediate events streamed during a turn.
type EventType string

const (
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventAssistantDelta EventType = "assistant_delta"
	EventDone           EventType = "done"
)

// Event is one observable step of an in-flight turn. Subscribers see
// tool calls and results as they happen and a final done marker when
// the turn settles.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	InvocationID   string    `json:"invocation_id,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	Content        string    `json:"content,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// eventHub fans turn events out to subscribers. Buffers are bounded;
// when a subscriber falls behind, the oldest buffered event is evicted
// so slow consumers see recent activity rather than a stale backlog.
type eventHub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	buffer  int
	closed  bool
	metrics *observability.Metrics
}

func newEventHub(buffer int, metrics *observability.Metrics) *eventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventHub{
		subs:    make(map[chan Event]struct{}),
		buffer:  buffer,
		metrics: metrics,
	}
}

// subscribe registers a new consumer. The cancel function releases the
// subscription and closes the channel; calling it twice is safe.
func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publish delivers the event to every subscriber, evicting the oldest
// buffered event when a buffer is full.
func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
			if h.metrics != nil {
				h.metrics.RecordSubscriberDrop("agent_events")
			}
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// close shuts the hub down and closes every subscriber channel.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
