package agent

import (
	"context"
	"sync"
)

// turnTable serializes turns per conversation in message-arrival order.
// A newly arriving message cancels the turn currently holding the slot;
// queued turns still run, each in its own right, once the slot frees.
// Entries are removed as soon as a conversation goes idle, so the table
// holds state only for conversations with work in flight.
type turnTable struct {
	mu    sync.Mutex
	gates map[string]*turnGate
}

type turnGate struct {
	busy   bool
	cancel context.CancelFunc // cancels the turn holding the slot
	queue  []chan struct{}    // waiters in arrival order
}

func newTurnTable() *turnTable {
	return &turnTable{gates: make(map[string]*turnGate)}
}

// begin claims the conversation slot, waiting in FIFO order behind any
// earlier arrivals. If a turn is already running it is cancelled; the
// newer message supersedes it. cancel becomes the armed cancel function
// for the claimed slot. The returned release must be called exactly
// once when the turn ends.
func (t *turnTable) begin(ctx context.Context, key string, cancel context.CancelFunc) (func(), error) {
	t.mu.Lock()
	gate, ok := t.gates[key]
	if !ok {
		gate = &turnGate{}
		t.gates[key] = gate
	}

	if !gate.busy {
		gate.busy = true
		gate.cancel = cancel
		t.mu.Unlock()
		return func() { t.release(key) }, nil
	}

	if gate.cancel != nil {
		gate.cancel()
		gate.cancel = nil
	}
	ticket := make(chan struct{})
	gate.queue = append(gate.queue, ticket)
	t.mu.Unlock()

	select {
	case <-ticket:
		// The slot was handed to us still marked busy; arm our cancel.
		t.mu.Lock()
		gate.cancel = cancel
		t.mu.Unlock()
		return func() { t.release(key) }, nil
	case <-ctx.Done():
		t.mu.Lock()
		select {
		case <-ticket:
			// The hand-off raced our give-up; we own the slot, pass it on.
			t.mu.Unlock()
			t.release(key)
			return nil, ctx.Err()
		default:
		}
		for i, c := range gate.queue {
			if c == ticket {
				gate.queue = append(gate.queue[:i], gate.queue[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release frees the slot, handing it to the next queued waiter or
// dropping the gate entirely when no one is waiting.
func (t *turnTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate, ok := t.gates[key]
	if !ok {
		return
	}
	gate.cancel = nil
	if len(gate.queue) > 0 {
		next := gate.queue[0]
		gate.queue = gate.queue[1:]
		// busy stays true across the hand-off so no one steals the slot.
		close(next)
		return
	}
	gate.busy = false
	delete(t.gates, key)
}

// preempt cancels the turn currently running for the conversation and
// reports whether one was in flight.
func (t *turnTable) preempt(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate, ok := t.gates[key]
	if !ok || gate.cancel == nil {
		return false
	}
	gate.cancel()
	gate.cancel = nil
	return true
}

// inFlight reports whether a turn currently holds the slot.
func (t *turnTable) inFlight(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate, ok := t.gates[key]
	return ok && gate.busy
}
