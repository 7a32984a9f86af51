package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

var (
	// ErrSessionLimit is returned when a task already has the maximum
	// number of terminal sessions.
	ErrSessionLimit = errors.New("terminal session limit reached")

	// ErrTaskNotRunning is returned when a terminal is requested for a
	// task without a live container.
	ErrTaskNotRunning = errors.New("task has no running container")
)

// termReadBuf sizes one read from the PTY.
const termReadBuf = 4096

// Terminals is the registry of live terminal sessions across tasks.
type Terminals struct {
	runtime    ContainerRuntime
	maxPerTask int
	idle       time.Duration
	subBuffer  int
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Terminal
	closed   bool
}

// NewTerminals creates the session registry.
func NewTerminals(runtime ContainerRuntime, maxPerTask int, idle time.Duration, subBuffer int, logger *slog.Logger, metrics *observability.Metrics) *Terminals {
	if maxPerTask <= 0 {
		maxPerTask = 5
	}
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	if subBuffer <= 0 {
		subBuffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminals{
		runtime:    runtime,
		maxPerTask: maxPerTask,
		idle:       idle,
		subBuffer:  subBuffer,
		logger:     logger.With("component", "terminals"),
		metrics:    metrics,
		now:        time.Now,
		sessions:   make(map[string]*Terminal),
	}
}

// Open creates a terminal session on the task's container, or joins the
// existing session carrying the same id. A session outlives a container
// restart only while the container ref is unchanged; a stale session is
// discarded and replaced. At most maxPerTask sessions exist per task.
func (t *Terminals) Open(ctx context.Context, task *models.Task, sessionID string, rows, cols uint) (*Terminal, error) {
	if task.ContainerRef == "" || task.Status != models.TaskRunning {
		return nil, ErrTaskNotRunning
	}
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("terminal registry is closed")
	}
	if sessionID != "" {
		if existing, ok := t.sessions[sessionID]; ok {
			if existing.taskID == task.ID && existing.containerRef == task.ContainerRef {
				existing.touch(t.now())
				t.mu.Unlock()
				return existing, nil
			}
			// Same id against a replaced container: the old PTY is gone.
			delete(t.sessions, sessionID)
			t.mu.Unlock()
			existing.shutdown()
			t.mu.Lock()
		}
	}

	if count := t.countForTask(task.ID); count >= t.maxPerTask {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions", ErrSessionLimit, count)
	}
	t.mu.Unlock()

	conn, err := t.runtime.OpenTerminal(ctx, task.ContainerRef, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminal: %w", err)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess := &Terminal{
		id:           sessionID,
		taskID:       task.ID,
		containerRef: task.ContainerRef,
		conn:         conn,
		rows:         rows,
		cols:         cols,
		lastActivity: t.now(),
		subs:         make(map[*termSub]struct{}),
		registry:     t,
	}

	// The registry was unlocked across OpenTerminal, so every admission
	// condition is re-checked before the insert.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, errors.New("terminal registry is closed")
	}
	if prior, ok := t.sessions[sessionID]; ok {
		// Two clients raced to create the same session; keep the first.
		t.mu.Unlock()
		conn.Close()
		return prior, nil
	}
	if count := t.countForTask(task.ID); count >= t.maxPerTask {
		t.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("%w: %d sessions", ErrSessionLimit, count)
	}
	t.sessions[sessionID] = sess
	t.mu.Unlock()

	go sess.pump()
	t.logger.Debug("terminal session opened", "session_id", sessionID, "task_id", task.ID)
	return sess, nil
}

// countForTask counts the task's live sessions. Caller holds t.mu.
func (t *Terminals) countForTask(taskID string) int {
	count := 0
	for _, sess := range t.sessions {
		if sess.taskID == taskID {
			count++
		}
	}
	return count
}

// Get returns the live session with the id, if any.
func (t *Terminals) Get(sessionID string) (*Terminal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[sessionID]
	return sess, ok
}

// ForTask snapshots the sessions attached to a task.
func (t *Terminals) ForTask(taskID string) []models.TerminalSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.TerminalSession
	for _, sess := range t.sessions {
		if sess.taskID == taskID {
			out = append(out, sess.snapshot())
		}
	}
	return out
}

// CloseTask shuts every session attached to a task, for container
// teardown.
func (t *Terminals) CloseTask(taskID string) {
	t.mu.Lock()
	var doomed []*Terminal
	for id, sess := range t.sessions {
		if sess.taskID == taskID {
			doomed = append(doomed, sess)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()
	for _, sess := range doomed {
		sess.shutdown()
	}
}

// Start runs the idle reaper until the context is cancelled.
func (t *Terminals) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.reapIdle()
			}
		}
	}()
}

func (t *Terminals) reapIdle() {
	deadline := t.now().Add(-t.idle)
	t.mu.Lock()
	var doomed []*Terminal
	for id, sess := range t.sessions {
		if sess.idleSince().Before(deadline) {
			doomed = append(doomed, sess)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()
	for _, sess := range doomed {
		t.logger.Info("closing idle terminal session", "session_id", sess.id, "task_id", sess.taskID)
		sess.shutdown()
	}
}

// Close shuts every session.
func (t *Terminals) Close() error {
	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = make(map[string]*Terminal)
	t.mu.Unlock()
	for _, sess := range sessions {
		sess.shutdown()
	}
	return nil
}

// remove drops a session that ended on its own (PTY EOF).
func (t *Terminals) remove(sess *Terminal) {
	t.mu.Lock()
	if current, ok := t.sessions[sess.id]; ok && current == sess {
		delete(t.sessions, sess.id)
	}
	t.mu.Unlock()
}

// Terminal is one interactive PTY attached to a task container, fanned
// out to any number of WebSocket subscribers. Subscribers receive only
// output produced after they attach; there is no byte-level replay.
type Terminal struct {
	id           string
	taskID       string
	containerRef string
	conn         TerminalConn
	registry     *Terminals

	mu           sync.Mutex
	rows, cols   uint
	lastActivity time.Time
	subs         map[*termSub]struct{}
	closed       bool
}

type termSub struct {
	ch   chan []byte
	once sync.Once
}

func (s *termSub) shut() {
	s.once.Do(func() { close(s.ch) })
}

// ID returns the session id clients reattach with.
func (s *Terminal) ID() string { return s.id }

// TaskID returns the owning task.
func (s *Terminal) TaskID() string { return s.taskID }

// Attach subscribes to the PTY output stream. The returned channel closes
// when the session ends; the cancel function releases the subscription.
func (s *Terminal) Attach() (<-chan []byte, func()) {
	sub := &termSub{ch: make(chan []byte, s.registry.subBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.shut()
		return sub.ch, func() {}
	}
	s.subs[sub] = struct{}{}
	s.lastActivity = s.registry.now()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		sub.shut()
	}
	return sub.ch, cancel
}

// Input writes keystrokes to the PTY.
func (s *Terminal) Input(data []byte) error {
	s.touch(s.registry.now())
	_, err := s.conn.Write(data)
	return err
}

// Resize adjusts the PTY dimensions.
func (s *Terminal) Resize(ctx context.Context, rows, cols uint) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("rows and cols must be positive")
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.lastActivity = s.registry.now()
	s.mu.Unlock()
	return s.conn.Resize(ctx, rows, cols)
}

// pump reads PTY output and fans it out until the PTY closes.
func (s *Terminal) pump() {
	buf := make([]byte, termReadBuf)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.broadcast(chunk)
		}
		if err != nil {
			break
		}
	}
	s.registry.remove(s)
	s.shutdown()
}

func (s *Terminal) broadcast(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.registry.now()
	for sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			select {
			case <-sub.ch:
				if s.registry.metrics != nil {
					s.registry.metrics.RecordSubscriberDrop("terminal")
				}
			default:
			}
			select {
			case sub.ch <- chunk:
			default:
			}
		}
	}
}

func (s *Terminal) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Terminal) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Terminal) snapshot() models.TerminalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.TerminalSession{
		ID:             s.id,
		TaskID:         s.taskID,
		Rows:           int(s.rows),
		Cols:           int(s.cols),
		LastActivityAt: s.lastActivity,
		Subscribers:    len(s.subs),
	}
}

// shutdown closes the PTY and every subscriber channel. Safe to call more
// than once.
func (s *Terminal) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*termSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*termSub]struct{})
	s.mu.Unlock()

	s.conn.Close()
	for _, sub := range subs {
		sub.shut()
	}
}
