package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

// Stream message types sent to log subscribers.
const (
	StreamLogLines     = "log_lines"
	StreamStatusChange = "status_change"
)

// maxLineBytes bounds a single captured log line.
const maxLineBytes = 64 * 1024

// StreamMessage is one frame on a task's live log stream.
type StreamMessage struct {
	Type   string            `json:"type"`
	TaskID string            `json:"task_id"`
	Lines  []string          `json:"lines,omitempty"`
	Offset int64             `json:"offset,omitempty"` // line offset of the first entry in Lines
	Status models.TaskStatus `json:"status,omitempty"`
}

// LogDir owns the append-only per-task log files and their live mirrors.
// The file is the durable ground truth, offsets count lines; the
// subscriber channels replay nothing themselves — new subscribers read
// history through Tail and attach at the offset Subscribe reports.
type LogDir struct {
	dir     string
	buffer  int
	metrics *observability.Metrics

	mu    sync.Mutex
	tasks map[string]*logTopic
}

type logTopic struct {
	file   *os.File
	offset int64
	subs   map[*logSub]struct{}
}

// logSub guards its channel close with a Once: both the subscriber's
// cancel and topic release may race to close it.
type logSub struct {
	ch   chan StreamMessage
	once sync.Once
}

func (s *logSub) shut() {
	s.once.Do(func() { close(s.ch) })
}

// NewLogDir creates the log directory if needed.
func NewLogDir(dir string, buffer int, metrics *observability.Metrics) (*LogDir, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &LogDir{
		dir:     dir,
		buffer:  buffer,
		metrics: metrics,
		tasks:   make(map[string]*logTopic),
	}, nil
}

func (l *LogDir) path(taskID string) string {
	return filepath.Join(l.dir, taskID+".log")
}

// topic returns the open topic for a task, creating the backing file on
// first use. Callers hold l.mu.
func (l *LogDir) topic(taskID string) (*logTopic, error) {
	if t, ok := l.tasks[taskID]; ok {
		return t, nil
	}
	file, err := os.OpenFile(l.path(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open task log: %w", err)
	}
	offset, err := countLines(l.path(taskID))
	if err != nil {
		file.Close()
		return nil, err
	}
	t := &logTopic{
		file:   file,
		offset: offset,
		subs:   make(map[*logSub]struct{}),
	}
	l.tasks[taskID] = t
	return t, nil
}

// Append persists one log line and mirrors it to live subscribers. It
// returns the line count after the append.
func (l *LogDir) Append(taskID, line string) (int64, error) {
	if len(line) > maxLineBytes {
		line = line[:maxLineBytes]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.topic(taskID)
	if err != nil {
		return 0, err
	}
	if _, err := t.file.WriteString(line + "\n"); err != nil {
		return t.offset, fmt.Errorf("failed to append log line: %w", err)
	}
	lineOffset := t.offset
	t.offset++

	l.broadcast(t, StreamMessage{
		Type:   StreamLogLines,
		TaskID: taskID,
		Lines:  []string{line},
		Offset: lineOffset,
	})
	return t.offset, nil
}

// Announce mirrors a task status change to live subscribers. Status
// changes are not written to the log file.
func (l *LogDir) Announce(taskID string, status models.TaskStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	l.broadcast(t, StreamMessage{
		Type:   StreamStatusChange,
		TaskID: taskID,
		Status: status,
	})
}

// broadcast delivers to every subscriber, evicting the oldest buffered
// message when a channel is full. Callers hold l.mu.
func (l *LogDir) broadcast(t *logTopic, msg StreamMessage) {
	for sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
				if l.metrics != nil {
					l.metrics.RecordSubscriberDrop("task_logs")
				}
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// Subscribe attaches a live subscriber to a task's log stream. It returns
// the channel, the line offset the live stream starts at, and a cancel
// function. History before that offset is read through Tail; lines at or
// after it arrive on the channel, so the two sides meet without a gap.
func (l *LogDir) Subscribe(taskID string) (<-chan StreamMessage, int64, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.topic(taskID)
	if err != nil {
		return nil, 0, nil, err
	}

	sub := &logSub{ch: make(chan StreamMessage, l.buffer)}
	t.subs[sub] = struct{}{}
	start := t.offset

	cancel := func() {
		l.mu.Lock()
		delete(t.subs, sub)
		l.mu.Unlock()
		sub.shut()
	}
	return sub.ch, start, cancel, nil
}

// Tail reads up to limit lines starting at the given line offset. It
// returns the lines and the offset of the line after the last one read.
func (l *LogDir) Tail(taskID string, offset int64, limit int) ([]string, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 100
	}

	file, err := os.Open(l.path(taskID))
	if os.IsNotExist(err) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("failed to open task log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes+1)

	var lines []string
	var n int64
	for scanner.Scan() {
		if n >= offset {
			lines = append(lines, scanner.Text())
			if len(lines) >= limit {
				n++
				break
			}
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return nil, offset, fmt.Errorf("failed to read task log: %w", err)
	}
	return lines, n, nil
}

// LineCount reports the persisted line count for a task.
func (l *LogDir) LineCount(taskID string) (int64, error) {
	l.mu.Lock()
	if t, ok := l.tasks[taskID]; ok {
		defer l.mu.Unlock()
		return t.offset, nil
	}
	l.mu.Unlock()
	return countLines(l.path(taskID))
}

// Release closes the backing file and detaches subscribers once a task is
// finished. The log file itself is preserved.
func (l *LogDir) Release(taskID string) {
	l.mu.Lock()
	t, ok := l.tasks[taskID]
	if ok {
		delete(l.tasks, taskID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	t.file.Close()
	for sub := range t.subs {
		sub.shut()
	}
}

// Close releases every open topic.
func (l *LogDir) Close() error {
	l.mu.Lock()
	topics := l.tasks
	l.tasks = make(map[string]*logTopic)
	l.mu.Unlock()

	for _, t := range topics {
		t.file.Close()
		for sub := range t.subs {
			sub.shut()
		}
	}
	return nil
}

func countLines(path string) (int64, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open task log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes+1)
	var n int64
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to count log lines: %w", err)
	}
	return n, nil
}
