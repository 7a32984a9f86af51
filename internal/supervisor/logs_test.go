package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func newTestLogDir(t *testing.T, buffer int) *LogDir {
	t.Helper()
	logs, err := NewLogDir(t.TempDir(), buffer, nil)
	if err != nil {
		t.Fatalf("new log dir: %v", err)
	}
	t.Cleanup(func() { logs.Close() })
	return logs
}

func recvMessage(t *testing.T, ch <-chan StreamMessage) StreamMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
	}
	return StreamMessage{}
}

func TestAppendAndTail(t *testing.T) {
	logs := newTestLogDir(t, 16)

	for i := 0; i < 5; i++ {
		offset, err := logs.Append("t1", fmt.Sprintf("line %d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if offset != int64(i+1) {
			t.Fatalf("offset after append %d = %d", i, offset)
		}
	}

	lines, next, err := logs.Tail("t1", 0, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 3 || lines[0] != "line 0" || lines[2] != "line 2" {
		t.Fatalf("lines = %v", lines)
	}
	if next != 3 {
		t.Fatalf("next = %d, want 3", next)
	}

	lines, next, err = logs.Tail("t1", next, 10)
	if err != nil {
		t.Fatalf("tail rest: %v", err)
	}
	if len(lines) != 2 || lines[0] != "line 3" || lines[1] != "line 4" {
		t.Fatalf("rest = %v", lines)
	}
	if next != 5 {
		t.Fatalf("next = %d, want 5", next)
	}

	// Tail on an unknown task reads nothing.
	lines, _, err = logs.Tail("missing", 0, 10)
	if err != nil || len(lines) != 0 {
		t.Fatalf("missing task tail = %v, %v", lines, err)
	}
}

func TestSubscribeOffsetClosesTheGap(t *testing.T) {
	logs := newTestLogDir(t, 16)

	logs.Append("t1", "before a")
	logs.Append("t1", "before b")

	ch, start, cancel, err := logs.Subscribe("t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if start != 2 {
		t.Fatalf("start offset = %d, want 2", start)
	}

	// History lives below the start offset.
	history, next, err := logs.Tail("t1", 0, int(start))
	if err != nil {
		t.Fatalf("tail history: %v", err)
	}
	if len(history) != 2 || next != start {
		t.Fatalf("history = %v next = %d", history, next)
	}

	logs.Append("t1", "after")
	msg := recvMessage(t, ch)
	if msg.Type != StreamLogLines || msg.Offset != start {
		t.Fatalf("msg = %+v", msg)
	}
	if len(msg.Lines) != 1 || msg.Lines[0] != "after" {
		t.Fatalf("lines = %v", msg.Lines)
	}
}

func TestAnnounceStatusNotPersisted(t *testing.T) {
	logs := newTestLogDir(t, 16)

	ch, _, cancel, err := logs.Subscribe("t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	logs.Announce("t1", models.TaskRunning)
	msg := recvMessage(t, ch)
	if msg.Type != StreamStatusChange || msg.Status != models.TaskRunning {
		t.Fatalf("msg = %+v", msg)
	}

	n, err := logs.LineCount("t1")
	if err != nil {
		t.Fatalf("line count: %v", err)
	}
	if n != 0 {
		t.Errorf("status change leaked into the file: %d lines", n)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	logs := newTestLogDir(t, 2)

	ch, _, cancel, err := logs.Subscribe("t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Nobody reading: the third line evicts the first.
	logs.Append("t1", "one")
	logs.Append("t1", "two")
	logs.Append("t1", "three")

	first := recvMessage(t, ch)
	if first.Lines[0] != "two" {
		t.Errorf("first buffered line = %q, want %q", first.Lines[0], "two")
	}

	// The file kept everything regardless.
	n, _ := logs.LineCount("t1")
	if n != 3 {
		t.Errorf("line count = %d, want 3", n)
	}
}

func TestOffsetsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	logs, err := NewLogDir(dir, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	logs.Append("t1", "one")
	logs.Append("t1", "two")
	logs.Close()

	reopened, err := NewLogDir(dir, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	offset, err := reopened.Append("t1", "three")
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if offset != 3 {
		t.Fatalf("offset = %d, want 3", offset)
	}
	lines, _, err := reopened.Tail("t1", 0, 10)
	if err != nil || len(lines) != 3 {
		t.Fatalf("lines = %v, err = %v", lines, err)
	}
}

func TestReleaseClosesSubscribersKeepsFile(t *testing.T) {
	logs := newTestLogDir(t, 16)

	logs.Append("t1", "kept")
	ch, _, cancel, err := logs.Subscribe("t1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	logs.Release("t1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed on release")
	}

	lines, _, err := logs.Tail("t1", 0, 10)
	if err != nil || len(lines) != 1 || lines[0] != "kept" {
		t.Fatalf("file lost after release: %v, %v", lines, err)
	}
}

func TestLongLinesTruncated(t *testing.T) {
	logs := newTestLogDir(t, 16)

	huge := make([]byte, maxLineBytes+100)
	for i := range huge {
		huge[i] = 'x'
	}
	if _, err := logs.Append("t1", string(huge)); err != nil {
		t.Fatalf("append: %v", err)
	}
	lines, _, err := logs.Tail("t1", 0, 1)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 1 || len(lines[0]) != maxLineBytes {
		t.Fatalf("stored line length = %d, want %d", len(lines[0]), maxLineBytes)
	}
}
