package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/supervisor"
)

// logReplayChunk bounds one history frame during catch-up.
const logReplayChunk = 500

// handleTaskLogsWS streams a task's log lines over a WebSocket. History
// from the requested offset is replayed from the file first; the live
// subscription was opened before the replay started, so the hand-off
// between the two is gap-free.
func (s *Server) handleTaskLogsWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	task, err := s.sup.Task(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)

	events, start, cancel, err := s.sup.Logs().Subscribe(task.ID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("log stream upgrade failed", "task_id", task.ID, "error", err)
		return
	}
	defer conn.Close()

	done := s.readUntilClosed(conn)

	// Replay persisted lines up to where the live stream begins.
	for offset < start {
		lines, next, err := s.sup.Logs().Tail(task.ID, offset, logReplayChunk)
		if err != nil || len(lines) == 0 {
			break
		}
		frame := supervisor.StreamMessage{
			Type:   supervisor.StreamLogLines,
			TaskID: task.ID,
			Lines:  lines,
			Offset: offset,
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		offset = next
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := s.writePing(conn); err != nil {
				return
			}
		case msg, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
