package gateway

import (
	"net/http"
	"time"
)

// handleEventsWS streams agent turn events for one conversation over a
// WebSocket. Clients see tool calls, results, and the done marker as the
// turn progresses.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.respondError(w, http.StatusServiceUnavailable, "agent is not configured")
		return
	}
	conversationID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.agent.Events()
	defer cancel()

	done := s.readUntilClosed(conn)

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
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ConversationID != conversationID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
