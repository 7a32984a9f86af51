package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/internal/supervisor"
)

// Terminal WebSocket frames. Clients send input and resize; the server
// answers with ready, output, and error.
type terminalClientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

type terminalServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}

// handleTerminalWS attaches a WebSocket client to an interactive PTY in
// the task container. Passing a known session_id joins the existing PTY;
// there is no byte-level replay, subscribers see output from attach time.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)

	q := r.URL.Query()
	rows := uintQuery(q.Get("rows"), 24)
	cols := uintQuery(q.Get("cols"), 80)

	term, err := s.sup.OpenTerminal(r.Context(), r.PathValue("id"), user.ID, q.Get("session_id"), rows, cols)
	if err != nil {
		s.taskError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("terminal upgrade failed", "session_id", term.ID(), "error", err)
		return
	}
	defer conn.Close()

	output, release := term.Attach()
	defer release()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(terminalServerFrame{Type: "ready", SessionID: term.ID()}); err != nil {
		return
	}

	errs := make(chan string, 1)
	done := s.readTerminalFrames(r, conn, term, errs)

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
		case msg := <-errs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(terminalServerFrame{Type: "error", Message: msg})
			return
		case chunk, ok := <-output:
			if !ok {
				// PTY closed under us.
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteJSON(terminalServerFrame{Type: "error", Message: "terminal session closed"})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(terminalServerFrame{Type: "output", Data: string(chunk)}); err != nil {
				return
			}
		}
	}
}

// readTerminalFrames relays client frames into the PTY until the peer
// disconnects.
func (s *Server) readTerminalFrames(r *http.Request, conn *websocket.Conn, term *supervisor.Terminal, errs chan<- string) <-chan struct{} {
	conn.SetReadLimit(wsMaxPayload)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame terminalClientFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				sendErr(errs, "invalid frame")
				return
			}
			switch frame.Type {
			case "input":
				if err := term.Input([]byte(frame.Data)); err != nil {
					sendErr(errs, "terminal input failed")
					return
				}
			case "resize":
				if err := term.Resize(r.Context(), frame.Rows, frame.Cols); err != nil {
					sendErr(errs, "terminal resize failed")
					return
				}
			default:
				sendErr(errs, "unknown frame type")
				return
			}
		}
	}()
	return done
}

func sendErr(errs chan<- string, msg string) {
	select {
	case errs <- msg:
	default:
	}
}

func uintQuery(raw string, def uint) uint {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint(n)
}
