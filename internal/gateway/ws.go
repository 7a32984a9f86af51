package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// readUntilClosed installs the pong handler and drains client frames in
// the background. The returned channel closes when the peer goes away.
// Streams that never expect client data use this to notice disconnects.
func (s *Server) readUntilClosed(conn *websocket.Conn) <-chan struct{} {
	conn.SetReadLimit(wsMaxPayload)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func (s *Server) writePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
