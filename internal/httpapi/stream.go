package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 128
)

// handleEvents upgrades to a websocket and streams event bus traffic until
// the client goes away. Slow clients are disconnected rather than allowed to
// back up the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if s.corsAll {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(wsBuffer)
	defer unsub()

	s.log.Debug("event feed client connected", "remote", r.RemoteAddr)

	// Reader goroutine: we never expect client data, but reading is what
	// surfaces close frames and dead peers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("event feed write failed, dropping client", "error", err, "remote", r.RemoteAddr)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
