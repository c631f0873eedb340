package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"autogeoref/internal/optimizer"
)

const writeWait = 10 * time.Second

// StreamMessage is one websocket frame of /api/optimize/{id}/stream. The
// last frame has Done set and carries the final status.
type StreamMessage struct {
	Event  *optimizer.Event `json:"event,omitempty"`
	Done   bool             `json:"done,omitempty"`
	Status any              `json:"status,omitempty"`
}

// handleRunStream replays the events of a run and follows it until it
// finishes or the client goes away.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads only detect the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	next := 0
	for {
		evs, done, changed := run.Events(next)
		for i := range evs {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(StreamMessage{Event: &evs[i]}); err != nil {
				return
			}
		}
		next += len(evs)

		if done {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteJSON(StreamMessage{Done: true, Status: run.Snapshot()})
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			return
		}

		select {
		case <-changed:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
