package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are not a target; same-origin policy is not
	// load-bearing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

const watchWriteTimeout = 10 * time.Second

// handleWatchExecution upgrades to a websocket and streams state
// transitions until the execution reaches a terminal state or the
// client goes away.
func (s *Server) handleWatchExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionId"]

	rec, err := s.deps.Store.GetExecution(r.Context(), subjectFrom(r), executionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Subscribe before reading the stored state so no transition can
	// slip between the two.
	watch, cancel := s.deps.Executor.Watch(executionID)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.deps.Metrics.WatchSessions.Inc()
	defer s.deps.Metrics.WatchSessions.Dec()

	send := func(change pipeline.StateChange) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(change); err != nil {
			log.Debug().Str("execution_id", executionID).Err(err).Msg("Watch write failed")
			return false
		}
		return true
	}

	// Current state first, then live transitions.
	current := pipeline.StateChange{
		ExecutionID: executionID,
		State:       rec.State,
		At:          s.now().UTC(),
		Error:       rec.LastError,
	}
	if !send(current) || current.State.Terminal() {
		return
	}

	// Reads only surface client disconnects.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case change, ok := <-watch:
			if !ok {
				return
			}
			if !send(change) {
				return
			}
			if change.State.Terminal() {
				return
			}
		case <-disconnected:
			return
		case <-r.Context().Done():
			return
		}
	}
}
