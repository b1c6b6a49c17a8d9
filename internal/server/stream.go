// internal/server/stream.go
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The service sits behind the platform's own origin checks.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream serves one agent's live events over SSE. The stream
// opens with a connected event and carries keepalives while quiet; it ends
// when the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("agentId"))
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.events.Subscribe(spec.ID)
	defer s.events.Unsubscribe(sub)

	s.log.Debug("Event stream opened", zap.String("agent_id", spec.ID))

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("Event stream closed by client", zap.String("agent_id", spec.ID))
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("Failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebsocket serves the same stream over a websocket for clients that
// want bidirectional transports. The agent is chosen by query parameter.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId query parameter is required")
		return
	}
	spec, ok := s.agentForOrg(w, r, agentID)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(spec.ID)
	defer s.events.Unsubscribe(sub)

	// Reader goroutine only watches for the peer closing; inbound frames
	// are discarded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("Websocket stream opened", zap.String("agent_id", spec.ID))

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
