package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var eventsHeartbeatInterval = 15 * time.Second

// handleServerEvents streams the messages of every server, or of the one
// named by ?server=, as server-sent events.
func (s *Server) handleServerEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, false) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	serverID := r.URL.Query().Get("server")
	if serverID != "" {
		if _, err := s.servers.Get(serverID); err != nil {
			writeOperationError(w, err)
			return
		}
	}

	messages, unsubscribe := s.servers.Subscribe(serverID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, flusher, "servers", serverListResponse{Servers: s.servers.List()}); err != nil {
		return
	}

	heartbeatTicker := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "message", msg); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
