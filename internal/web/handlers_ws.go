package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

type wsClientMessage struct {
	Type string `json:"type"` // ping, command
	Data string `json:"data,omitempty"`
}

type wsServerMessage struct {
	Type     string                 `json:"type"` // status, message, error
	Event    string                 `json:"event,omitempty"`
	Code     string                 `json:"code,omitempty"`
	Message  string                 `json:"message,omitempty"`
	ServerID string                 `json:"serverId,omitempty"`
	Status   *server.Status         `json:"status,omitempty"`
	Control  *server.ControlMessage `json:"control,omitempty"`
	Time     time.Time              `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// handleServerWS attaches an observer to one server: the retained history is
// replayed first, then new messages stream until either side closes.
func (s *Server) handleServerWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, false) {
		return
	}

	serverID := r.PathValue("id")
	info, err := s.servers.Get(serverID)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	// Subscribe before reading the history so nothing falls between them.
	messages, unsubscribe := s.servers.Subscribe(serverID)
	defer unsubscribe()
	history, err := s.servers.History(serverID)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	wsLog := logging.ForComponent(logging.CompWeb)

	status := info.Status
	_ = writer.WriteJSON(wsServerMessage{
		Type:     "status",
		Event:    "connected",
		ServerID: serverID,
		Status:   &status,
		Time:     time.Now().UTC(),
	})

	var last time.Time
	for i := range history {
		msg := history[i]
		if err := writer.WriteJSON(wsServerMessage{Type: "message", ServerID: serverID, Control: &msg}); err != nil {
			return
		}
		last = msg.Time
	}
	_ = writer.WriteJSON(wsServerMessage{
		Type:     "status",
		Event:    "ready",
		ServerID: serverID,
		Time:     time.Now().UTC(),
	})

	ctx := r.Context()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case msg, ok := <-messages:
				if !ok {
					_ = writer.WriteJSON(wsServerMessage{
						Type:     "status",
						Event:    "removed",
						ServerID: serverID,
						Time:     time.Now().UTC(),
					})
					_ = conn.Close()
					return
				}
				// Skip what the history replay already delivered.
				if !msg.Time.After(last) && containsMessage(history, msg) {
					continue
				}
				if err := writer.WriteJSON(wsServerMessage{Type: "message", ServerID: serverID, Control: &msg}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				wsLog.Warn("websocket_closed_unexpectedly",
					slog.String("server_id", serverID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:     "error",
				Code:     "INVALID_MESSAGE",
				Message:  "invalid json payload",
				ServerID: serverID,
				Time:     time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:     "status",
				Event:    "pong",
				ServerID: serverID,
				Time:     time.Now().UTC(),
			})
		case "command":
			if s.cfg.ReadOnly {
				_ = writer.WriteJSON(wsServerMessage{
					Type:     "error",
					Code:     "READ_ONLY",
					Message:  "commands are disabled in read-only mode",
					ServerID: serverID,
					Time:     time.Now().UTC(),
				})
				continue
			}
			command := strings.TrimRight(msg.Data, "\r\n")
			if strings.TrimSpace(command) == "" || strings.ContainsAny(command, "\r\n") {
				_ = writer.WriteJSON(wsServerMessage{
					Type:     "error",
					Code:     "INVALID_MESSAGE",
					Message:  "command must be a single non-empty line",
					ServerID: serverID,
					Time:     time.Now().UTC(),
				})
				continue
			}
			if err := s.servers.SendCommand(ctx, serverID, requestActor(r), command); err != nil {
				_ = writer.WriteJSON(wsServerMessage{
					Type:     "error",
					Code:     "COMMAND_FAILED",
					Message:  err.Error(),
					ServerID: serverID,
					Time:     time.Now().UTC(),
				})
			}
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:     "error",
				Code:     "UNSUPPORTED_MESSAGE",
				Message:  "supported message types: ping,command",
				ServerID: serverID,
				Time:     time.Now().UTC(),
			})
		}
	}
}

func containsMessage(history []server.ControlMessage, msg server.ControlMessage) bool {
	for _, h := range history {
		if h == msg {
			return true
		}
	}
	return false
}
