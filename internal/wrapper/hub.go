package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/logging"
)

var hubLog = logging.ForComponent(logging.CompWrapper)

// DefaultRegisterTimeout bounds how long a new connection may take to send
// its register message.
const DefaultRegisterTimeout = 10 * time.Second

// Hub accepts wrapper connections on a Unix socket and hands each one to the
// supervisor registered for its server id.
type Hub struct {
	registerTimeout time.Duration

	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		registerTimeout: DefaultRegisterTimeout,
		supervisors:     make(map[string]*Supervisor),
	}
}

// SetRegisterTimeout overrides DefaultRegisterTimeout.
func (h *Hub) SetRegisterTimeout(d time.Duration) {
	h.registerTimeout = d
}

// Add routes connections for sup.ServerID() to sup.
func (h *Hub) Add(sup *Supervisor) {
	h.mu.Lock()
	h.supervisors[sup.ServerID()] = sup
	h.mu.Unlock()
}

// Remove stops routing connections for id.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.supervisors, id)
	h.mu.Unlock()
}

// Supervisor returns the supervisor registered for id.
func (h *Hub) Supervisor(id string) (*Supervisor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sup, ok := h.supervisors[id]
	return sup, ok
}

// Listen binds path, replacing a stale socket file left by a previous
// controller, and serves until ctx is done.
func (h *Hub) Listen(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	defer os.Remove(path)

	hubLog.Info("socket_listening", slog.String("path", path))
	return h.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done. It closes ln.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			hubLog.Warn("accept_error", slog.String("error", err.Error()))
			return err
		}
		go h.handle(NewConn(c))
	}
}

func (h *Hub) handle(conn *Conn) {
	if h.registerTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.registerTimeout))
	}
	msg, err := conn.Receive()
	if err != nil {
		hubLog.Warn("protocol_fault",
			slog.String("detail", "no register message"),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type != TypeRegister {
		hubLog.Warn("protocol_fault",
			slog.String("detail", "first message is not register"),
			slog.String("type", string(msg.Type)))
		conn.Close()
		return
	}

	sup, ok := h.Supervisor(msg.ServerID)
	if !ok {
		hubLog.Warn("protocol_fault",
			slog.String("detail", "unknown server id"),
			slog.String("server_id", msg.ServerID))
		conn.Close()
		return
	}

	logging.Aggregate(logging.CompWrapper, "wrapper_connect", slog.String("server_id", msg.ServerID))
	sup.Attach(conn, msg)
}
