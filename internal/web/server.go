// Package web serves the controller HTTP API and the observer streams.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
	"github.com/factorio-deck/factorio-deck/internal/wrapper"
)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// ReadOnly refuses every operation that changes a server.
	ReadOnly bool
	// Token, when set, is required as a bearer token or ?token= parameter.
	Token   string
	Servers Servers
}

// Servers is the operation layer behind the API. *manager.Manager
// implements it.
type Servers interface {
	List() []manager.Info
	Get(id string) (manager.Info, error)
	History(id string) ([]server.ControlMessage, error)
	Start(ctx context.Context, id, actor string) (wrapper.Result, error)
	Stop(ctx context.Context, id, actor string) error
	ForceStop(ctx context.Context, id, actor string) error
	Update(ctx context.Context, id, actor string) error
	SendCommand(ctx context.Context, id, actor, command string) error
	Subscribe(id string) (<-chan server.ControlMessage, func())
}

// Server wraps the HTTP server of the controller.
type Server struct {
	cfg        Config
	httpServer *http.Server
	servers    Servers
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a web server with its routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}

	s := &Server{
		cfg:     cfg,
		servers: cfg.Servers,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		resp := map[string]any{
			"ok":       true,
			"readOnly": cfg.ReadOnly,
			"servers":  len(s.servers.List()),
			"time":     time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/servers", s.handleServerList)
	mux.HandleFunc("/api/servers/{id}", s.handleServerByID)
	mux.HandleFunc("/api/servers/{id}/history", s.handleServerHistory)
	mux.HandleFunc("/api/servers/{id}/{action}", s.handleServerAction)
	mux.HandleFunc("/events/servers", s.handleServerEvents)
	mux.HandleFunc("/ws/server/{id}", s.handleServerWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.StdLogger(logging.CompWeb, slog.LevelWarn),
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	logging.ForComponent(logging.CompWeb).Info("web_listening",
		slog.String("addr", s.cfg.ListenAddr),
		slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}

	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompWeb).Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}
