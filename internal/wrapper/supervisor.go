package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

var supLog = logging.ForComponent(logging.CompSupervisor)

// Stable error code reported when the wrapper process cannot be started.
const (
	ErrCodeWrapperProcess = "WrapperProcessError"
	errMsgWrapperProcess  = "Wrapper process failed to start."
)

var (
	// ErrNotConnected is returned when no wrapper connection is attached.
	ErrNotConnected = errors.New("wrapper not connected")
	// ErrNoProcess is returned by Kill when the supervisor owns no process.
	ErrNoProcess = errors.New("no wrapper process")
)

// Result is the outcome of Run.
type Result struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OutputSink receives the non-status messages produced by a wrapper:
// game output, wrapper diagnostics and connection faults.
type OutputSink interface {
	Output(msg server.ControlMessage)
}

// OutputSinkFunc adapts a function to OutputSink.
type OutputSinkFunc func(msg server.ControlMessage)

func (f OutputSinkFunc) Output(msg server.ControlMessage) { f(msg) }

// Supervisor owns the wrapper process of one server instance and the
// connection the wrapper opens back to the controller.
type Supervisor struct {
	inst *server.Instance
	host ProcessHost
	sink OutputSink
	log  *slog.Logger

	mu      sync.Mutex
	proc    Process
	conn    *Conn
	pending map[string]chan server.Status

	seq atomic.Uint64
}

// NewSupervisor creates a supervisor for inst. sink may be nil.
func NewSupervisor(inst *server.Instance, host ProcessHost, sink OutputSink) *Supervisor {
	if host == nil {
		host = ExecHost{}
	}
	if sink == nil {
		sink = OutputSinkFunc(func(server.ControlMessage) {})
	}
	return &Supervisor{
		inst:    inst,
		host:    host,
		sink:    sink,
		log:     supLog.With(slog.String("server_id", inst.ID())),
		pending: make(map[string]chan server.Status),
	}
}

// ServerID returns the supervised instance id.
func (s *Supervisor) ServerID() string {
	return s.inst.ID()
}

// Instance returns the supervised instance.
func (s *Supervisor) Instance() *server.Instance {
	return s.inst
}

// Run launches the wrapper process. A start failure moves the instance to
// Errored and is not retried.
func (s *Supervisor) Run(_ context.Context, spec StartSpec) Result {
	// Held until the status is set, so an early wrapper connection cannot
	// attach (and report status) ahead of WrapperStarting.
	s.mu.Lock()
	proc, err := s.host.StartProcess(spec)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("wrapper_start_failed",
			slog.String("executable", spec.Executable),
			slog.Any("args", spec.Args),
			slog.String("error", err.Error()))
		s.inst.ChangeStatus(server.StatusErrored, "")
		return Result{Code: ErrCodeWrapperProcess, Message: errMsgWrapperProcess}
	}
	s.proc = proc
	s.inst.ChangeStatus(server.StatusWrapperStarting, "")
	s.mu.Unlock()

	s.log.Info("wrapper_started",
		slog.Int("pid", proc.Pid()),
		slog.String("executable", spec.Executable))
	go s.waitExit(proc)
	return Result{OK: true}
}

// waitExit applies the supervisor-detected exit of the wrapper process.
func (s *Supervisor) waitExit(proc Process) {
	err := proc.Wait()

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()

	attrs := []any{slog.Int("pid", proc.Pid())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.log.Info("wrapper_exited", attrs...)

	s.inst.ChangeStatusFunc(exitStatus, "")
}

// exitStatus decides the status after the wrapper process is gone.
func exitStatus(current server.Status) (server.Status, bool) {
	switch {
	case current == server.StatusKilling:
		return server.StatusKilled, true
	case current == server.StatusStopping:
		return server.StatusStopped, true
	case current.IsFinishedRunning(),
		current == server.StatusErrored,
		current == server.StatusUpdating,
		current == server.StatusUpdated,
		current == server.StatusUnknown:
		return current, false
	default:
		return server.StatusCrashed, true
	}
}

// HasProcess reports whether the supervisor owns a live wrapper process.
func (s *Supervisor) HasProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Connected reports whether a wrapper connection is attached.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Attach adopts a registered wrapper connection and starts reading from it.
// A previous connection is closed.
func (s *Supervisor) Attach(conn *Conn, reg Message) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	s.emit(server.ControlMessage{
		Type: server.MessageWrapper,
		Text: "[WRAPPER] Registered",
		Time: reg.Time,
	})
	s.log.Info("wrapper_registered")
	go s.readLoop(conn)
}

func (s *Supervisor) readLoop(conn *Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.protocolFault(err.Error())
				continue
			}
			s.detach(conn, err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Supervisor) detach(conn *Conn, err error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()

	if !current {
		return
	}
	s.failPending()

	if errors.Is(err, io.EOF) {
		s.log.Info("wrapper_disconnected")
	} else {
		s.log.Warn("wrapper_disconnected", slog.String("error", err.Error()))
	}
	s.emit(server.ControlMessage{
		Type: server.MessageError,
		Text: "[WRAPPER] Connection lost",
	})
}

// dispatch applies one inbound message. Status changes are applied in
// arrival order; the embedded time stamps their history entries.
func (s *Supervisor) dispatch(msg Message) {
	switch msg.Type {
	case TypeStatusChanged:
		s.inst.ChangeStatusAt(msg.NewStatus, "", msg.Time)
	case TypeFactorioOutput:
		logging.Aggregate(logging.CompGame, "output_line", slog.String("server_id", s.inst.ID()))
		s.emit(server.ControlMessage{Type: server.MessageOutput, Text: msg.Data, Time: msg.Time})
	case TypeWrapperOutput:
		s.emit(server.ControlMessage{Type: server.MessageWrapper, Text: msg.Data, Time: msg.Time})
	case TypeStatusReply:
		s.resolve(msg.RequestID, msg.NewStatus)
	case TypeRegister:
		s.log.Debug("duplicate_register")
	default:
		s.protocolFault(fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func (s *Supervisor) protocolFault(detail string) {
	s.log.Warn("protocol_fault", slog.String("detail", detail))
	s.emit(server.ControlMessage{
		Type: server.MessageError,
		Text: "[PROTOCOL] " + detail,
	})
}

func (s *Supervisor) emit(msg server.ControlMessage) {
	msg.ServerID = s.inst.ID()
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	s.inst.Append(msg)
	s.sink.Output(msg)
}

func (s *Supervisor) send(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// SendToFactorio forwards console input to the game server.
func (s *Supervisor) SendToFactorio(data string) error {
	return s.send(SendToFactorioMessage(data))
}

// Stop asks the wrapper to stop the game server gracefully.
func (s *Supervisor) Stop() error {
	return s.send(StopMessage())
}

// ForceStop asks the wrapper to kill the game server. Without a connection
// the owned wrapper process group is killed instead.
func (s *Supervisor) ForceStop() error {
	err := s.send(ForceStopMessage())
	if !errors.Is(err, ErrNotConnected) {
		return err
	}
	if killErr := s.Kill(); killErr != nil {
		if errors.Is(killErr, ErrNoProcess) {
			return ErrNotConnected
		}
		return killErr
	}
	return nil
}

// Kill terminates the owned wrapper process group.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return ErrNoProcess
	}
	s.log.Warn("wrapper_kill", slog.Int("pid", proc.Pid()))
	return proc.Kill()
}

// GetStatus asks the wrapper for its view of the server status.
func (s *Supervisor) GetStatus(ctx context.Context) (server.Status, error) {
	id := strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan server.Status, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(GetStatusMessage(id)); err != nil {
		return server.StatusUnknown, err
	}

	select {
	case st, ok := <-ch:
		if !ok {
			return server.StatusUnknown, ErrNotConnected
		}
		return st, nil
	case <-ctx.Done():
		return server.StatusUnknown, ctx.Err()
	}
}

func (s *Supervisor) resolve(requestID string, st server.Status) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()

	if !ok {
		s.protocolFault(fmt.Sprintf("status reply for unknown request %q", requestID))
		return
	}
	ch <- st
}

func (s *Supervisor) failPending() {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// Close detaches from the wrapper without stopping it. The wrapper keeps
// running and may reconnect to a new controller.
func (s *Supervisor) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.failPending()
}
