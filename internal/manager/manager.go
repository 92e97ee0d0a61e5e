// Package manager is the operation layer of the controller. It validates
// operator requests against the lifecycle rules, drives the wrapper
// supervisors and fans status and output out to observers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/chatlink"
	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
	"github.com/factorio-deck/factorio-deck/internal/wrapper"
)

var mgrLog = logging.ForComponent(logging.CompManager)

var (
	ErrNotFound          = errors.New("server not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrWrapperProcess    = errors.New("wrapper process failed to start")
	ErrNoUpdateCommand   = errors.New("no update command configured")
)

// TransitionError reports an operation refused in the current status.
type TransitionError struct {
	Op     string
	Status server.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s server in status %s", e.Op, e.Status)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ServerStore provides the stored server definitions.
type ServerStore interface {
	TryGetServerInstanceData(id string) (server.InstanceData, bool)
	SaveStatus(id string, st server.Status) error
}

// ChatRelay mirrors servers into chat channels.
type ChatRelay interface {
	Attach(serverID, channelID string, topic chatlink.TopicFunc) error
	Detach(serverID string)
	StatusChanged(serverID string)
	Output(msg server.ControlMessage)
}

// Options configures a Manager.
type Options struct {
	Store ServerStore
	Host  wrapper.ProcessHost
	Hub   *wrapper.Hub
	Chat  ChatRelay

	// WrapperExecutable is the factorio-wrapper binary.
	WrapperExecutable string
	// SocketPath is the controller socket wrappers connect to.
	SocketPath string
	// LogDir receives one log file per wrapper and update run.
	LogDir string
	// HistorySize is the number of messages kept per server.
	HistorySize int
	// Topic renders the chat topic fragment of a server.
	Topic func(status server.Status, d server.InstanceData) string
}

// Manager owns the registry of server instances and their supervisors.
type Manager struct {
	opts     Options
	registry *server.Registry
	hub      *wrapper.Hub

	mu          sync.Mutex
	supervisors map[string]*wrapper.Supervisor
	names       map[string]server.InstanceData

	subs *subscribers
}

// New creates a Manager. Store is required.
func New(opts Options) *Manager {
	if opts.Host == nil {
		opts.Host = wrapper.ExecHost{}
	}
	if opts.Hub == nil {
		opts.Hub = wrapper.NewHub()
	}
	if opts.Topic == nil {
		opts.Topic = defaultTopic
	}
	m := &Manager{
		opts:        opts,
		hub:         opts.Hub,
		supervisors: make(map[string]*wrapper.Supervisor),
		names:       make(map[string]server.InstanceData),
		subs:        newSubscribers(),
	}
	m.registry = server.NewRegistry(opts.HistorySize, server.StatusObserverFunc(m.statusChanged))
	return m
}

func defaultTopic(status server.Status, d server.InstanceData) string {
	return chatlink.FormatTopic(status, d.DisplayName(), d.Version)
}

// Hub returns the wrapper hub the supervisors are registered with.
func (m *Manager) Hub() *wrapper.Hub {
	return m.hub
}

// Register creates the instance for d in status Unknown. A wrapper that is
// still running from a previous controller reconnects through the hub.
func (m *Manager) Register(d server.InstanceData) error {
	inst, err := m.registry.Register(d.ID)
	if err != nil {
		return err
	}
	sup := wrapper.NewSupervisor(inst, m.opts.Host, wrapper.OutputSinkFunc(m.output))

	m.mu.Lock()
	m.supervisors[d.ID] = sup
	m.names[d.ID] = d
	m.mu.Unlock()
	m.hub.Add(sup)

	m.attachChat(inst, d)
	mgrLog.Info("server_registered", slog.String("server_id", d.ID))
	return nil
}

// Deregister removes the instance. Its wrapper, if any, keeps running.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sup, ok := m.supervisors[id]
	delete(m.supervisors, id)
	delete(m.names, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.hub.Remove(id)
	sup.Close()
	if m.opts.Chat != nil {
		m.opts.Chat.Detach(id)
	}
	_ = m.registry.Deregister(id)
	m.subs.closeServer(id)
	mgrLog.Info("server_deregistered", slog.String("server_id", id))
	return nil
}

// Sync registers the servers in defs that are not yet known, refreshes the
// definitions of known ones and deregisters the rest.
func (m *Manager) Sync(defs []server.InstanceData) {
	want := make(map[string]server.InstanceData, len(defs))
	for _, d := range defs {
		want[d.ID] = d
	}

	m.mu.Lock()
	var stale []string
	for id := range m.supervisors {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		_ = m.Deregister(id)
	}
	for _, d := range defs {
		m.mu.Lock()
		prev, known := m.names[d.ID]
		if known {
			m.names[d.ID] = d
		}
		m.mu.Unlock()

		switch {
		case !known:
			if err := m.Register(d); err != nil {
				mgrLog.Warn("server_register_failed",
					slog.String("server_id", d.ID),
					slog.String("error", err.Error()))
			}
		case prev.ChannelID != d.ChannelID && m.opts.Chat != nil:
			m.opts.Chat.Detach(d.ID)
			if inst, ok := m.registry.Get(d.ID); ok {
				m.attachChat(inst, d)
			}
		}
	}
}

func (m *Manager) attachChat(inst *server.Instance, d server.InstanceData) {
	if m.opts.Chat == nil || d.ChannelID == "" {
		return
	}
	id := d.ID
	topic := func() string {
		data, _ := m.definition(id)
		return m.opts.Topic(inst.Status(), data)
	}
	if err := m.opts.Chat.Attach(id, d.ChannelID, topic); err != nil {
		mgrLog.Warn("chat_attach_failed",
			slog.String("server_id", id),
			slog.String("channel", d.ChannelID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) definition(id string) (server.InstanceData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.names[id]
	return d, ok
}

func (m *Manager) lookup(id string) (*server.Instance, *wrapper.Supervisor, error) {
	m.mu.Lock()
	sup, ok := m.supervisors[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sup.Instance(), sup, nil
}

// Info is a snapshot of one server.
type Info struct {
	server.InstanceData
	Connected  bool `json:"connected"`
	HasProcess bool `json:"hasProcess"`
}

// List returns a snapshot of every registered server, sorted by id.
func (m *Manager) List() []Info {
	insts := m.registry.List()
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		if info, err := m.Get(inst.ID()); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Get returns a snapshot of one server.
func (m *Manager) Get(id string) (Info, error) {
	inst, sup, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	d, _ := m.definition(id)
	d.Status = inst.Status()
	return Info{InstanceData: d, Connected: sup.Connected(), HasProcess: sup.HasProcess()}, nil
}

// History returns the message history of a server, oldest first.
func (m *Manager) History(id string) ([]server.ControlMessage, error) {
	inst, _, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return inst.History(), nil
}

// Start prepares the working directory and launches the wrapper.
func (m *Manager) Start(ctx context.Context, id, actor string) (wrapper.Result, error) {
	inst, sup, err := m.lookup(id)
	if err != nil {
		return wrapper.Result{}, err
	}
	data, ok := m.opts.Store.TryGetServerInstanceData(id)
	if !ok {
		return wrapper.Result{}, fmt.Errorf("%w: %s has no stored definition", ErrNotFound, id)
	}

	if st, ok := inst.TryChangeStatus(server.CanStart, server.StatusPreparing, actor); !ok {
		return wrapper.Result{}, &TransitionError{Op: "start", Status: st}
	}
	if err := prepare(data); err != nil {
		mgrLog.Error("prepare_failed",
			slog.String("server_id", id),
			slog.String("error", err.Error()))
		inst.ChangeStatus(server.StatusErrored, "")
		return wrapper.Result{}, fmt.Errorf("prepare %s: %w", id, err)
	}
	inst.ChangeStatus(server.StatusPrepared, "")

	res := sup.Run(ctx, m.wrapperSpec(data))
	if !res.OK {
		return res, fmt.Errorf("%w: %s", ErrWrapperProcess, res.Message)
	}
	return res, nil
}

func prepare(d server.InstanceData) error {
	if d.WorkingDir == "" {
		return errors.New("no working directory")
	}
	return os.MkdirAll(d.WorkingDir, 0o755)
}

func (m *Manager) wrapperSpec(d server.InstanceData) wrapper.StartSpec {
	args := []string{
		"-server-id", d.ID,
		"-socket", m.opts.SocketPath,
		"-dir", d.WorkingDir,
		"--", d.Executable,
	}
	args = append(args, d.Args...)
	var logPath string
	if m.opts.LogDir != "" {
		logPath = filepath.Join(m.opts.LogDir, "wrapper-"+d.ID+".log")
	}
	return wrapper.StartSpec{
		Executable: m.opts.WrapperExecutable,
		Args:       args,
		Dir:        d.WorkingDir,
		LogPath:    logPath,
	}
}

// Stop asks the wrapper to stop the game gracefully.
func (m *Manager) Stop(_ context.Context, id, actor string) error {
	inst, sup, err := m.lookup(id)
	if err != nil {
		return err
	}
	if st := inst.Status(); !st.CanStop() {
		return &TransitionError{Op: "stop", Status: st}
	}
	if err := sup.Stop(); err != nil {
		return err
	}
	m.logOperation("stop", id, actor)
	return nil
}

// ForceStop kills the game. Without a wrapper connection the wrapper process
// group is killed.
func (m *Manager) ForceStop(_ context.Context, id, actor string) error {
	inst, sup, err := m.lookup(id)
	if err != nil {
		return err
	}
	if st := inst.Status(); !st.CanForceStop() {
		return &TransitionError{Op: "kill", Status: st}
	}

	if !sup.Connected() {
		if !sup.HasProcess() {
			return wrapper.ErrNotConnected
		}
		if st, ok := inst.TryChangeStatus(server.CanForceStop, server.StatusKilling, actor); !ok {
			return &TransitionError{Op: "kill", Status: st}
		}
		if err := sup.Kill(); err != nil {
			return err
		}
		m.logOperation("kill", id, actor)
		return nil
	}

	if err := sup.ForceStop(); err != nil {
		return err
	}
	m.logOperation("kill", id, actor)
	return nil
}

// Update runs the configured update command in the background. The server
// moves to Updating, then Updated or Errored.
func (m *Manager) Update(_ context.Context, id, actor string) error {
	inst, _, err := m.lookup(id)
	if err != nil {
		return err
	}
	data, ok := m.opts.Store.TryGetServerInstanceData(id)
	if !ok {
		return fmt.Errorf("%w: %s has no stored definition", ErrNotFound, id)
	}
	if data.UpdateCommand == "" {
		return ErrNoUpdateCommand
	}
	if st, ok := inst.TryChangeStatus(server.CanUpdate, server.StatusUpdating, actor); !ok {
		return &TransitionError{Op: "update", Status: st}
	}

	spec := wrapper.StartSpec{
		Executable: data.UpdateCommand,
		Args:       data.UpdateArgs,
		Dir:        data.WorkingDir,
	}
	if m.opts.LogDir != "" {
		spec.LogPath = filepath.Join(m.opts.LogDir, "update-"+id+".log")
	}
	proc, err := m.opts.Host.StartProcess(spec)
	if err != nil {
		mgrLog.Error("update_start_failed",
			slog.String("server_id", id),
			slog.String("executable", spec.Executable),
			slog.String("error", err.Error()))
		inst.ChangeStatus(server.StatusErrored, "")
		return fmt.Errorf("start update for %s: %w", id, err)
	}
	m.logOperation("update", id, actor)

	go func() {
		err := proc.Wait()
		if err != nil {
			mgrLog.Warn("update_failed",
				slog.String("server_id", id),
				slog.String("error", err.Error()))
			inst.ChangeStatus(server.StatusErrored, "")
			return
		}
		mgrLog.Info("update_finished", slog.String("server_id", id))
		inst.ChangeStatus(server.StatusUpdated, "")
	}()
	return nil
}

// SendCommand forwards a console command and records it as a Control message.
func (m *Manager) SendCommand(_ context.Context, id, actor, command string) error {
	inst, sup, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := sup.SendToFactorio(command); err != nil {
		return err
	}

	text := command
	if actor != "" {
		text = "[" + actor + "] " + command
	}
	msg := server.ControlMessage{ServerID: id, Type: server.MessageControl, Text: text, Time: time.Now()}
	inst.Append(msg)
	m.output(msg)
	return nil
}

// GetStatus asks the wrapper for its own view of the status.
func (m *Manager) GetStatus(ctx context.Context, id string) (server.Status, error) {
	_, sup, err := m.lookup(id)
	if err != nil {
		return server.StatusUnknown, err
	}
	return sup.GetStatus(ctx)
}

func (m *Manager) logOperation(op, id, actor string) {
	mgrLog.Info("server_operation",
		slog.String("op", op),
		slog.String("server_id", id),
		slog.String("actor", actor))
}

// statusChanged runs under the instance lock, in change order.
func (m *Manager) statusChanged(ev server.StatusEvent) {
	if err := m.opts.Store.SaveStatus(ev.ServerID, ev.New); err != nil {
		mgrLog.Warn("status_persist_failed",
			slog.String("server_id", ev.ServerID),
			slog.String("error", err.Error()))
	}
	logging.Aggregate(logging.CompStatus, "status_change",
		slog.String("server_id", ev.ServerID),
		slog.String("to", ev.New.String()))
	m.subs.publish(ev.Message)
	if m.opts.Chat != nil {
		m.opts.Chat.StatusChanged(ev.ServerID)
	}
}

func (m *Manager) output(msg server.ControlMessage) {
	m.subs.publish(msg)
	if m.opts.Chat != nil {
		m.opts.Chat.Output(msg)
	}
}

// Subscribe streams the messages of one server, or of all servers when id
// is empty. The returned function unsubscribes.
func (m *Manager) Subscribe(id string) (<-chan server.ControlMessage, func()) {
	return m.subs.add(id)
}

// Close detaches from every wrapper without stopping the games.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Deregister(id)
	}
	m.subs.closeAll()
}
