package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/ringbuf"
)

// MessageType tags a ControlMessage.
type MessageType string

const (
	MessageStatus  MessageType = "Status"
	MessageOutput  MessageType = "Output"
	MessageWrapper MessageType = "Wrapper"
	MessageControl MessageType = "Control"
	MessageError   MessageType = "Error"
)

// ControlMessage is one entry of a server's message history.
type ControlMessage struct {
	ServerID string      `json:"serverId"`
	Type     MessageType `json:"messageType"`
	Text     string      `json:"text"`
	Time     time.Time   `json:"time"`
}

// StatusEvent describes one applied status change.
type StatusEvent struct {
	ServerID string
	Old      Status
	New      Status
	Actor    string
	Message  ControlMessage
}

// StatusObserver is notified of every status change. Observers run while the
// instance is locked, so per-instance events arrive in order; they must not
// call back into the same Instance.
type StatusObserver interface {
	StatusChanged(ev StatusEvent)
}

// StatusObserverFunc adapts a function to StatusObserver.
type StatusObserverFunc func(ev StatusEvent)

func (f StatusObserverFunc) StatusChanged(ev StatusEvent) { f(ev) }

// DefaultHistorySize is the number of control messages kept per instance.
const DefaultHistorySize = 200

// Instance holds the status and message history of one server.
// All mutation goes through the instance lock (single writer).
type Instance struct {
	id  string
	now func() time.Time

	mu        sync.Mutex
	status    Status
	history   *ringbuf.RingBuffer[ControlMessage]
	observers []StatusObserver
}

// NewInstance creates an instance in StatusUnknown.
func NewInstance(id string, historySize int, observers ...StatusObserver) (*Instance, error) {
	history, err := ringbuf.New[ControlMessage](historySize)
	if err != nil {
		return nil, fmt.Errorf("instance %s history: %w", id, err)
	}
	return &Instance{
		id:        id,
		now:       time.Now,
		history:   history,
		observers: append([]StatusObserver(nil), observers...),
	}, nil
}

// ID returns the server id.
func (i *Instance) ID() string {
	return i.id
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// StatusChangeText formats the history text for a status change.
func StatusChangeText(from, to Status, actor string) string {
	text := fmt.Sprintf("[STATUS] Change from %s to %s", from, to)
	if actor = strings.TrimSpace(actor); actor != "" {
		text += " by user " + actor
	}
	return text
}

// ChangeStatus unconditionally sets the status, records a Status message and
// notifies observers. Callers gate transitions beforehand (CanStart etc.).
func (i *Instance) ChangeStatus(newStatus Status, actor string) ControlMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.changeLocked(newStatus, actor, time.Time{})
}

// ChangeStatusAt is ChangeStatus with the history entry stamped at; a zero
// at means now. Used for status changes reported by the wrapper.
func (i *Instance) ChangeStatusAt(newStatus Status, actor string, at time.Time) ControlMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.changeLocked(newStatus, actor, at)
}

// TryChangeStatus applies newStatus only if allowed(current) holds, checking
// and changing under one lock. It returns the status seen and whether the
// change was applied.
func (i *Instance) TryChangeStatus(allowed func(Status) bool, newStatus Status, actor string) (Status, bool) {
	return i.ChangeStatusFunc(func(current Status) (Status, bool) {
		return newStatus, allowed(current)
	}, actor)
}

// ChangeStatusFunc lets decide pick the next status from the current one under
// the instance lock. Nothing changes when decide returns false.
func (i *Instance) ChangeStatusFunc(decide func(current Status) (Status, bool), actor string) (Status, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	old := i.status
	next, ok := decide(old)
	if !ok {
		return old, false
	}
	i.changeLocked(next, actor, time.Time{})
	return old, true
}

func (i *Instance) changeLocked(newStatus Status, actor string, at time.Time) ControlMessage {
	old := i.status
	i.status = newStatus
	if at.IsZero() {
		at = i.now()
	}

	msg := ControlMessage{
		ServerID: i.id,
		Type:     MessageStatus,
		Text:     StatusChangeText(old, newStatus, actor),
		Time:     at,
	}
	i.history.Add(msg)

	ev := StatusEvent{
		ServerID: i.id,
		Old:      old,
		New:      newStatus,
		Actor:    strings.TrimSpace(actor),
		Message:  msg,
	}
	for _, o := range i.observers {
		o.StatusChanged(ev)
	}
	return msg
}

// Append records a non-status message in the history.
func (i *Instance) Append(msg ControlMessage) {
	if msg.ServerID == "" {
		msg.ServerID = i.id
	}
	if msg.Time.IsZero() {
		msg.Time = i.now()
	}
	i.mu.Lock()
	i.history.Add(msg)
	i.mu.Unlock()
}

// History returns the retained messages, oldest first.
func (i *Instance) History() []ControlMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.history.Items()
}

var (
	ErrExists   = errors.New("server already registered")
	ErrNotFound = errors.New("server not found")
)

// Registry holds the registered instances by id.
type Registry struct {
	historySize int
	observers   []StatusObserver

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates a registry whose instances keep historySize messages
// and report to observers.
func NewRegistry(historySize int, observers ...StatusObserver) *Registry {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		historySize: historySize,
		observers:   observers,
		instances:   make(map[string]*Instance),
	}
}

// Register creates the instance for id.
func (r *Registry) Register(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	inst, err := NewInstance(id, r.historySize, r.observers...)
	if err != nil {
		return nil, err
	}
	r.instances[id] = inst
	return inst, nil
}

// Deregister removes the instance for id.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.instances, id)
	return nil
}

// Get returns the instance for id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// List returns all instances sorted by id.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}
