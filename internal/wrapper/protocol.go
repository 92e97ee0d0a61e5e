// Package wrapper implements the control protocol between the controller and
// the wrapper processes that run Factorio servers, plus the controller-side
// process supervisor.
//
// Messages are JSON objects, one per line, over a Unix socket. The wrapper
// dials the controller and must send a register message first.
package wrapper

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

// MessageType discriminates Message variants.
type MessageType string

// Controller to wrapper.
const (
	TypeSendToFactorio MessageType = "send_to_factorio"
	TypeStop           MessageType = "stop"
	TypeForceStop      MessageType = "force_stop"
	TypeGetStatus      MessageType = "get_status"
)

// Wrapper to controller.
const (
	TypeRegister       MessageType = "register"
	TypeFactorioOutput MessageType = "factorio_output"
	TypeWrapperOutput  MessageType = "wrapper_output"
	TypeStatusChanged  MessageType = "status_changed"
	TypeStatusReply    MessageType = "status_reply"
)

// Message is the tagged variant carried on the wire. Which fields are set
// depends on Type. Time is stamped by the sender.
type Message struct {
	Type      MessageType   `json:"type"`
	ServerID  string        `json:"serverId,omitempty"`
	Data      string        `json:"data,omitempty"`
	NewStatus server.Status `json:"newStatus,omitempty"`
	OldStatus server.Status `json:"oldStatus,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Time      time.Time     `json:"time"`
}

func RegisterMessage(serverID string, t time.Time) Message {
	return Message{Type: TypeRegister, ServerID: serverID, Time: t}
}

func FactorioOutputMessage(data string, t time.Time) Message {
	return Message{Type: TypeFactorioOutput, Data: data, Time: t}
}

func WrapperOutputMessage(data string, t time.Time) Message {
	return Message{Type: TypeWrapperOutput, Data: data, Time: t}
}

func StatusChangedMessage(newStatus, oldStatus server.Status, t time.Time) Message {
	return Message{Type: TypeStatusChanged, NewStatus: newStatus, OldStatus: oldStatus, Time: t}
}

func StatusReplyMessage(status server.Status, requestID string, t time.Time) Message {
	return Message{Type: TypeStatusReply, NewStatus: status, RequestID: requestID, Time: t}
}

func SendToFactorioMessage(data string) Message {
	return Message{Type: TypeSendToFactorio, Data: data, Time: time.Now()}
}

func StopMessage() Message {
	return Message{Type: TypeStop, Time: time.Now()}
}

func ForceStopMessage() Message {
	return Message{Type: TypeForceStop, Time: time.Now()}
}

func GetStatusMessage(requestID string) Message {
	return Message{Type: TypeGetStatus, RequestID: requestID, Time: time.Now()}
}

// ErrMalformed wraps a line that is not a valid Message. The connection is
// still usable after it.
var ErrMalformed = errors.New("wrapper: malformed message")

// maxLineSize caps one protocol line. Game output lines are short; this only
// bounds memory on a misbehaving peer.
const maxLineSize = 1024 * 1024

// Conn is a message-oriented view of a stream connection. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	wmu sync.Mutex
	enc *json.Encoder
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Conn{
		conn:    c,
		scanner: scanner,
		enc:     json.NewEncoder(c),
	}
}

// Send writes msg as one line.
func (c *Conn) Send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Receive reads the next message. It returns io.EOF when the peer closes
// cleanly and an error wrapping ErrMalformed for undecodable lines.
func (c *Conn) Receive() (Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	var msg Message
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
