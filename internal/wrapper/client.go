package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

var clientLog = logging.ForComponent(logging.CompWrapper)

// Handler executes controller commands on the wrapper side.
type Handler interface {
	SendToFactorio(data string) error
	Stop() error
	ForceStop() error
	Status() server.Status
}

// Client is the wrapper end of a controller connection.
type Client struct {
	serverID string
	conn     *Conn
	now      func() time.Time
}

// Dial connects to the controller socket and registers serverID.
func Dial(ctx context.Context, socketPath, serverID string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial controller: %w", err)
	}
	return NewClient(NewConn(c), serverID)
}

// NewClient registers serverID over an established connection.
func NewClient(conn *Conn, serverID string) (*Client, error) {
	cl := &Client{serverID: serverID, conn: conn, now: time.Now}
	if err := conn.Send(RegisterMessage(serverID, cl.now())); err != nil {
		conn.Close()
		return nil, err
	}
	return cl, nil
}

// SendOutput reports one line of game output.
func (c *Client) SendOutput(line string) error {
	return c.conn.Send(FactorioOutputMessage(line, c.now()))
}

// SendWrapperOutput reports one wrapper diagnostic line.
func (c *Client) SendWrapperOutput(line string) error {
	return c.conn.Send(WrapperOutputMessage(line, c.now()))
}

// SendStatus reports a status change.
func (c *Client) SendStatus(newStatus, oldStatus server.Status) error {
	return c.conn.Send(StatusChangedMessage(newStatus, oldStatus, c.now()))
}

// Serve executes controller commands until the connection closes or ctx is
// done. A clean close by the controller returns nil.
func (c *Client) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				clientLog.Warn("protocol_fault", slog.String("error", err.Error()))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.dispatch(msg, h); err != nil {
			clientLog.Warn("command_failed",
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()))
			_ = c.SendWrapperOutput(fmt.Sprintf("[WRAPPER] %s failed: %v", msg.Type, err))
		}
	}
}

func (c *Client) dispatch(msg Message, h Handler) error {
	switch msg.Type {
	case TypeSendToFactorio:
		return h.SendToFactorio(msg.Data)
	case TypeStop:
		return h.Stop()
	case TypeForceStop:
		return h.ForceStop()
	case TypeGetStatus:
		return c.conn.Send(StatusReplyMessage(h.Status(), msg.RequestID, c.now()))
	default:
		clientLog.Warn("protocol_fault", slog.String("type", string(msg.Type)))
		return nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
