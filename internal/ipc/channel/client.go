package channel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
)

// Client is the child side of a channel. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Client struct {
	conn net.Conn
	r    *ipc.Reader

	mu sync.Mutex
	w  *ipc.Writer
}

// Dial connects to a host channel and performs the handshake.
func Dial(ctx context.Context, address string, nonce id.Nonce, pid int32) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c := &Client{
		conn: conn,
		r:    ipc.NewReader(conn),
		w:    ipc.NewWriter(conn),
	}

	hello := ipc.NewMessage(ipc.RoutingControl, ipc.MsgHello,
		ipc.MustEncodePayload(ipc.Hello{PID: pid, Nonce: nonce.String()}))
	if err := c.Send(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return c, nil
}

// Send writes and flushes one envelope.
func (c *Client) Send(env *ipc.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.w.Write(env); err != nil {
		return err
	}
	return c.w.Flush()
}

// Receive blocks for the next envelope from the host.
func (c *Client) Receive() (*ipc.Envelope, error) {
	return c.r.Read()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
