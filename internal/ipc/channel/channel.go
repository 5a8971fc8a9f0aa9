// Package channel implements the bidirectional framed message pipe between
// the host and one child process.
//
// The host side listens on a unix socket named after the channel id before
// the child exists. Sends made before the child connects are buffered and
// flushed in order once the handshake completes. All listener callbacks are
// posted to the control loop; the channel's own goroutines never call the
// listener directly.
package channel

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/prochost/internal/control"
	"github.com/GriffinCanCode/prochost/internal/ipc"
	"github.com/GriffinCanCode/prochost/internal/shared/id"
)

var (
	ErrChannelClosed   = errors.New("channel closed")
	ErrHandshakeFailed = errors.New("channel handshake failed")
)

// Listener receives channel events on the control loop.
type Listener interface {
	OnMessageReceived(env *ipc.Envelope) bool
	OnChannelConnected(peerPID int32)
	OnChannelError()
}

// Channel is the host side of a child connection.
type Channel interface {
	ID() id.ChannelID
	Address() string
	Nonce() id.Nonce
	// Send queues env for delivery. It never blocks and returns false once
	// the channel is closed.
	Send(env *ipc.Envelope) bool
	// WaitFor blocks the caller until a message with the given routing id and
	// type arrives or timeout elapses. A matching message is handed to the
	// waiter instead of the listener.
	WaitFor(routingID int32, msgType uint32, timeout time.Duration) (*ipc.Envelope, bool)
	Close() error
}

// Config configures server channels.
type Config struct {
	Dir              string
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the standard channel configuration.
func DefaultConfig() Config {
	return Config{
		Dir:              filepath.Join(os.TempDir(), "prochost"),
		HandshakeTimeout: 10 * time.Second,
	}
}

type waitKey struct {
	routingID int32
	msgType   uint32
}

// SocketChannel is a Channel over a unix domain socket.
type SocketChannel struct {
	id       id.ChannelID
	nonce    id.Nonce
	address  string
	config   Config
	listener Listener
	poster   control.Poster
	logger   *zap.Logger

	ln   net.Listener
	conn net.Conn

	mu        sync.Mutex
	outbound  []*ipc.Envelope
	connected bool
	waiters   map[waitKey]chan *ipc.Envelope
	wake      chan struct{}

	closed    atomic.Bool
	errorSent atomic.Bool
	wg        sync.WaitGroup
}

// NewServer creates the listening side of a channel and starts accepting.
func NewServer(cfg Config, listener Listener, poster control.Poster, logger *zap.Logger) (*SocketChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	chanID := id.NewChannelID(os.Getpid())
	address := filepath.Join(cfg.Dir, chanID.String()+".sock")

	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	c := &SocketChannel{
		id:       chanID,
		nonce:    id.NewNonce(),
		address:  address,
		config:   cfg,
		listener: listener,
		poster:   poster,
		logger:   logger.Named("channel").With(zap.String("channel_id", chanID.String())),
		ln:       ln,
		waiters:  make(map[waitKey]chan *ipc.Envelope),
		wake:     make(chan struct{}, 1),
	}

	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

func (c *SocketChannel) ID() id.ChannelID { return c.id }
func (c *SocketChannel) Address() string  { return c.address }
func (c *SocketChannel) Nonce() id.Nonce  { return c.nonce }

// Connected reports whether the peer completed the handshake.
func (c *SocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send implements Channel.
func (c *SocketChannel) Send(env *ipc.Envelope) bool {
	if c.closed.Load() {
		return false
	}

	c.mu.Lock()
	c.outbound = append(c.outbound, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// WaitFor implements Channel.
func (c *SocketChannel) WaitFor(routingID int32, msgType uint32, timeout time.Duration) (*ipc.Envelope, bool) {
	if c.closed.Load() {
		return nil, false
	}

	key := waitKey{routingID: routingID, msgType: msgType}
	ch := make(chan *ipc.Envelope, 1)

	c.mu.Lock()
	if _, busy := c.waiters[key]; busy {
		c.mu.Unlock()
		return nil, false
	}
	c.waiters[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, env != nil
	case <-timer.C:
		return nil, false
	}
}

// Close tears the channel down. Events already posted to the loop but not yet
// run are dropped.
func (c *SocketChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.ln.Close()

	c.mu.Lock()
	conn := c.conn
	for key, ch := range c.waiters {
		close(ch)
		delete(c.waiters, key)
	}
	c.outbound = nil
	c.mu.Unlock()

	if conn != nil {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}

	c.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *SocketChannel) acceptLoop() {
	defer c.wg.Done()

	conn, err := c.ln.Accept()
	// One peer per channel.
	_ = c.ln.Close()
	if err != nil {
		if !c.closed.Load() {
			c.logger.Warn("Accept failed", zap.Error(err))
			c.postError()
		}
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	r := ipc.NewReader(conn)
	hello, err := c.handshake(conn, r)
	if err != nil {
		_ = conn.Close()
		if !c.closed.Load() {
			c.logger.Warn("Handshake failed", zap.Error(err))
			c.postError()
		}
		return
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("Peer connected", zap.Int32("peer_pid", hello.PID))
	c.post(func() { c.listener.OnChannelConnected(hello.PID) })

	c.wg.Add(1)
	go c.writeLoop(conn)
	c.readLoop(r)
}

func (c *SocketChannel) handshake(conn net.Conn, r *ipc.Reader) (*ipc.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
		return nil, err
	}
	env, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if !env.IsControl() || env.Type != ipc.MsgHello {
		return nil, fmt.Errorf("unexpected first message %s: %w", env, ErrHandshakeFailed)
	}

	var hello ipc.Hello
	if err := ipc.DecodePayload(env, &hello); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrHandshakeFailed)
	}
	if subtle.ConstantTimeCompare([]byte(hello.Nonce), []byte(c.nonce)) != 1 {
		return nil, fmt.Errorf("nonce mismatch: %w", ErrHandshakeFailed)
	}
	return &hello, conn.SetReadDeadline(time.Time{})
}

func (c *SocketChannel) readLoop(r *ipc.Reader) {
	for {
		env, err := r.Read()
		if err != nil {
			if !c.closed.Load() {
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("Read failed", zap.Error(err))
				}
				c.postError()
			}
			return
		}

		if c.deliverToWaiter(env) {
			continue
		}
		c.post(func() { c.listener.OnMessageReceived(env) })
	}
}

func (c *SocketChannel) deliverToWaiter(env *ipc.Envelope) bool {
	key := waitKey{routingID: env.RoutingID, msgType: env.Type}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiters[key]
	if !ok {
		return false
	}
	delete(c.waiters, key)
	ch <- env
	return true
}

func (c *SocketChannel) writeLoop(conn net.Conn) {
	defer c.wg.Done()
	w := ipc.NewWriter(conn)

	for {
		c.mu.Lock()
		batch := c.outbound
		c.outbound = nil
		c.mu.Unlock()

		for _, env := range batch {
			if err := w.Write(env); err != nil {
				c.writeFailed(err)
				return
			}
		}
		if len(batch) > 0 {
			if err := w.Flush(); err != nil {
				c.writeFailed(err)
				return
			}
		}

		if c.closed.Load() {
			return
		}
		<-c.wake
		if c.closed.Load() {
			return
		}
	}
}

func (c *SocketChannel) writeFailed(err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("Write failed", zap.Error(err))
	c.postError()
}

// post schedules fn on the control loop unless the channel closes first.
func (c *SocketChannel) post(fn func()) {
	c.poster.Post(func() {
		if c.closed.Load() {
			return
		}
		fn()
	})
}

func (c *SocketChannel) postError() {
	if !c.errorSent.CompareAndSwap(false, true) {
		return
	}
	c.post(c.listener.OnChannelError)
}
