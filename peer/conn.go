// Package peer is the server end of a dynamic virtual channel for hosts
// without a remote desktop stack. It accepts clients on a packet socket, hands
// each connection to the plugin listening on the configured channel name and
// sends the plugin's replies back as header-prefixed chunks.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/dvc"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("peer: invalid codec")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("peer: invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("peer: connection closed")
	// ErrBufferFull is returned by Write when the send queue is full. The
	// message was not queued; WriteBlocking and WriteTimeout wait for room.
	ErrBufferFull = errors.New("peer: send buffer full")
)

// Default configuration values.
const (
	defaultBufferSize  = 16
	defaultIdleTimeout = 5 * time.Minute
)

// Conn is one client connection. Reads and writes run in separate loops; a
// message is queued as the datagrams its codec produced and written in order.
type Conn struct {
	rawConn net.Conn
	logger  Logger

	opts options

	sendMsg chan [][]byte
	closed  atomic.Bool

	mu     sync.Mutex // guards cancel
	cancel context.CancelFunc
}

// NewConn wraps conn. A codec and a message handler are required.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Conn{
		rawConn: conn,
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan [][]byte, opts.bufferSize),
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = dvc.DefaultMaxWriteLength
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	return nil
}

// Run starts the read and write loops and blocks until one of them fails or
// ctx is canceled. The connection is closed when Run returns. Run on a closed
// connection returns ErrConnectionClosed.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// The read loop only notices cancellation between datagrams.
	stop := context.AfterFunc(child, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
	})
	defer stop()

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close stops the loops and closes the underlying connection. Safe to call
// more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.rawConn.Close()
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues message without blocking. It returns ErrBufferFull when the
// send queue has no room.
func (c *Conn) Write(message Message) error {
	data, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues message, waiting for room until ctx is done.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	data, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues message, waiting up to timeout for room. It returns
// ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	data, err := c.encode(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- data:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the address of the connection. Clients of unix sockets are
// usually unnamed, so the local address is reported for them.
func (c *Conn) Addr() net.Addr {
	if addr := c.rawConn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr
	}
	return c.rawConn.LocalAddr()
}

func (c *Conn) encode(message Message) ([][]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return c.opts.codec.Encode(message)
}

// readLoop decodes messages until ctx is done or an error disconnects.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))

		message, err := c.opts.codec.Decode(c.rawConn)
		if err == nil && message.Length() > c.opts.maxReadLength {
			err = dvc.ErrMessageTooLarge
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
}

// writeLoop writes queued messages until ctx is done or a write disconnects.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			for _, d := range data {
				if err := c.write(d); err != nil {
					return err
				}
			}
		}
	}
}

// write sends one datagram. An error the onError callback suppresses is
// dropped.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))

	_, err := c.rawConn.Write(data)
	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
