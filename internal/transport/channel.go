package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portalchat/internal/wire"
)

// Options configures a Channel. Handler is required and is invoked from a
// single goroutine, one event at a time, in arrival order.
type Options struct {
	URL   string
	Token string

	Handler      func(wire.Event)
	OnConnect    func()      // after every successful dial, including reconnects
	OnDisconnect func(error) // after the read loop stops unexpectedly

	// Reconnect enables exponential-backoff redial after a connection
	// failure. The engine replays its active subscription from OnConnect.
	Reconnect            bool
	InitialReconnectWait time.Duration
	MaxReconnectWait     time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration

	Logger *zap.SugaredLogger
}

// Channel owns one persistent duplex connection to the chat server. It
// serializes outbound commands to JSON and delivers decoded inbound events
// to the registered handler. It carries no business logic.
type Channel struct {
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewChannel(opts Options) *Channel {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Channel{opts: opts}
}

// SetHandler installs the event handler. It must be called before Connect;
// constructing the consumer usually requires the channel first.
func (c *Channel) SetHandler(h func(wire.Event)) {
	c.opts.Handler = h
}

// SetOnConnect installs the connect hook. It must be called before Connect.
func (c *Channel) SetOnConnect(f func()) {
	c.opts.OnConnect = f
}

// Connect dials the server and starts the read loop. The first dial failing
// is returned to the caller; later failures go through the reconnect policy.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
	go c.run(ctx)
	return nil
}

// Send encodes and transmits a command. Sends are best-effort: when the
// channel is not currently open the command is dropped, not queued.
func (c *Channel) Send(cmd wire.Command) error {
	data, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.opts.Logger.Debugw("channel closed, dropping command", "type", cmd)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.opts.Logger.Warnw("channel write failed", "err", err)
	}
	return nil
}

// Close shuts the channel down. Undelivered commands are not requeued.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Connected reports whether a live connection is currently held.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) run(ctx context.Context) {
	for {
		err := c.readLoop()
		c.dropConn()
		if c.isClosed() || ctx.Err() != nil {
			return
		}
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}
		if !c.opts.Reconnect {
			return
		}
		if err := c.redial(ctx); err != nil {
			c.opts.Logger.Warnw("channel reconnect abandoned", "err", err)
			return
		}
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}
	}
}

// readLoop pumps frames until the connection fails. Malformed frames are
// logged and skipped; they never reach the handler.
func (c *Channel) readLoop() error {
	conn := c.currentConn()
	if conn == nil {
		return net.ErrClosed
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		evt, err := wire.DecodeEvent(data)
		if err != nil {
			c.opts.Logger.Warnw("discarding malformed frame", "err", err)
			continue
		}
		c.opts.Handler(evt)
	}
}

func (c *Channel) redial(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // keep trying until closed or ctx cancelled
	if c.opts.InitialReconnectWait > 0 {
		b.InitialInterval = c.opts.InitialReconnectWait
	}
	if c.opts.MaxReconnectWait > 0 {
		b.MaxInterval = c.opts.MaxReconnectWait
	}

	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(net.ErrClosed)
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.opts.Logger.Debugw("channel redial failed", "err", err)
			return err
		}
		c.setConn(conn)
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
