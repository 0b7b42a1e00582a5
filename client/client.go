// Package client provides YDL's host-facing Client: a blocking send/receive
// interface over a TCP connection to the broker that hides reconnection
// from its caller entirely. Send and Receive never surface a transport
// error; both retry behind a reconnect loop with backoff instead.
package client

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ydl-project/ydl/internal/config"
	"github.com/ydl-project/ydl/internal/logger"
	"github.com/ydl-project/ydl/wire"
)

// ErrClosed is returned by Send and Receive once Close has been called.
var ErrClosed = errors.New("ydl: client closed")

// Option configures a Client at construction.
type Option func(*config.ClientConfig)

// WithAddress overrides the default broker endpoint (127.0.0.1:5001).
func WithAddress(host string, port int) Option {
	return func(c *config.ClientConfig) {
		c.Host = host
		c.Port = port
	}
}

// WithInboxSize overrides the default bound on the client's FIFO inbound
// queue of not-yet-received messages.
func WithInboxSize(n int) Option {
	return func(c *config.ClientConfig) { c.InboxSize = n }
}

// WithReconnectBackoff overrides the default 200ms-1s reconnect backoff
// range.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *config.ClientConfig) {
		c.MinReconnectWait = min
		c.MaxReconnectWait = max
	}
}

// Client is a connected, subscribed endpoint on the YDL bus. Its
// subscription set is fixed at construction and re-declared verbatim on
// every reconnect. Send and Receive may each be called from any number of
// goroutines; see their docs for the concurrency contract.
type Client struct {
	id       string
	cfg      config.ClientConfig
	channels []string
	log      *logger.Logger

	writeMu sync.Mutex // serializes frame writes on the current conn
	connMu  sync.RWMutex
	conn    net.Conn
	gen     uint64 // bumped on every successful reconnect

	inbox chan wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Client subscribed to channels, blocking until the
// initial connection is established and the subscription declaration has
// been sent. It never fails on connection refusal: it retries indefinitely
// with backoff.
func New(channels []string, opts ...Option) *Client {
	cfg := config.DefaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	id := uuid.NewString()
	c := &Client{
		id:       id,
		cfg:      cfg,
		channels: append([]string(nil), channels...),
		log:      logger.Default().With(id[:8]),
		inbox:    make(chan wire.Message, cfg.InboxSize),
		closed:   make(chan struct{}),
	}
	c.conn = c.dialAndSubscribe()
	go c.readLoop()
	return c
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// dialAndSubscribe blocks until it has a live, subscribed connection or the
// client has been closed (in which case it returns nil). Callers must check
// for a nil return when c.closed may already be signaled.
func (c *Client) dialAndSubscribe() net.Conn {
	wait := c.cfg.MinReconnectWait
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		conn, err := net.DialTimeout("tcp", c.addr(), c.cfg.MaxReconnectWait)
		if err == nil {
			args := make([]interface{}, len(c.channels))
			for i, ch := range c.channels {
				args[i] = ch
			}
			if err = wire.WriteFrame(conn, wire.New(wire.SubscribeChannel, args...)); err == nil {
				return conn
			}
			_ = conn.Close()
		}
		c.log.Warn("connect to %s failed, retrying: %v", c.addr(), err)

		select {
		case <-c.closed:
			return nil
		case <-time.After(jitter(wait)):
		}
		wait *= 2
		if wait > c.cfg.MaxReconnectWait {
			wait = c.cfg.MaxReconnectWait
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// currentConn returns the active connection and the reconnect generation it
// belongs to.
func (c *Client) currentConn() (net.Conn, uint64) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn, c.gen
}

// reconnect redials and re-subscribes, replacing the current connection.
// seenGen is the generation the caller observed failing; if another
// goroutine has already reconnected past it, reconnect is a no-op (returns
// the now-current connection) so concurrent Send/Receive failures collapse
// into a single redial instead of racing each other.
func (c *Client) reconnect(seenGen uint64) net.Conn {
	c.connMu.Lock()
	if c.gen != seenGen {
		conn := c.conn
		c.connMu.Unlock()
		return conn
	}
	old := c.conn
	c.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	newConn := c.dialAndSubscribe()

	c.connMu.Lock()
	c.conn = newConn
	c.gen++
	c.connMu.Unlock()
	return newConn
}

// Send encodes and writes message, reconnecting and retrying transparently
// on transport failure; it never returns a transport error, only a local
// *wire.EncodeError if message itself is malformed, or ErrClosed once the
// client has been closed. Concurrent Send calls
// serialize so their frames never interleave on the wire.
func (c *Client) Send(message wire.Message) error {
	if message.Channel() == wire.SubscribeChannel {
		return &wire.EncodeError{Reason: "\"__subscribe__\" is reserved and cannot be published to"}
	}
	frame, err := wire.Encode(message)
	if err != nil {
		return err
	}

	for {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}

		conn, gen := c.currentConn()
		if conn == nil {
			return ErrClosed
		}

		c.writeMu.Lock()
		_, writeErr := conn.Write(frame)
		c.writeMu.Unlock()
		if writeErr == nil {
			return nil
		}
		c.log.Debug("send failed, reconnecting: %v", writeErr)
		c.reconnect(gen)
	}
}

// Receive returns the next message addressed to this client's subscription
// set, blocking until one is available. Messages that arrived before
// Receive was called are served first, in FIFO order. On transport failure
// it reconnects transparently and resumes; concurrent Receive calls each
// get a disjoint subset of the incoming stream.
func (c *Client) Receive() (wire.Message, error) {
	select {
	case m, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-c.closed:
		select {
		case m, ok := <-c.inbox:
			if ok {
				return m, nil
			}
		default:
		}
		return nil, ErrClosed
	}
}

// readLoop owns the read side of whatever connection is current, pushing
// every decoded frame into the inbox. On transport failure it reconnects
// and resumes, so Receive's caller never observes the outage.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, gen := c.currentConn()
		if conn == nil {
			return
		}

		msg, err := wire.ReadFrame(conn)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.log.Debug("receive failed, reconnecting: %v", err)
			if c.reconnect(gen) == nil {
				return
			}
			continue
		}

		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

// Close tears the client down: subsequent Send/Receive calls return
// ErrClosed, and any Receive blocked on the transport unblocks. Safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}
