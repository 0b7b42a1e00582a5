package broker

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ydl-project/ydl/internal/logger"
	"github.com/ydl-project/ydl/internal/metrics"
	"github.com/ydl-project/ydl/wire"
)

// connection is the broker's per-connection state machine: HANDSHAKING while
// it waits for the subscription declaration frame, ACTIVE once registered in
// the routing table, CLOSED on any I/O error, malformed frame, or peer
// close. It implements Subscriber so the routing table can address it
// directly.
//
// Outbound frames pass through a bounded channel drained by a dedicated
// writer goroutine rather than being written synchronously from the
// publish path, so a subscriber stuck on a slow TCP write cannot stall
// delivery to anyone else.
type connection struct {
	id   string
	conn net.Conn
	log  *logger.Logger

	table   *Table
	metrics *metrics.Broker

	outbound chan []byte

	subscribedMu sync.Mutex
	subscribed   []string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn net.Conn, table *Table, m *metrics.Broker, log *logger.Logger, queueSize int) *connection {
	id := uuid.NewString()
	return &connection{
		id:       id,
		conn:     conn,
		log:      log.With(id[:8]),
		table:    table,
		metrics:  m,
		outbound: make(chan []byte, queueSize),
		closed:   make(chan struct{}),
	}
}

// ID implements Subscriber.
func (c *connection) ID() string { return c.id }

// Enqueue implements Subscriber. It never blocks: a full queue means the
// subscriber has fallen behind, and the broker drops the slow peer rather
// than stalling the publisher.
func (c *connection) Enqueue(frame []byte) {
	select {
	case c.outbound <- frame:
	case <-c.closed:
	default:
		if c.metrics != nil {
			c.metrics.SubscribersDropped.Inc()
		}
		c.log.Warn("outbound queue full, dropping slow subscriber")
		c.Close()
	}
}

// serve runs the connection's full lifecycle: handshake, then alternating
// reads (publishes from this connection) and the writer goroutine's
// forwarding of fan-out frames, until either direction fails.
func (c *connection) serve(handshakeTimeout time.Duration) {
	defer c.Close()

	if c.metrics != nil {
		c.metrics.ConnectionsActive.Inc()
	}

	channels, err := c.handshake(handshakeTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HandshakeFailures.Inc()
		}
		c.log.Debug("handshake failed: %v", err)
		return
	}
	c.subscribedMu.Lock()
	c.subscribed = channels
	c.subscribedMu.Unlock()
	for _, ch := range channels {
		c.table.Subscribe(ch, c)
	}
	c.log.Info("active, subscribed to %v", channels)

	go c.writeLoop()
	c.readLoop()
}

// handshake reads the first frame off the connection and validates it is a
// subscription declaration: channel == wire.SubscribeChannel, remaining
// elements the channel names to register under. A missing or malformed
// declaration drops the connection; handshakeTimeout bounds how long a
// peer gets to send it.
func (c *connection) handshake(timeout time.Duration) ([]string, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	msg, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if msg.Channel() != wire.SubscribeChannel {
		return nil, errors.New("first frame was not a subscription declaration")
	}
	channels := make([]string, 0, len(msg.Args()))
	for _, a := range msg.Args() {
		name, ok := a.(string)
		if !ok || name == "" {
			return nil, errors.New("subscription declaration named a non-string or empty channel")
		}
		channels = append(channels, name)
	}
	return channels, nil
}

// readLoop reads publish frames from the peer until error or EOF, forwarding
// each to the routing table. It never filters the publisher out of its own
// channel's subscriber set: self-delivery is symmetric, never filtered.
func (c *connection) readLoop() {
	for {
		// ReadFrame consumes exactly one frame, so the tee captures that
		// frame's raw bytes for forwarding unchanged.
		var raw bytes.Buffer
		msg, err := wire.ReadFrame(io.TeeReader(c.conn, &raw))
		if err != nil {
			if err != io.EOF {
				c.log.Debug("read: %v", err)
			}
			return
		}
		c.table.Publish(msg.Channel(), raw.Bytes())
	}
}

// writeLoop drains the outbound queue to the peer's transport. It is the
// only goroutine that writes to c.conn, so no write-side mutex is needed.
func (c *connection) writeLoop() {
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			if _, err := c.conn.Write(frame); err != nil {
				c.log.Debug("write: %v", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close tears the connection down: de-registers it from every channel it
// subscribed to and closes the transport. Safe to call more than once and
// from multiple goroutines.
func (c *connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.subscribedMu.Lock()
		channels := c.subscribed
		c.subscribedMu.Unlock()
		c.table.UnsubscribeAll(c, channels)
		_ = c.conn.Close()
		if c.metrics != nil {
			c.metrics.ConnectionsActive.Dec()
		}
	})
}
