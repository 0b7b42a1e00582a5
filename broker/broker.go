// Package broker implements the YDL broker's channel routing table: the
// in-memory mapping from channel name to the set of currently connected
// subscribers, and the fan-out of published frames across it.
//
// Subscribers are addressed by raw frame bytes; the table never re-decodes
// a publish before forwarding it, and publishing never excludes the
// sender — self-delivery is symmetric.
package broker

import (
	"sync"

	"github.com/ydl-project/ydl/internal/metrics"
)

// Subscriber is anything the routing table can hand a raw outbound frame
// to. A connection's outbound writer (see connection.go) is the only
// production implementation; tests may supply simpler fakes.
type Subscriber interface {
	// ID returns an identifier for the subscriber. The routing table does
	// not use it: the table keys subscribers by the Subscriber value itself.
	ID() string
	// Enqueue hands frame to the subscriber's outbound path. It must not
	// block the caller (the broker's publish path) for longer than it takes
	// to push onto a buffered queue; a full queue signals backpressure by
	// disconnecting the subscriber rather than blocking the publisher.
	Enqueue(frame []byte)
}

// Table is the broker's channel-to-subscriber routing table. It is safe for
// concurrent use.
type Table struct {
	mu       sync.RWMutex
	channels map[string]map[Subscriber]struct{}
	metrics  *metrics.Broker
}

// NewTable creates an empty routing table. m may be nil, in which case
// metrics are not recorded.
func NewTable(m *metrics.Broker) *Table {
	return &Table{
		channels: make(map[string]map[Subscriber]struct{}),
		metrics:  m,
	}
}

// Subscribe registers sub as a subscriber of channel, creating the channel
// entry lazily if it doesn't already exist.
func (t *Table) Subscribe(channel string, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.channels[channel]
	if !ok {
		set = make(map[Subscriber]struct{})
		t.channels[channel] = set
	}
	set[sub] = struct{}{}
	t.recordChannelCountLocked()
}

// Unsubscribe removes sub from channel. If that leaves the channel with no
// subscribers, the entry is removed (an empty entry would be equally
// correct too; removing it keeps ListChannels accurate for the admin
// surface).
func (t *Table) Unsubscribe(channel string, sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.channels[channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(t.channels, channel)
	}
	t.recordChannelCountLocked()
}

// UnsubscribeAll removes sub from each of channels, dropping any channel
// entry left empty. A connection calls this once, on teardown, with the
// subscription set it declared at handshake.
func (t *Table) UnsubscribeAll(sub Subscriber, channels []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, channel := range channels {
		if set, ok := t.channels[channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(t.channels, channel)
			}
		}
	}
	t.recordChannelCountLocked()
}

func (t *Table) recordChannelCountLocked() {
	if t.metrics != nil {
		t.metrics.ChannelsActive.Set(float64(len(t.channels)))
	}
}

// Publish forwards frame to every current subscriber of channel, including
// the publisher itself if it is among them — self-delivery is symmetric,
// never filtered. It returns the number of subscribers the frame was
// handed to; zero means the publish was a no-op, not an error.
//
// The subscriber set is copied out under the read lock and then iterated
// without holding it, so a concurrent Subscribe/Unsubscribe elsewhere never
// blocks on a slow fan-out, and a subscriber that is mid-teardown is simply
// handed a frame its own Enqueue is free to drop.
func (t *Table) Publish(channel string, frame []byte) int {
	t.mu.RLock()
	set := t.channels[channel]
	if len(set) == 0 {
		t.mu.RUnlock()
		if t.metrics != nil {
			t.metrics.MessagesPublishedNoop.Inc()
		}
		return 0
	}
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	for _, sub := range subs {
		sub.Enqueue(frame)
	}
	if t.metrics != nil {
		t.metrics.MessagesPublishedOK.Inc()
		t.metrics.FanoutTotal.Add(float64(len(subs)))
	}
	return len(subs)
}

// ChannelInfo describes one channel for the admin surface.
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// ListChannels returns every channel currently known to the table along
// with its subscriber count, for the admin HTTP surface only — this is not
// part of the wire protocol or any RPC surface the broker exposes to
// clients.
func (t *Table) ListChannels() []ChannelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(t.channels))
	for name, set := range t.channels {
		out = append(out, ChannelInfo{Name: name, Subscribers: len(set)})
	}
	return out
}

// SubscriberCount returns the number of subscribers of channel (0 if the
// channel is unknown).
func (t *Table) SubscriberCount(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}
