// Package websocket pushes delivered monitor events to the browser clients
// watching a console session.
//
// Each WebSocket client subscribes to exactly one session. The Broadcaster
// encodes a batch once and hands the frame to every client of that session
// with a non-blocking send, so a slow browser never holds up the poller
// callback that published the batch; its frame is dropped instead and counted
// in Client.Dropped.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/console/internal/monitor"
)

// Message types.
const (
	TypeEvents   = "events"
	TypeListener = "listener"
)

// Message is the JSON envelope pushed to browser clients.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts"`

	// Set for TypeEvents.
	Endpoint string         `json:"endpoint,omitempty"`
	Events   []monitor.View `json:"events,omitempty"`

	// Set for TypeListener.
	Listening *bool `json:"listening,omitempty"`
}

// Client is one connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister.
type Client struct {
	id        string
	sessionID string
	send      chan []byte
	Dropped   atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// SessionID returns the session the client watches.
func (c *Client) SessionID() string { return c.sessionID }

// Send returns the channel of encoded frames for this client. It is closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans session messages out to registered clients. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger
	now     func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client frame
// buffer; 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a client watching sessionID. After Close it returns a client
// whose Send channel is already closed.
func (b *Broadcaster) Register(id, sessionID string) *Client {
	c := &Client{
		id:        id,
		sessionID: sessionID,
		send:      make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// SessionClients returns the number of clients watching sessionID.
func (b *Broadcaster) SessionClients(sessionID string) int {
	n := 0
	b.clients.Range(func(_, v any) bool {
		if v.(*Client).sessionID == sessionID {
			n++
		}
		return true
	})
	return n
}

// PublishEvents sends one delivered batch to the clients of sessionID.
func (b *Broadcaster) PublishEvents(sessionID, endpoint string, events []monitor.Event) {
	if len(events) == 0 {
		return
	}
	b.publish(Message{
		Type:      TypeEvents,
		SessionID: sessionID,
		Timestamp: b.now().UTC(),
		Endpoint:  endpoint,
		Events:    monitor.RenderAll(events),
	})
}

// PublishListener tells the clients of sessionID that its listener started
// or stopped.
func (b *Broadcaster) PublishListener(sessionID string, listening bool) {
	b.publish(Message{
		Type:      TypeListener,
		SessionID: sessionID,
		Timestamp: b.now().UTC(),
		Listening: &listening,
	})
}

func (b *Broadcaster) publish(msg Message) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.sessionID != msg.SessionID {
			return true
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping message",
				slog.String("client_id", c.id),
				slog.String("session_id", c.sessionID),
				slog.String("type", msg.Type),
			)
		}
		return true
	})
}

// DisconnectSession unregisters every client of sessionID.
func (b *Broadcaster) DisconnectSession(sessionID string) {
	b.clients.Range(func(k, v any) bool {
		if v.(*Client).sessionID == sessionID {
			b.Unregister(k.(string))
		}
		return true
	})
}

// Close unregisters every client. Afterwards publishing is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(k, _ any) bool {
			b.Unregister(k.(string))
			return true
		})
	})
}
