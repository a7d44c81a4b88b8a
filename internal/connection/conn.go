// Package connection owns the lifecycle of WebSocket client sessions:
// authentication, heartbeat, the outbound queue, and teardown.
package connection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/protocol"
)

// State is the connection lifecycle state.
//
//	Connecting -> Authenticating -> Connected -> Disconnected
//
// Reconnecting exists on the client side only: the server sees a fresh
// connection carrying last_event_id.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const writeTimeout = 10 * time.Second

type outMsg struct {
	env      *protocol.Envelope
	priority domain.Priority
}

// Conn is one transport session. Owned exclusively by the Manager; the
// subscription registry references it as a fan-out target but never manages
// its lifecycle.
type Conn struct {
	id        uuid.UUID
	createdAt time.Time
	logger    *zap.Logger
	ws        *websocket.Conn

	mu           sync.Mutex
	state        State
	userID       uuid.UUID
	lastAckAt    time.Time
	missedBeats  int
	lastEventSeq int64

	// Bounded outbound queue. Enqueue never blocks: when full, the oldest
	// below-high message is evicted; urgent messages are never dropped
	// (they stay recoverable via last_event_id if the connection dies).
	outbound []*outMsg
	outCap   int
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

func newConn(ws *websocket.Conn, outCap int, logger *zap.Logger) *Conn {
	if outCap <= 0 {
		outCap = 64
	}
	c := &Conn{
		id:        uuid.New(),
		createdAt: time.Now(),
		logger:    logger,
		ws:        ws,
		state:     StateConnecting,
		outbound:  make([]*outMsg, 0, outCap),
		outCap:    outCap,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	return c
}

// ID returns the connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID returns the authenticated user id, or uuid.Nil before auth.
func (c *Conn) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventSeq returns the highest event sequence id written to the client.
func (c *Conn) LastEventSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventSeq
}

// Enqueue appends env to the outbound queue without blocking. Reports false
// when the message was dropped because the buffer was full.
func (c *Conn) Enqueue(env *protocol.Envelope, priority domain.Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	if len(c.outbound) >= c.outCap {
		if !c.evictLocked(priority) {
			metrics.RecordOutboundDrop()
			return false
		}
	}
	c.outbound = append(c.outbound, &outMsg{env: env, priority: priority})

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// evictLocked frees one slot for an incoming message of the given priority.
// Preference order: oldest below-high message, then oldest non-urgent.
// Returns false when the newcomer itself should be dropped instead.
func (c *Conn) evictLocked(incoming domain.Priority) bool {
	drop := -1
	for i, m := range c.outbound {
		if m.priority.Rank() < domain.PriorityHigh.Rank() {
			drop = i
			break
		}
	}
	if drop == -1 {
		if incoming.Rank() < domain.PriorityHigh.Rank() {
			return false
		}
		for i, m := range c.outbound {
			if m.priority != domain.PriorityUrgent {
				drop = i
				break
			}
		}
	}
	if drop == -1 {
		// Everything buffered is urgent: let the queue grow past the cap
		// rather than lose an urgent message silently.
		return true
	}
	c.outbound = append(c.outbound[:drop], c.outbound[drop+1:]...)
	metrics.RecordOutboundDrop()
	return true
}

func (c *Conn) dequeueLocked() *outMsg {
	if len(c.outbound) == 0 {
		return nil
	}
	m := c.outbound[0]
	c.outbound = c.outbound[1:]
	return m
}

// writePump drains the outbound queue onto the wire. One goroutine per
// connection; exits when the connection closes.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			m := c.dequeueLocked()
			c.mu.Unlock()
			if m == nil {
				break
			}

			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(m.env); err != nil {
				c.logger.Debug("write failed",
					zap.String("connection_id", c.id.String()),
					zap.Error(err),
				)
				return
			}
			c.noteWritten(m.env)
		}
	}
}

// noteWritten tracks the resumption cursor for event frames.
func (c *Conn) noteWritten(env *protocol.Envelope) {
	if !protocol.KnownChannel(env.Type) {
		return
	}
	var data protocol.EventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	c.mu.Lock()
	if data.Seq > c.lastEventSeq {
		c.lastEventSeq = data.Seq
	}
	c.mu.Unlock()
}

// Heartbeat bookkeeping.

func (c *Conn) noteHeartbeatAck() {
	c.mu.Lock()
	c.lastAckAt = time.Now()
	c.missedBeats = 0
	c.mu.Unlock()
}

func (c *Conn) ackedSince(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckAt.After(t) || c.lastAckAt.Equal(t)
}

func (c *Conn) incMissed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedBeats++
	return c.missedBeats
}

// sendError writes a protocol error frame to this connection.
func (c *Conn) sendError(code, message, details, id string) {
	c.Enqueue(protocol.ErrorEnvelope(code, message, details, id), domain.PriorityHigh)
}
