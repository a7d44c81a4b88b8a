package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/auth"
	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/protocol"
	"github.com/rosslyle/beacon/internal/ratelimit"
	"github.com/rosslyle/beacon/internal/registry"
	"github.com/rosslyle/beacon/internal/stream"
)

// Config holds connection lifecycle timings.
type Config struct {
	// AuthTimeout closes connections that present no valid auth in time.
	AuthTimeout time.Duration
	// HeartbeatInterval is how often the server emits a heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatGrace is how long the client has to reply to one heartbeat.
	HeartbeatGrace time.Duration
	// MaxMissedHeartbeats consecutive misses close the connection.
	MaxMissedHeartbeats int
	// OutboundBuffer bounds the per-connection outbound queue.
	OutboundBuffer int
}

// DefaultConfig returns the documented protocol timings.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:         5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatGrace:      10 * time.Second,
		MaxMissedHeartbeats: 3,
		OutboundBuffer:      64,
	}
}

// Manager owns every live connection: it admits them, runs their heartbeat,
// and tears them down together with their subscriptions.
type Manager struct {
	cfg      Config
	verifier auth.Verifier
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	events   *stream.Buffer
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[uuid.UUID]*Conn
	byUser map[uuid.UUID]map[uuid.UUID]*Conn
}

// NewManager creates a connection manager.
func NewManager(cfg Config, verifier auth.Verifier, limiter *ratelimit.Limiter, reg *registry.Registry, events *stream.Buffer, logger *zap.Logger) *Manager {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 10 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		limiter:  limiter,
		registry: reg,
		events:   events,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[uuid.UUID]*Conn),
		byUser: make(map[uuid.UUID]map[uuid.UUID]*Conn),
	}
}

// HandleWS upgrades an HTTP request and serves the connection until close.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	token := r.URL.Query().Get("token")
	var lastEventID int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		lastEventID, _ = strconv.ParseInt(raw, 10, 64)
	}

	m.serve(ws, token, lastEventID)
}

func (m *Manager) serve(ws *websocket.Conn, uriToken string, uriLastEventID int64) {
	c := newConn(ws, m.cfg.OutboundBuffer, m.logger)
	metrics.ConnOpened()

	go c.writePump()

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	// No valid auth within the deadline closes the connection with 4001.
	authTimer := time.AfterFunc(m.cfg.AuthTimeout, func() {
		if c.State() == StateAuthenticating {
			c.sendError(protocol.CodeAuthRequired, "authentication required", "no auth received within deadline", "")
			m.close(c, protocol.CloseAuthFailed, "auth timeout")
		}
	})
	defer authTimer.Stop()

	if uriToken != "" {
		m.authenticate(c, uriToken, uriLastEventID)
	}

	m.readLoop(c)
	m.close(c, websocket.CloseNormalClosure, "read loop ended")
}

func (m *Manager) readLoop(c *Conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError(protocol.CodeInvalidRequest, "malformed message", err.Error(), "")
			continue
		}

		if c.State() == StateDisconnected {
			return
		}
		m.handleMessage(c, &env)
	}
}

func (m *Manager) handleMessage(c *Conn, env *protocol.Envelope) {
	// The message budget applies once authenticated; the auth message
	// itself is admitted so a user can always (re)authenticate.
	if c.State() == StateConnected && env.Type != protocol.TypeHeartbeat {
		res, err := m.limiter.AllowMessage(context.Background(), c.UserID())
		if err != nil {
			m.logger.Warn("message rate check failed", zap.Error(err))
		} else if !res.Allowed {
			c.sendError(protocol.CodeRateLimited, "message rate limit exceeded", "", env.ID)
			m.recordViolation(c)
			return
		}
	}

	switch env.Type {
	case protocol.TypeAuth:
		var data protocol.AuthData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.sendError(protocol.CodeInvalidRequest, "malformed auth data", err.Error(), env.ID)
			return
		}
		m.authenticate(c, data.Token, data.LastEventID)

	case protocol.TypeSubscribe:
		m.handleSubscribe(c, env)

	case protocol.TypeUnsubscribe:
		m.handleUnsubscribe(c, env)

	case protocol.TypeHeartbeat:
		c.noteHeartbeatAck()

	default:
		c.sendError(protocol.CodeInvalidRequest, "unknown message type", env.Type, env.ID)
	}
}

func (m *Manager) authenticate(c *Conn, token string, lastEventID int64) {
	if c.State() == StateConnected {
		return // already authenticated; fresh auth on a live connection is a no-op
	}

	userID, err := m.verifier.Verify(token)
	if err != nil {
		c.sendError(protocol.CodeAuthFailed, "authentication failed", "", "")
		m.close(c, protocol.CloseAuthFailed, "bad token")
		return
	}

	allowed, err := m.limiter.AllowConnection(context.Background(), userID)
	if err != nil {
		m.logger.Warn("connection admission check failed", zap.Error(err))
		// Fail open on limiter backend errors; admission is best effort.
		allowed = true
	}
	if !allowed {
		c.sendError(protocol.CodeRateLimited, "too many concurrent connections", "", "")
		m.close(c, protocol.CloseAbuse, "connection cap")
		return
	}

	c.mu.Lock()
	c.userID = userID
	c.state = StateConnected
	c.mu.Unlock()

	m.mu.Lock()
	m.conns[c.id] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[uuid.UUID]*Conn)
	}
	m.byUser[userID][c.id] = c
	m.mu.Unlock()

	m.logger.Info("connection authenticated",
		zap.String("connection_id", c.id.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("last_event_id", lastEventID),
	)

	go m.heartbeatLoop(c)

	if lastEventID > 0 {
		m.backfill(c, lastEventID)
	}
}

// backfill replays retained events newer than the client's cursor. Events
// outside the retention window are gone; resumption is best effort.
func (m *Manager) backfill(c *Conn, lastEventID int64) {
	events := m.events.Since(lastEventID)
	for _, e := range events {
		env, _, ok := protocol.EventEnvelope(e)
		if !ok {
			continue
		}
		c.Enqueue(env, domain.PriorityHigh)
	}
	if len(events) > 0 {
		m.logger.Debug("backfilled events",
			zap.String("connection_id", c.id.String()),
			zap.Int("count", len(events)),
			zap.Int64("since", lastEventID),
		)
	}
}

func (m *Manager) handleSubscribe(c *Conn, env *protocol.Envelope) {
	if c.State() != StateConnected {
		c.sendError(protocol.CodeAuthRequired, "authentication required", "", env.ID)
		return
	}

	var data protocol.SubscribeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.sendError(protocol.CodeInvalidRequest, "malformed subscribe data", err.Error(), env.ID)
		return
	}

	res, err := m.limiter.AllowSubscribeRequest(context.Background(), c.UserID())
	if err != nil {
		m.logger.Warn("subscribe rate check failed", zap.Error(err))
	} else if !res.Allowed {
		c.sendError(protocol.CodeRateLimited, "subscription rate limit exceeded", "", env.ID)
		m.recordViolation(c)
		return
	}

	if m.registry.ConnectionCount(c.id) >= m.limiter.SubscriptionCap() {
		c.sendError(protocol.CodeSubscriptionFailed, "subscription limit reached", "", env.ID)
		m.recordViolation(c)
		return
	}

	if err := m.registry.Subscribe(c, data.Channel, data.Params); err != nil {
		switch {
		case err == registry.ErrInvalidChannel:
			c.sendError(protocol.CodeInvalidChannel, "unknown channel", data.Channel, env.ID)
		case err == registry.ErrInvalidParams:
			c.sendError(protocol.CodeInvalidParams, "invalid channel parameters", "", env.ID)
		default:
			c.sendError(protocol.CodeSubscriptionFailed, "subscription failed", "", env.ID)
		}
		return
	}

	ack, _ := protocol.NewEnvelope(protocol.TypeSubscribed, data)
	ack.ID = env.ID
	c.Enqueue(ack, domain.PriorityHigh)
}

func (m *Manager) handleUnsubscribe(c *Conn, env *protocol.Envelope) {
	if c.State() != StateConnected {
		c.sendError(protocol.CodeAuthRequired, "authentication required", "", env.ID)
		return
	}

	var data protocol.SubscribeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.sendError(protocol.CodeInvalidRequest, "malformed unsubscribe data", err.Error(), env.ID)
		return
	}

	if err := m.registry.Unsubscribe(c.id, data.Channel, data.Params); err != nil {
		c.sendError(protocol.CodeInvalidChannel, "unknown channel", data.Channel, env.ID)
		return
	}

	ack, _ := protocol.NewEnvelope(protocol.TypeUnsubscribed, data)
	ack.ID = env.ID
	c.Enqueue(ack, domain.PriorityHigh)
}

// heartbeatLoop emits a heartbeat every interval and checks the reply after
// the grace period. MaxMissedHeartbeats consecutive misses close with 4002.
func (m *Manager) heartbeatLoop(c *Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			beatAt := time.Now()
			c.Enqueue(protocol.HeartbeatEnvelope(beatAt), domain.PriorityHigh)

			time.AfterFunc(m.cfg.HeartbeatGrace, func() {
				if c.State() == StateDisconnected {
					return
				}
				if c.ackedSince(beatAt) {
					return
				}
				if c.incMissed() >= m.cfg.MaxMissedHeartbeats {
					m.close(c, protocol.CloseHeartbeatTimeout, "heartbeat timeout")
				}
			})
		}
	}
}

func (m *Manager) recordViolation(c *Conn) {
	abusive, err := m.limiter.RecordViolation(context.Background(), c.UserID())
	if err != nil {
		m.logger.Warn("violation tracking failed", zap.Error(err))
		return
	}
	if abusive {
		m.close(c, protocol.CloseAbuse, "repeated rate limit violations")
	}
}

// close tears the connection down exactly once: subscriptions first, so no
// fan-out target outlives its connection, then the transport.
func (m *Manager) close(c *Conn, code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.state == StateConnected
	userID := c.userID
	c.state = StateDisconnected
	close(c.done)
	c.mu.Unlock()

	m.registry.RemoveConnection(c.id)

	m.mu.Lock()
	delete(m.conns, c.id)
	if userConns := m.byUser[userID]; userConns != nil {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(m.byUser, userID)
		}
	}
	m.mu.Unlock()

	if wasConnected {
		if err := m.limiter.ReleaseConnection(context.Background(), userID); err != nil {
			m.logger.Warn("failed to release connection slot", zap.Error(err))
		}
	}

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()

	metrics.ConnClosed(code)
	m.logger.Info("connection closed",
		zap.String("connection_id", c.id.String()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
}

// DeliverInApp pushes a notification to every connection of the intent's
// user that subscribes to the in-app notification channel. Implements the
// delivery orchestrator's InAppDeliverer.
func (m *Manager) DeliverInApp(intent *domain.NotificationIntent) int {
	env, err := protocol.NewEnvelope(protocol.ChannelNotificationDeal.String(), map[string]any{
		"intent_id":   intent.ID.String(),
		"type":        intent.Type.String(),
		"priority":    intent.Priority.String(),
		"payload":     json.RawMessage(intent.Payload),
		"batch_count": intent.BatchCount,
	})
	if err != nil {
		return 0
	}
	return m.registry.FanoutUser(protocol.ChannelNotificationDeal.String(), intent.UserID, env, intent.Priority)
}

// ConnCount returns the number of live connections.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every connection with a going-away code.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.close(c, websocket.CloseGoingAway, "server shutting down")
	}
}
