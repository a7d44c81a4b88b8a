package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/auth"
	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/protocol"
	"github.com/rosslyle/beacon/internal/ratelimit"
	"github.com/rosslyle/beacon/internal/redisclient"
	"github.com/rosslyle/beacon/internal/registry"
	"github.com/rosslyle/beacon/internal/stream"
)

const testSecret = "manager-test-secret"

type testRig struct {
	manager *Manager
	reg     *registry.Registry
	events  *stream.Buffer
	srv     *httptest.Server
}

func setupManager(t *testing.T, cfg Config) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limiter := ratelimit.New(redisclient.NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), ratelimit.DefaultConfig())
	reg := registry.New(zap.NewNop(), registry.Config{})
	events := stream.NewBuffer(64, time.Hour)

	m := NewManager(cfg, auth.NewJWTVerifier(testSecret), limiter, reg, events, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(m.HandleWS))
	t.Cleanup(srv.Close)
	t.Cleanup(m.Shutdown)

	return &testRig{manager: m, reg: reg, events: events, srv: srv}
}

func (r *testRig) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func mustToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data any, id string) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		t.Fatalf("failed to build %s envelope: %v", msgType, err)
	}
	env.ID = id
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("failed to write %s: %v", msgType, err)
	}
}

// readUntil reads frames, skipping heartbeats, until one of wantType
// arrives or the deadline passes.
func readUntil(t *testing.T, ws *websocket.Conn, wantType string) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("read failed waiting for %s: %v", wantType, err)
		}
		if env.Type == wantType {
			return &env
		}
		if env.Type == protocol.TypeHeartbeat {
			continue
		}
		t.Fatalf("expected %s frame, got %s: %s", wantType, env.Type, env.Data)
	}
}

// expectClose reads until the connection closes and asserts the close code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, code) {
				t.Fatalf("expected close code %d, got %v", code, err)
			}
			return
		}
	}
}

func authAndSubscribe(t *testing.T, ws *websocket.Conn, userID uuid.UUID, channel string, params map[string]string) {
	t.Helper()
	send(t, ws, protocol.TypeAuth, protocol.AuthData{Token: mustToken(t, userID)}, "")
	send(t, ws, protocol.TypeSubscribe, protocol.SubscribeData{Channel: channel, Params: params}, "sub-1")
	ack := readUntil(t, ws, protocol.TypeSubscribed)
	if ack.ID != "sub-1" {
		t.Fatalf("ack should echo the request id, got %q", ack.ID)
	}
}

func TestManager_AuthAndSubscribe(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")

	authAndSubscribe(t, ws, uuid.New(), "deal.updated", map[string]string{"deal_id": "deal-1"})

	if rig.manager.ConnCount() != 1 {
		t.Errorf("expected 1 live connection, got %d", rig.manager.ConnCount())
	}
}

func TestManager_FanoutReachesSubscriber(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")
	authAndSubscribe(t, ws, uuid.New(), "deal.updated", map[string]string{"deal_id": "deal-1"})

	e := &domain.Event{
		Seq:        1,
		ID:         uuid.New(),
		Type:       domain.EventPriceDrop,
		EntityID:   "deal-1",
		Payload:    json.RawMessage(`{"old": 100, "new": 80}`),
		OccurredAt: time.Now(),
	}
	env, _, _ := protocol.EventEnvelope(e)
	delivered := rig.reg.Fanout("deal.updated", protocol.FanoutParams(e), env, domain.PriorityHigh)
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	frame := readUntil(t, ws, "deal.updated")
	var data protocol.EventData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal event frame: %v", err)
	}
	if data.Seq != 1 || data.EntityID != "deal-1" {
		t.Errorf("unexpected event frame: %+v", data)
	}
}

func TestManager_BadTokenCloses(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")

	send(t, ws, protocol.TypeAuth, protocol.AuthData{Token: "garbage"}, "")
	expectClose(t, ws, protocol.CloseAuthFailed)
}

func TestManager_AuthTimeoutCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	rig := setupManager(t, cfg)

	ws := rig.dial(t, "/ws")
	expectClose(t, ws, protocol.CloseAuthFailed)
}

func TestManager_SubscribeRequiresAuth(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")

	send(t, ws, protocol.TypeSubscribe, protocol.SubscribeData{Channel: "deal.updated"}, "sub-1")

	env := readUntil(t, ws, protocol.TypeError)
	var data protocol.ErrorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal error: %v", err)
	}
	if data.Code != protocol.CodeAuthRequired {
		t.Errorf("expected %s, got %s", protocol.CodeAuthRequired, data.Code)
	}
}

func TestManager_InvalidChannelError(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")

	send(t, ws, protocol.TypeAuth, protocol.AuthData{Token: mustToken(t, uuid.New())}, "")
	send(t, ws, protocol.TypeSubscribe, protocol.SubscribeData{Channel: "deal.created"}, "sub-1")

	env := readUntil(t, ws, protocol.TypeError)
	var data protocol.ErrorData
	_ = json.Unmarshal(env.Data, &data)
	if data.Code != protocol.CodeInvalidChannel {
		t.Errorf("expected %s, got %s", protocol.CodeInvalidChannel, data.Code)
	}
	if env.ID != "sub-1" {
		t.Errorf("error should echo the request id, got %q", env.ID)
	}
}

func TestManager_URIAuthWithBackfill(t *testing.T) {
	rig := setupManager(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		rig.events.Append(&domain.Event{
			ID:         uuid.New(),
			Type:       domain.EventDealUpdated,
			EntityID:   "deal-1",
			OccurredAt: time.Now(),
		})
	}

	ws := rig.dial(t, "/ws?token="+mustToken(t, uuid.New())+"&last_event_id=1")

	// Events 2 and 3 replay in order; event 1 is already acknowledged.
	for want := int64(2); want <= 3; want++ {
		frame := readUntil(t, ws, "deal.updated")
		var data protocol.EventData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			t.Fatalf("failed to unmarshal backfill frame: %v", err)
		}
		if data.Seq != want {
			t.Errorf("expected backfill seq %d, got %d", want, data.Seq)
		}
	}
}

func TestManager_HeartbeatTimeoutCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatGrace = 20 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	rig := setupManager(t, cfg)

	ws := rig.dial(t, "/ws?token="+mustToken(t, uuid.New()))

	// Never ack a heartbeat; after two consecutive misses the server
	// closes with the heartbeat timeout code.
	expectClose(t, ws, protocol.CloseHeartbeatTimeout)
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")
	authAndSubscribe(t, ws, uuid.New(), "deal.updated", nil)

	send(t, ws, protocol.TypeUnsubscribe, protocol.SubscribeData{Channel: "deal.updated"}, "unsub-1")
	ack := readUntil(t, ws, protocol.TypeUnsubscribed)
	if ack.ID != "unsub-1" {
		t.Fatalf("ack should echo the request id, got %q", ack.ID)
	}

	env, _ := protocol.NewEnvelope("deal.updated", protocol.EventData{Seq: 9})
	if delivered := rig.reg.Fanout("deal.updated", nil, env, domain.PriorityNormal); delivered != 0 {
		t.Errorf("unsubscribed connection should not receive events, got %d", delivered)
	}
}

func TestManager_DeliverInApp(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	userID := uuid.New()

	ws := rig.dial(t, "/ws")
	authAndSubscribe(t, ws, userID, "notification.deal", nil)

	other := rig.dial(t, "/ws")
	authAndSubscribe(t, other, uuid.New(), "notification.deal", nil)

	intent, err := domain.NewIntent(userID, domain.EventPriceDrop, domain.PriorityHigh,
		json.RawMessage(`{"deal": "d-1"}`), []domain.Channel{domain.ChannelInApp}, time.Now())
	if err != nil {
		t.Fatalf("failed to build intent: %v", err)
	}

	if delivered := rig.manager.DeliverInApp(intent); delivered != 1 {
		t.Fatalf("expected delivery to 1 connection, got %d", delivered)
	}

	frame := readUntil(t, ws, "notification.deal")
	var data struct {
		IntentID string `json:"intent_id"`
	}
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal notification: %v", err)
	}
	if data.IntentID != intent.ID.String() {
		t.Errorf("expected intent %s, got %s", intent.ID, data.IntentID)
	}
}

func TestManager_RemovesSubscriptionsOnClose(t *testing.T) {
	rig := setupManager(t, DefaultConfig())
	ws := rig.dial(t, "/ws")
	authAndSubscribe(t, ws, uuid.New(), "deal.updated", nil)

	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for rig.manager.ConnCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rig.manager.ConnCount() != 0 {
		t.Fatal("connection should be torn down after the client closes")
	}

	env, _ := protocol.NewEnvelope("deal.updated", protocol.EventData{Seq: 9})
	if delivered := rig.reg.Fanout("deal.updated", nil, env, domain.PriorityNormal); delivered != 0 {
		t.Errorf("closed connection should not receive events, got %d", delivered)
	}
}
