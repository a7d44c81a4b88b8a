package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/evaluator"
	"github.com/rosslyle/beacon/internal/protocol"
	"github.com/rosslyle/beacon/internal/registry"
	"github.com/rosslyle/beacon/internal/stream"
)

type captureTarget struct {
	id     uuid.UUID
	userID uuid.UUID

	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (c *captureTarget) ID() uuid.UUID     { return c.id }
func (c *captureTarget) UserID() uuid.UUID { return c.userID }

func (c *captureTarget) Enqueue(env *protocol.Envelope, _ domain.Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return true
}

type staticPrefs struct {
	prefs *evaluator.Preferences
}

func (s *staticPrefs) GetPreferences(context.Context, uuid.UUID, domain.EventType) (*evaluator.Preferences, error) {
	return s.prefs, nil
}

type staticInterests struct {
	users []uuid.UUID
}

func (s *staticInterests) InterestedUsers(context.Context, string) ([]uuid.UUID, error) {
	return s.users, nil
}

type captureDispatcher struct {
	intents []*domain.NotificationIntent
}

func (c *captureDispatcher) Dispatch(intent *domain.NotificationIntent) {
	c.intents = append(c.intents, intent)
}

func TestPipeline_Publish(t *testing.T) {
	watcher := uuid.New()
	events := stream.NewBuffer(16, time.Hour)
	reg := registry.New(zap.NewNop(), registry.Config{})
	disp := &captureDispatcher{}
	ev := evaluator.New(
		&staticPrefs{prefs: &evaluator.Preferences{Channels: []domain.Channel{domain.ChannelInApp}}},
		&staticInterests{users: []uuid.UUID{watcher}},
		disp,
		nil,
		zap.NewNop(),
	)
	p := New(events, reg, ev, zap.NewNop())

	target := &captureTarget{id: uuid.New(), userID: watcher}
	if err := reg.Subscribe(target, "deal.updated", map[string]string{"deal_id": "deal-1"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	e := &domain.Event{
		ID:         uuid.New(),
		Type:       domain.EventPriceDrop,
		EntityID:   "deal-1",
		Payload:    json.RawMessage(`{"old": 100, "new": 80}`),
		OccurredAt: time.Now(),
	}
	seq, err := p.Publish(context.Background(), e)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	target.mu.Lock()
	if len(target.envs) != 1 {
		t.Fatalf("expected 1 fanned-out frame, got %d", len(target.envs))
	}
	if target.envs[0].Type != "deal.updated" {
		t.Errorf("expected deal.updated frame, got %s", target.envs[0].Type)
	}
	target.mu.Unlock()

	if len(disp.intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(disp.intents))
	}
	intent := disp.intents[0]
	if intent.UserID != watcher || intent.EventSeq != 1 {
		t.Errorf("unexpected intent: %+v", intent)
	}
	if intent.Priority != domain.PriorityHigh {
		t.Errorf("price_drop should be high priority, got %s", intent.Priority)
	}

	// The event is retained for resumption.
	if got := events.Since(0); len(got) != 1 || got[0].Seq != 1 {
		t.Error("published event should be retained in the stream buffer")
	}
}

func TestPipeline_RejectsInvalidEvent(t *testing.T) {
	p := New(stream.NewBuffer(16, time.Hour), registry.New(zap.NewNop(), registry.Config{}),
		evaluator.New(&staticPrefs{}, &staticInterests{}, &captureDispatcher{}, nil, zap.NewNop()),
		zap.NewNop())

	_, err := p.Publish(context.Background(), &domain.Event{Type: "bogus", EntityID: "x"})
	if err == nil {
		t.Fatal("invalid event should be rejected")
	}
	if p.events.LatestSeq() != 0 {
		t.Error("rejected event should not be sequenced")
	}
}

func TestPipeline_OrderPreservedPerEntity(t *testing.T) {
	watcher := uuid.New()
	events := stream.NewBuffer(16, time.Hour)
	reg := registry.New(zap.NewNop(), registry.Config{})
	p := New(events, reg,
		evaluator.New(&staticPrefs{}, &staticInterests{}, &captureDispatcher{}, nil, zap.NewNop()),
		zap.NewNop())

	target := &captureTarget{id: uuid.New(), userID: watcher}
	_ = reg.Subscribe(target, "deal.updated", nil)

	for i := 0; i < 3; i++ {
		e := &domain.Event{
			ID: uuid.New(), Type: domain.EventDealUpdated, EntityID: "deal-1", OccurredAt: time.Now(),
		}
		if _, err := p.Publish(context.Background(), e); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.envs) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(target.envs))
	}
	var prev int64
	for i, env := range target.envs {
		var data protocol.EventData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if data.Seq <= prev {
			t.Errorf("frame %d out of order: seq %d after %d", i, data.Seq, prev)
		}
		prev = data.Seq
	}
}
