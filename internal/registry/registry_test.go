package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/protocol"
)

// fakeTarget collects enqueued envelopes in place of a live connection.
type fakeTarget struct {
	id     uuid.UUID
	userID uuid.UUID

	mu       sync.Mutex
	received []*protocol.Envelope
	full     bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{id: uuid.New(), userID: uuid.New()}
}

func (f *fakeTarget) ID() uuid.UUID     { return f.id }
func (f *fakeTarget) UserID() uuid.UUID { return f.userID }

func (f *fakeTarget) Enqueue(env *protocol.Envelope, _ domain.Priority) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.received = append(f.received, env)
	return true
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func testEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope("deal.updated", protocol.EventData{Seq: 1, EntityID: "d-1"})
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return env
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	target := newFakeTarget()

	if err := r.Subscribe(target, "deal.created", nil); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("unknown channel: expected ErrInvalidChannel, got %v", err)
	}
	if err := r.Subscribe(target, "deal.updated", map[string]string{"bogus": "x"}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("bad params: expected ErrInvalidParams, got %v", err)
	}
	if err := r.Subscribe(target, "deal.updated", map[string]string{"deal_id": "d-1"}); err != nil {
		t.Fatalf("valid subscribe failed: %v", err)
	}
}

func TestRegistry_IdempotentResubscribe(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	target := newFakeTarget()
	params := map[string]string{"deal_id": "d-1"}

	if err := r.Subscribe(target, "deal.updated", params); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := r.Subscribe(target, "deal.updated", params); err != nil {
		t.Fatalf("re-subscribe should be a no-op success: %v", err)
	}
	if got := r.ConnectionCount(target.ID()); got != 1 {
		t.Errorf("expected 1 subscription, got %d", got)
	}
}

func TestRegistry_PerConnectionCap(t *testing.T) {
	r := New(zap.NewNop(), Config{MaxPerConnection: 2})
	target := newFakeTarget()

	_ = r.Subscribe(target, "deal.updated", map[string]string{"deal_id": "d-1"})
	_ = r.Subscribe(target, "deal.updated", map[string]string{"deal_id": "d-2"})

	err := r.Subscribe(target, "deal.updated", map[string]string{"deal_id": "d-3"})
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Errorf("expected ErrSubscriptionFailed at the cap, got %v", err)
	}
}

func TestRegistry_FanoutMatchesFilters(t *testing.T) {
	r := New(zap.NewNop(), Config{})

	matching := newFakeTarget()
	filtered := newFakeTarget()
	unfiltered := newFakeTarget()
	otherChannel := newFakeTarget()

	_ = r.Subscribe(matching, "deal.updated", map[string]string{"deal_id": "d-1"})
	_ = r.Subscribe(filtered, "deal.updated", map[string]string{"deal_id": "d-2"})
	_ = r.Subscribe(unfiltered, "deal.updated", nil)
	_ = r.Subscribe(otherChannel, "goal.status.changed", nil)

	delivered := r.Fanout("deal.updated", map[string]string{"deal_id": "d-1"}, testEnvelope(t), domain.PriorityNormal)

	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if matching.count() != 1 {
		t.Errorf("matching filter should receive the event")
	}
	if filtered.count() != 0 {
		t.Errorf("non-matching filter should not receive the event")
	}
	if unfiltered.count() != 1 {
		t.Errorf("filterless subscription should receive every channel event")
	}
	if otherChannel.count() != 0 {
		t.Errorf("other channel should not receive the event")
	}
}

func TestRegistry_FanoutOncePerConnection(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	target := newFakeTarget()

	// Overlapping filters on the same connection still yield one copy.
	_ = r.Subscribe(target, "deal.updated", nil)
	_ = r.Subscribe(target, "deal.updated", map[string]string{"deal_id": "d-1"})

	delivered := r.Fanout("deal.updated", map[string]string{"deal_id": "d-1"}, testEnvelope(t), domain.PriorityNormal)

	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if target.count() != 1 {
		t.Errorf("expected exactly one copy, got %d", target.count())
	}
}

func TestRegistry_FanoutCountsOnlyEnqueued(t *testing.T) {
	r := New(zap.NewNop(), Config{})

	ok := newFakeTarget()
	full := newFakeTarget()
	full.full = true

	_ = r.Subscribe(ok, "deal.updated", nil)
	_ = r.Subscribe(full, "deal.updated", nil)

	delivered := r.Fanout("deal.updated", map[string]string{"deal_id": "d-1"}, testEnvelope(t), domain.PriorityNormal)
	if delivered != 1 {
		t.Errorf("dropped enqueue should not count as delivered, got %d", delivered)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	target := newFakeTarget()
	params := map[string]string{"deal_id": "d-1"}

	_ = r.Subscribe(target, "deal.updated", params)

	if err := r.Unsubscribe(target.ID(), "deal.updated", params); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if got := r.ConnectionCount(target.ID()); got != 0 {
		t.Errorf("expected 0 subscriptions, got %d", got)
	}

	// Unknown tuple is a no-op.
	if err := r.Unsubscribe(target.ID(), "deal.updated", params); err != nil {
		t.Errorf("repeat unsubscribe should be a no-op: %v", err)
	}

	delivered := r.Fanout("deal.updated", map[string]string{"deal_id": "d-1"}, testEnvelope(t), domain.PriorityNormal)
	if delivered != 0 {
		t.Errorf("unsubscribed connection should not receive events")
	}
}

func TestRegistry_RemoveConnection(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	closing := newFakeTarget()
	staying := newFakeTarget()

	_ = r.Subscribe(closing, "deal.updated", nil)
	_ = r.Subscribe(closing, "goal.status.changed", nil)
	_ = r.Subscribe(staying, "deal.updated", nil)

	r.RemoveConnection(closing.ID())

	if got := r.ConnectionCount(closing.ID()); got != 0 {
		t.Errorf("expected 0 subscriptions after removal, got %d", got)
	}

	delivered := r.Fanout("deal.updated", map[string]string{"deal_id": "d-1"}, testEnvelope(t), domain.PriorityNormal)
	if delivered != 1 {
		t.Errorf("only the surviving connection should receive events, got %d", delivered)
	}
	if closing.count() != 0 {
		t.Errorf("closed connection should receive nothing")
	}
}

func TestRegistry_FanoutUser(t *testing.T) {
	r := New(zap.NewNop(), Config{})
	mine := newFakeTarget()
	other := newFakeTarget()

	_ = r.Subscribe(mine, "notification.deal", nil)
	_ = r.Subscribe(other, "notification.deal", nil)

	env, _ := protocol.NewEnvelope("notification.deal", map[string]string{"kind": "digest"})
	delivered := r.FanoutUser("notification.deal", mine.UserID(), env, domain.PriorityHigh)

	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if mine.count() != 1 || other.count() != 0 {
		t.Errorf("only the target user's connection should receive the notification")
	}
}
