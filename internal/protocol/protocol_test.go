package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rosslyle/beacon/internal/domain"
)

func TestKnownChannel(t *testing.T) {
	for _, name := range []string{"deal.updated", "goal.status.changed", "notification.deal"} {
		if !KnownChannel(name) {
			t.Errorf("%s should be a known channel", name)
		}
	}
	if KnownChannel("deal.created") {
		t.Error("deal.created should be unknown")
	}
}

func TestValidateParams(t *testing.T) {
	if err := ValidateParams("deal.updated", map[string]string{"deal_id": "d-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateParams("deal.updated", nil); err != nil {
		t.Fatalf("filterless subscription should validate: %v", err)
	}

	err := ValidateParams("deal.updated", map[string]string{"goal_id": "g-1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown key should fail validation, got %v", err)
	}

	err = ValidateParams("deal.updated", map[string]string{"deal_id": "  "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("blank value should fail validation, got %v", err)
	}

	err = ValidateParams("notification.deal", map[string]string{"deal_id": "d-1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("notification.deal accepts no params, got %v", err)
	}
}

func TestParamsKeyStable(t *testing.T) {
	a := ParamsKey(map[string]string{"b": "2", "a": "1"})
	b := ParamsKey(map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Errorf("equal sets should render identically: %q vs %q", a, b)
	}
	if a != "a=1&b=2" {
		t.Errorf("unexpected rendering: %q", a)
	}
	if ParamsKey(nil) != "" {
		t.Error("empty set should render empty")
	}
}

func TestEventEnvelope(t *testing.T) {
	e := &domain.Event{
		Seq:        7,
		ID:         uuid.New(),
		Type:       domain.EventPriceDrop,
		EntityID:   "deal-9",
		Payload:    json.RawMessage(`{"old": 100, "new": 80}`),
		OccurredAt: time.Unix(1700000000, 0),
	}

	env, ch, ok := EventEnvelope(e)
	if !ok {
		t.Fatal("price_drop should map to a channel")
	}
	if ch != ChannelDealUpdated {
		t.Errorf("expected deal.updated, got %s", ch)
	}
	if env.Type != "deal.updated" {
		t.Errorf("envelope type should be the channel name, got %s", env.Type)
	}
	if env.ID != e.ID.String() {
		t.Errorf("envelope id should carry the event id")
	}

	var data EventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if data.Seq != 7 || data.EventType != "price_drop" || data.EntityID != "deal-9" {
		t.Errorf("unexpected event data: %+v", data)
	}
}

func TestFanoutParams(t *testing.T) {
	deal := &domain.Event{Type: domain.EventDealUpdated, EntityID: "deal-3"}
	if got := FanoutParams(deal)["deal_id"]; got != "deal-3" {
		t.Errorf("expected deal_id=deal-3, got %q", got)
	}

	goal := &domain.Event{Type: domain.EventGoalAchieved, EntityID: "goal-5"}
	if got := FanoutParams(goal)["goal_id"]; got != "goal-5" {
		t.Errorf("expected goal_id=goal-5, got %q", got)
	}

	digest := &domain.Event{Type: domain.EventDigest, EntityID: "u-1"}
	if FanoutParams(digest) != nil {
		t.Error("digest events carry no filter params")
	}
}

func TestErrorEnvelopeEchoesID(t *testing.T) {
	env := ErrorEnvelope(CodeInvalidChannel, "unknown channel", "", "req-12")
	if env.ID != "req-12" {
		t.Errorf("expected echoed id req-12, got %q", env.ID)
	}
	var data ErrorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if data.Code != CodeInvalidChannel {
		t.Errorf("expected code %s, got %s", CodeInvalidChannel, data.Code)
	}
}
