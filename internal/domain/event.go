package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of domain fact an upstream producer emitted.
type EventType string

const (
	EventPriceDrop         EventType = "price_drop"
	EventDealExpiring      EventType = "deal_expiring"
	EventDealUpdated       EventType = "deal_updated"
	EventGoalAchieved      EventType = "goal_achieved"
	EventGoalStatusChanged EventType = "goal_status_changed"
	EventDigest            EventType = "digest"
	EventMarketing         EventType = "marketing"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventPriceDrop, EventDealExpiring, EventDealUpdated,
		EventGoalAchieved, EventGoalStatusChanged, EventDigest, EventMarketing:
		return true
	}
	return false
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid event type %q", ErrValidation, s)
	}
	return t, nil
}

// Event is an immutable fact produced by an upstream domain. Seq is assigned
// by the stream sequencer on admission and is strictly increasing; it is the
// resumption cursor clients send back as last_event_id.
type Event struct {
	Seq        int64           `json:"seq"`
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (e *Event) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", ErrValidation, e.Type)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	return nil
}
