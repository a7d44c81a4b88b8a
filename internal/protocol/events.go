package protocol

import (
	"encoding/json"

	"github.com/rosslyle/beacon/internal/domain"
)

// EventData is the wire payload of an event-notification message. The
// envelope type is the channel name.
type EventData struct {
	Seq        int64           `json:"seq"`
	EventType  string          `json:"event_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt int64           `json:"occurred_at"`
}

// EventEnvelope renders an event as the wire frame for its channel.
func EventEnvelope(e *domain.Event) (*Envelope, ChannelName, bool) {
	ch, ok := ChannelForEvent(e.Type)
	if !ok {
		return nil, "", false
	}
	env, err := NewEnvelope(ch.String(), EventData{
		Seq:        e.Seq,
		EventType:  e.Type.String(),
		EntityID:   e.EntityID,
		Payload:    e.Payload,
		OccurredAt: e.OccurredAt.Unix(),
	})
	if err != nil {
		return nil, "", false
	}
	env.ID = e.ID.String()
	return env, ch, true
}

// FanoutParams derives the filterable parameter set of an event, matched
// against subscription filters during fan-out.
func FanoutParams(e *domain.Event) map[string]string {
	ch, ok := ChannelForEvent(e.Type)
	if !ok {
		return nil
	}
	switch ch {
	case ChannelDealUpdated:
		return map[string]string{"deal_id": e.EntityID}
	case ChannelGoalStatusChanged:
		return map[string]string{"goal_id": e.EntityID}
	default:
		return nil
	}
}
