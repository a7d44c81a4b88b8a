package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders intents in the delivery queue. Urgent bypasses batching.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank maps a priority to a comparable weight. Higher is more important.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return p, nil
}

// Channel is a delivery channel for a notification.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return c, nil
}

// NotificationIntent is the decision that one user should be told about one
// event. It is immutable after creation; delivery status lives on the
// DeliveryAttempt records, never here.
type NotificationIntent struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      EventType       `json:"type"`
	Priority  Priority        `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	EventSeq  int64           `json:"event_seq"`
	EntityID  string          `json:"entity_id"`
	// Channels are the candidate delivery channels in the user's preference
	// order. Must be non-empty: an intent with no candidates is rejected at
	// construction, not silently accepted and later failed.
	Channels  []Channel `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
	// DeferUntil is set when quiet hours pushed dispatch to the window end.
	DeferUntil *time.Time `json:"defer_until,omitempty"`
	// BatchCount is 1 for a single intent, >1 after aggregation merged
	// same-type same-user intents into one multi-item notification.
	BatchCount int `json:"batch_count"`
}

// NewIntent builds a validated intent. Returns ErrValidation when channels is
// empty so the caller can mark the event undeliverable up front.
func NewIntent(userID uuid.UUID, eventType EventType, priority Priority, payload json.RawMessage, channels []Channel, now time.Time) (*NotificationIntent, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: intent requires at least one candidate channel", ErrValidation)
	}
	for _, c := range channels {
		if !c.IsValid() {
			return nil, fmt.Errorf("%w: invalid channel %q", ErrValidation, c)
		}
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, priority)
	}
	return &NotificationIntent{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       eventType,
		Priority:   priority,
		Payload:    payload,
		Channels:   channels,
		CreatedAt:  now,
		BatchCount: 1,
	}, nil
}
