package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle state of one delivery attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptPending, AttemptSent, AttemptDelivered, AttemptFailed:
		return true
	}
	return false
}

// DeliveryAttempt records one try of delivering an intent over one channel.
// Attempt numbers are strictly increasing per (intent, channel).
type DeliveryAttempt struct {
	ID        uuid.UUID     `json:"id"`
	IntentID  uuid.UUID     `json:"intent_id"`
	UserID    uuid.UUID     `json:"user_id"`
	Channel   Channel       `json:"channel"`
	Attempt   int           `json:"attempt"`
	Status    AttemptStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IdempotencyKey is the dedup key handed to provider adapters so a retried
// send of the same intent on the same channel can be suppressed downstream.
func (a *DeliveryAttempt) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", a.IntentID, a.Channel)
}

// NewAttempt creates a pending attempt with the given 1-based attempt number.
func NewAttempt(intent *NotificationIntent, channel Channel, number int, now time.Time) *DeliveryAttempt {
	return &DeliveryAttempt{
		ID:        uuid.New(),
		IntentID:  intent.ID,
		UserID:    intent.UserID,
		Channel:   channel,
		Attempt:   number,
		Status:    AttemptPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
