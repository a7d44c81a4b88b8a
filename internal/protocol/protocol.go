// Package protocol defines the WebSocket wire format: the message envelope,
// the client and server message types, error and close codes, and the typed
// parameter schemas of the subscribable channels.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the bidirectional wire frame. Data shape depends on Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Client→server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"
)

// Server→client message types. Event notification messages use the channel
// name as their type (e.g. "deal.updated").
const (
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

// WebSocket close codes.
const (
	CloseAuthFailed       = 4001 // no valid auth within the deadline, or bad token
	CloseHeartbeatTimeout = 4002 // three consecutive missed heartbeats
	CloseAbuse            = 4008 // repeated rate-limit violations
)

// Error codes carried in error.data.code.
const (
	CodeAuthRequired       = "auth_required"
	CodeAuthFailed         = "auth_failed"
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidChannel     = "invalid_channel"
	CodeInvalidParams      = "invalid_params"
	CodeSubscriptionFailed = "subscription_failed"
	CodeNotFound           = "not_found"
	CodePermissionDenied   = "permission_denied"
	CodeRateLimited        = "rate_limited"
)

// AuthData is the payload of a client auth message.
type AuthData struct {
	Token       string `json:"token"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

// SubscribeData is the payload of subscribe and unsubscribe messages.
type SubscribeData struct {
	Channel string            `json:"channel"`
	Params  map[string]string `json:"params,omitempty"`
}

// HeartbeatData is the payload of a server heartbeat message.
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is the payload of a server error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type. Marshal
// failures are programming errors; data shapes here are all marshalable.
func NewEnvelope(msgType string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Data: raw}, nil
}

// HeartbeatEnvelope builds a server heartbeat frame for the given instant.
func HeartbeatEnvelope(now time.Time) *Envelope {
	env, _ := NewEnvelope(TypeHeartbeat, HeartbeatData{Timestamp: now.Unix()})
	return env
}

// ErrorEnvelope builds a server error frame. The id, when non-empty, echoes
// the client message the error responds to.
func ErrorEnvelope(code, message, details, id string) *Envelope {
	env, _ := NewEnvelope(TypeError, ErrorData{Code: code, Message: message, Details: details})
	env.ID = id
	return env
}
