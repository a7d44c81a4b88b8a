// Package provider holds the external delivery channel adapters. Each
// adapter implements Sender for one channel; MultiSender routes by channel.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// Request is one delivery handed to a provider adapter. IdempotencyKey is
// stable across retries of the same (intent, channel) so providers can
// deduplicate resent requests.
type Request struct {
	IntentID       uuid.UUID
	UserID         uuid.UUID
	Channel        domain.Channel
	Payload        json.RawMessage
	IdempotencyKey string
}

// Sender is the unified interface for external notification channels.
// Implementations: email (SES), SMS (SNS), mobile push (HTTP relay).
type Sender interface {
	Send(ctx context.Context, req *Request) error
	SupportsChannel(channel domain.Channel) bool
}

// EmailPayload is the expected payload shape for the email channel.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSPayload is the expected payload shape for the SMS channel.
type SMSPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// PushPayload is the expected payload shape for the mobile push channel.
type PushPayload struct {
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// MultiSender routes requests to the adapter that supports the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel adapters.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

// Send routes the request to the first adapter supporting its channel.
func (m *MultiSender) Send(ctx context.Context, req *Request) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(req.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", req.Channel.String()),
				zap.String("intent_id", req.IntentID.String()),
			)
			return sender.Send(ctx, req)
		}
	}
	return &ProviderError{
		Message:   fmt.Sprintf("no sender configured for channel %s", req.Channel),
		Transient: false,
	}
}

// SupportsChannel reports whether any underlying adapter handles the channel.
func (m *MultiSender) SupportsChannel(channel domain.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them. Development and tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req *Request) error {
	s.logger.Info("logging delivery (development mode)",
		zap.String("intent_id", req.IntentID.String()),
		zap.String("channel", req.Channel.String()),
		zap.String("user_id", req.UserID.String()),
		zap.Any("payload", req.Payload),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel domain.Channel) bool {
	switch channel {
	case domain.ChannelEmail, domain.ChannelSMS, domain.ChannelPush:
		return true
	}
	return false
}
