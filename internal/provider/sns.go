package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// SNSSender delivers SMS notifications via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSSender) Send(ctx context.Context, req *Request) error {
	if req.Channel != domain.ChannelSMS {
		return &ProviderError{Message: fmt.Sprintf("SNS sender only supports SMS, got %s", req.Channel)}
	}

	var payload SMSPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return &ProviderError{Message: "invalid SMS payload", Cause: err}
	}

	if payload.PhoneNumber == "" {
		return &ProviderError{Message: "SMS payload missing phone_number"}
	}
	if payload.Message == "" {
		return &ProviderError{Message: "SMS payload missing message"}
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(payload.PhoneNumber),
		Message:     aws.String(payload.Message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return &ProviderError{Message: "sns publish failed", Transient: true, Cause: err}
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("intent_id", req.IntentID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

func (s *SNSSender) SupportsChannel(channel domain.Channel) bool {
	return channel == domain.ChannelSMS
}
