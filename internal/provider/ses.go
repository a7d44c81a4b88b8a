package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// SESSender delivers email notifications via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Send(ctx context.Context, req *Request) error {
	if req.Channel != domain.ChannelEmail {
		return &ProviderError{Message: fmt.Sprintf("SES sender only supports email, got %s", req.Channel)}
	}

	var payload EmailPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return &ProviderError{Message: "invalid email payload", Cause: err}
	}

	if payload.To == "" {
		return &ProviderError{Message: "email payload missing 'to' field"}
	}
	if payload.Subject == "" {
		return &ProviderError{Message: "email payload missing 'subject' field"}
	}
	if payload.Body == "" {
		return &ProviderError{Message: "email payload missing 'body' field"}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{payload.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return &ProviderError{Message: "ses send failed", Transient: true, Cause: err}
	}

	s.logger.Info("email sent via SES",
		zap.String("intent_id", req.IntentID.String()),
		zap.String("to", payload.To),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

func (s *SESSender) SupportsChannel(channel domain.Channel) bool {
	return channel == domain.ChannelEmail
}
