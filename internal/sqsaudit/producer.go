// Package sqsaudit publishes terminally failed notification intents to an
// SQS dead-letter queue for offline inspection.
package sqsaudit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// Config holds SQS configuration.
type Config struct {
	Region string
	DLQURL string
}

// Message is the payload published for one exhausted intent.
type Message struct {
	IntentID   string          `json:"intent_id"`
	UserID     string          `json:"user_id"`
	Type       string          `json:"type"`
	Priority   string          `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	Channels   []string        `json:"channels"`
	LastError  string          `json:"last_error"`
	FailedAt   int64           `json:"failed_at"`
	BatchCount int             `json:"batch_count"`
}

// Producer sends exhausted intents to the audit queue.
type Producer struct {
	client *sqs.Client
	dlqURL string
	logger *zap.Logger
}

// NewProducer creates an audit producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs audit producer initialized", zap.String("dlq_url", cfg.DLQURL))

	return &Producer{
		client: sqs.NewFromConfig(awsCfg),
		dlqURL: cfg.DLQURL,
		logger: logger,
	}, nil
}

// ReportFailed publishes one exhausted intent. Implements the delivery
// orchestrator's AuditSink.
func (p *Producer) ReportFailed(ctx context.Context, intent *domain.NotificationIntent, lastErr string) error {
	channels := make([]string, len(intent.Channels))
	for i, c := range intent.Channels {
		channels[i] = c.String()
	}

	body, err := json.Marshal(Message{
		IntentID:   intent.ID.String(),
		UserID:     intent.UserID.String(),
		Type:       intent.Type.String(),
		Priority:   intent.Priority.String(),
		Payload:    intent.Payload,
		Channels:   channels,
		LastError:  lastErr,
		FailedAt:   time.Now().Unix(),
		BatchCount: intent.BatchCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.dlqURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to publish audit message",
			zap.Error(err),
			zap.String("intent_id", intent.ID.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}
