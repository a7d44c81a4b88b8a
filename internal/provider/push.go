package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// PushSender delivers mobile push notifications through an HTTP relay that
// fronts the platform push gateways. The relay deduplicates on the
// X-Beacon-Idempotency-Key header.
type PushSender struct {
	client   *http.Client
	relayURL string
	logger   *zap.Logger
}

type PushConfig struct {
	RelayURL string
	Timeout  time.Duration
}

func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushSender{
		client:   &http.Client{Timeout: timeout},
		relayURL: cfg.RelayURL,
		logger:   logger,
	}
}

func (s *PushSender) Send(ctx context.Context, req *Request) error {
	if req.Channel != domain.ChannelPush {
		return &ProviderError{Message: "push sender only supports push channel"}
	}
	if s.relayURL == "" {
		return &ProviderError{Message: "push relay not configured"}
	}

	var payload PushPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return &ProviderError{Message: "invalid push payload", Cause: err}
	}
	if payload.DeviceToken == "" {
		return &ProviderError{Message: "push payload missing device_token"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Message: "failed to marshal push payload", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Message: "failed to create push request", Cause: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Beacon/1.0")
	httpReq.Header.Set("X-Beacon-Intent-ID", req.IntentID.String())
	httpReq.Header.Set("X-Beacon-Idempotency-Key", req.IdempotencyKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return &ProviderError{Message: "push relay request failed", Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Transient:  true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Transient:  false,
		}
	}

	s.logger.Info("push delivered via relay",
		zap.String("intent_id", req.IntentID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *PushSender) SupportsChannel(channel domain.Channel) bool {
	return channel == domain.ChannelPush
}
