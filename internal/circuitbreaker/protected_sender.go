package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/provider"
)

// ProtectedSender wraps a provider adapter with a circuit breaker. When the
// downstream gateway is failing, sends fail fast with ErrCircuitOpen, which
// the orchestrator treats as a transient attempt failure.
type ProtectedSender struct {
	sender  provider.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with breaker protection.
func NewProtectedSender(sender provider.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the breaker.
func (p *ProtectedSender) Send(ctx context.Context, req *provider.Request) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("intent_id", req.IntentID.String()),
			zap.String("channel", req.Channel.String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Send(ctx, req)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel domain.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker exposes the underlying breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
