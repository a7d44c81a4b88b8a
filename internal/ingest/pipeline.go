// Package ingest admits producer events into the engine: it sequences them,
// fans them out to live subscribers, and hands them to the evaluator for
// multi-channel notification delivery.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/evaluator"
	"github.com/rosslyle/beacon/internal/protocol"
	"github.com/rosslyle/beacon/internal/registry"
	"github.com/rosslyle/beacon/internal/stream"
)

// Pipeline is the producer-facing entry point. Events for a single entity
// are admitted in arrival order, which defines their fan-out order (the
// upstream guarantees one writer per entity).
type Pipeline struct {
	events    *stream.Buffer
	registry  *registry.Registry
	evaluator *evaluator.Evaluator
	logger    *zap.Logger
}

// New creates a pipeline.
func New(events *stream.Buffer, reg *registry.Registry, ev *evaluator.Evaluator, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		events:    events,
		registry:  reg,
		evaluator: ev,
		logger:    logger,
	}
}

// Publish admits one event: assign its sequence id, fan out to subscribers,
// then evaluate notification intents. Returns the assigned sequence id.
func (p *Pipeline) Publish(ctx context.Context, e *domain.Event) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	seq := p.events.Append(e)

	env, ch, ok := protocol.EventEnvelope(e)
	if !ok {
		return seq, fmt.Errorf("no channel mapping for event type %s", e.Type)
	}
	delivered := p.registry.Fanout(ch.String(), protocol.FanoutParams(e), env, evaluator.Priority(e))

	p.logger.Debug("event published",
		zap.Int64("seq", seq),
		zap.String("type", e.Type.String()),
		zap.String("entity_id", e.EntityID),
		zap.Int("subscribers", delivered),
	)

	if err := p.evaluator.Evaluate(ctx, e); err != nil {
		p.logger.Error("event evaluation failed",
			zap.Int64("seq", seq),
			zap.Error(err),
		)
		return seq, err
	}
	return seq, nil
}
