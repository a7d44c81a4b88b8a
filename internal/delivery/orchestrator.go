// Package delivery turns evaluated notification intents into delivery
// attempts across channels, with batching, retry backoff, and channel
// fallback under partial failure.
package delivery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/circuitbreaker"
	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/metrics"
	"github.com/rosslyle/beacon/internal/provider"
)

// InAppDeliverer pushes an intent to the user's live connections. Returns
// the number of connections the notification reached.
type InAppDeliverer interface {
	DeliverInApp(intent *domain.NotificationIntent) int
}

// Recorder is the persistence collaborator: every attempt status transition
// is reported to it.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
}

// AuditSink receives intents that exhausted every candidate channel.
type AuditSink interface {
	ReportFailed(ctx context.Context, intent *domain.NotificationIntent, lastErr string) error
}

// DedupStore suppresses duplicate provider sends across retries.
type DedupStore interface {
	MarkSent(ctx context.Context, key string) (bool, error)
	AlreadySent(ctx context.Context, key string) (bool, error)
}

// Engagement exposes open/click tracking hooks. The engine records nothing
// itself; callers plug in a tracker or leave the no-op.
type Engagement interface {
	RecordOpen(intentID uuid.UUID)
	RecordClick(intentID uuid.UUID)
}

// NopEngagement ignores all engagement signals.
type NopEngagement struct{}

func (NopEngagement) RecordOpen(uuid.UUID)  {}
func (NopEngagement) RecordClick(uuid.UUID) {}

// Config holds orchestrator tunables.
type Config struct {
	// AggregationWindow merges same-type same-user intents arriving within
	// it into one notification. Urgent intents bypass aggregation.
	AggregationWindow time.Duration
	// MaxAttempts is the retry ceiling per channel.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Workers is the number of dispatch goroutines.
	Workers int
	// SendTimeout bounds one provider call.
	SendTimeout time.Duration
}

// DefaultConfig returns the documented delivery parameters.
func DefaultConfig() Config {
	return Config{
		AggregationWindow: 2 * time.Minute,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffCap:        60 * time.Second,
		Workers:           4,
		SendTimeout:       30 * time.Second,
	}
}

// Orchestrator owns the delivery pipeline: a priority queue of dispatchable
// tasks and a delayed-task heap for backoffs and deferrals, drained by a
// fixed worker pool and a single timer goroutine.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	inapp    InAppDeliverer
	sender   provider.Sender
	recorder Recorder
	audit    AuditSink
	dedup    DedupStore
	engage   Engagement

	agg *aggregator

	mu      sync.Mutex
	cond    *sync.Cond
	ready   readyHeap
	delayed delayedHeap
	resched chan struct{}
	stopped bool

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New creates an orchestrator. dedup and audit may be nil; engage defaults
// to the no-op tracker when nil.
func New(cfg Config, inapp InAppDeliverer, sender provider.Sender, recorder Recorder, audit AuditSink, dedup DedupStore, engage Engagement, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if engage == nil {
		engage = NopEngagement{}
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		inapp:    inapp,
		sender:   sender,
		recorder: recorder,
		audit:    audit,
		dedup:    dedup,
		engage:   engage,
		agg:      newAggregator(cfg.AggregationWindow),
		resched:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Start launches the worker pool and the timer goroutine.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.timerLoop()

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.workerLoop()
	}
}

// Stop drains nothing: in-flight sends finish, queued work is dropped. The
// engine is a best-effort real-time layer, not a durable log.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.stop)
	o.cond.Broadcast()
	o.mu.Unlock()
	o.wg.Wait()
}

// Dispatch accepts an evaluated intent into the pipeline.
func (o *Orchestrator) Dispatch(intent *domain.NotificationIntent) {
	now := o.now()

	if intent.DeferUntil != nil && intent.DeferUntil.After(now) {
		// Quiet hours: wake at window end, skipping aggregation (the intent
		// already waited out its window).
		o.scheduleAt(&task{intent: intent, attempt: 1, enqueuedAt: now}, *intent.DeferUntil)
		return
	}

	if intent.Priority == domain.PriorityUrgent || o.cfg.AggregationWindow <= 0 {
		o.pushReady(&task{intent: intent, attempt: 1, enqueuedAt: now})
		return
	}

	flushAt, opened := o.agg.add(intent, now)
	if opened {
		o.scheduleAt(&task{flushKey: batchKey(intent), enqueuedAt: now}, flushAt)
	}
}

// Cancel drops any pending delayed delivery for the intent (e.g. a retry in
// backoff after a preference change). In-flight sends are not interrupted.
func (o *Orchestrator) Cancel(intentID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.delayed {
		if t.intent != nil && t.intent.ID == intentID {
			t.canceled = true
		}
	}
	for _, t := range o.ready {
		if t.intent != nil && t.intent.ID == intentID {
			t.canceled = true
		}
	}
}

func (o *Orchestrator) pushReady(t *task) {
	o.mu.Lock()
	heap.Push(&o.ready, t)
	o.cond.Signal()
	o.mu.Unlock()
}

func (o *Orchestrator) scheduleAt(t *task, at time.Time) {
	t.notBefore = at
	o.mu.Lock()
	heap.Push(&o.delayed, t)
	o.mu.Unlock()
	select {
	case o.resched <- struct{}{}:
	default:
	}
}

// timerLoop moves due delayed tasks onto the ready heap. One goroutine
// serves every pending backoff and deferral.
func (o *Orchestrator) timerLoop() {
	defer o.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		o.mu.Lock()
		var wait time.Duration
		if len(o.delayed) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(o.delayed[0].notBefore)
		}
		o.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-o.stop:
			return
		case <-o.resched:
		case <-timer.C:
			o.fireDue()
		}
	}
}

func (o *Orchestrator) fireDue() {
	now := o.now()

	o.mu.Lock()
	var due []*task
	for len(o.delayed) > 0 && !o.delayed[0].notBefore.After(now) {
		due = append(due, heap.Pop(&o.delayed).(*task))
	}
	o.mu.Unlock()

	for _, t := range due {
		if t.canceled {
			continue
		}
		if t.flushKey != "" {
			if merged := o.agg.release(t.flushKey); merged != nil {
				o.pushReady(&task{intent: merged, attempt: 1, enqueuedAt: now})
			}
			continue
		}
		o.pushReady(t)
	}
}

func (o *Orchestrator) workerLoop() {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		for len(o.ready) == 0 && !o.stopped {
			o.cond.Wait()
		}
		if o.stopped {
			o.mu.Unlock()
			return
		}
		t := heap.Pop(&o.ready).(*task)
		o.mu.Unlock()

		if t.canceled {
			continue
		}
		o.process(t)
	}
}

// process runs one delivery attempt and decides what happens next: success,
// retry with backoff, fallback to the next channel, or terminal failure.
func (o *Orchestrator) process(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()

	now := o.now()
	ch := t.channel()
	attempt := domain.NewAttempt(t.intent, ch, t.attempt, now)
	o.record(ctx, attempt)

	var err error
	if ch == domain.ChannelInApp {
		err = o.deliverInApp(t, attempt)
	} else {
		err = o.deliverExternal(ctx, t, attempt)
	}

	if err == nil {
		metrics.RecordDeliveryLatency(ch.String(), o.now().Sub(t.intent.CreatedAt))
		return
	}

	t.lastErr = err.Error()
	attempt.Status = domain.AttemptFailed
	attempt.Error = t.lastErr
	attempt.UpdatedAt = o.now()
	o.record(ctx, attempt)
	metrics.RecordAttempt(ch.String(), string(domain.AttemptFailed))

	retryable := provider.IsTransient(err) || errors.Is(err, circuitbreaker.ErrCircuitOpen)
	if retryable && t.attempt < o.cfg.MaxAttempts {
		backoff := o.backoff(t.attempt)
		o.logger.Debug("delivery attempt failed, scheduling retry",
			zap.String("intent_id", t.intent.ID.String()),
			zap.String("channel", ch.String()),
			zap.Int("attempt", t.attempt),
			zap.Duration("backoff", backoff),
		)
		t.attempt++
		o.scheduleAt(t, o.now().Add(backoff))
		return
	}

	// Channel exhausted (or permanently failed): advance to the next
	// candidate with the backoff reset.
	if t.chanIdx+1 < len(t.intent.Channels) {
		o.logger.Info("channel exhausted, falling back",
			zap.String("intent_id", t.intent.ID.String()),
			zap.String("from", ch.String()),
			zap.String("to", t.intent.Channels[t.chanIdx+1].String()),
		)
		t.chanIdx++
		t.attempt = 1
		o.pushReady(t)
		return
	}

	o.terminallyFailed(t)
}

func (o *Orchestrator) deliverInApp(t *task, attempt *domain.DeliveryAttempt) error {
	delivered := o.inapp.DeliverInApp(t.intent)
	if delivered == 0 {
		return &provider.ProviderError{Message: "no active subscribers", Transient: false}
	}

	attempt.Status = domain.AttemptDelivered
	attempt.UpdatedAt = o.now()
	o.record(context.Background(), attempt)
	metrics.RecordAttempt(attempt.Channel.String(), string(domain.AttemptDelivered))
	return nil
}

func (o *Orchestrator) deliverExternal(ctx context.Context, t *task, attempt *domain.DeliveryAttempt) error {
	key := attempt.IdempotencyKey()

	if o.dedup != nil {
		if sent, err := o.dedup.AlreadySent(ctx, key); err == nil && sent {
			attempt.Status = domain.AttemptSent
			attempt.UpdatedAt = o.now()
			o.record(ctx, attempt)
			metrics.RecordAttempt(attempt.Channel.String(), string(domain.AttemptSent))
			return nil
		}
	}

	req := &provider.Request{
		IntentID:       t.intent.ID,
		UserID:         t.intent.UserID,
		Channel:        attempt.Channel,
		Payload:        t.intent.Payload,
		IdempotencyKey: key,
	}
	if err := o.sender.Send(ctx, req); err != nil {
		return err
	}

	if o.dedup != nil {
		if _, err := o.dedup.MarkSent(ctx, key); err != nil {
			o.logger.Warn("failed to mark dedup key", zap.Error(err))
		}
	}

	attempt.Status = domain.AttemptSent
	attempt.UpdatedAt = o.now()
	o.record(ctx, attempt)
	metrics.RecordAttempt(attempt.Channel.String(), string(domain.AttemptSent))
	return nil
}

func (o *Orchestrator) terminallyFailed(t *task) {
	o.logger.Error("all delivery channels exhausted",
		zap.String("intent_id", t.intent.ID.String()),
		zap.String("user_id", t.intent.UserID.String()),
		zap.String("last_error", t.lastErr),
	)
	metrics.RecordAttempt("all", "exhausted")

	if o.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.audit.ReportFailed(ctx, t.intent, t.lastErr); err != nil {
			o.logger.Error("failed to report terminal failure", zap.Error(err))
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, attempt *domain.DeliveryAttempt) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordAttempt(ctx, attempt); err != nil {
		o.logger.Warn("failed to record delivery attempt",
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err),
		)
	}
}

// backoff computes the delay before retry attempt+1: base * 2^(attempt-1),
// capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase << (attempt - 1)
	if d > o.cfg.BackoffCap || d <= 0 {
		return o.cfg.BackoffCap
	}
	return d
}

// RecordOpen forwards an open signal to the engagement tracker.
func (o *Orchestrator) RecordOpen(intentID uuid.UUID) { o.engage.RecordOpen(intentID) }

// RecordClick forwards a click signal to the engagement tracker.
func (o *Orchestrator) RecordClick(intentID uuid.UUID) { o.engage.RecordClick(intentID) }

// SetNowFunc overrides the clock. Tests only.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	o.now = now
}
