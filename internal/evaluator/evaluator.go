// Package evaluator turns domain events into per-user notification intents:
// it resolves interested users, applies notification preferences and quiet
// hours, and assigns priority.
package evaluator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
	"github.com/rosslyle/beacon/internal/metrics"
)

// QuietHours is a user's do-not-disturb window, expressed as minutes since
// midnight in the user's location. A window may wrap midnight (start > end).
// The zero value means no quiet hours.
type QuietHours struct {
	StartMinute int
	EndMinute   int
	Location    *time.Location
}

// Enabled reports whether the user configured a quiet window.
func (q QuietHours) Enabled() bool {
	return q.StartMinute != 0 || q.EndMinute != 0
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if q.StartMinute <= q.EndMinute {
		return minute >= q.StartMinute && minute < q.EndMinute
	}
	// Window wraps midnight.
	return minute >= q.StartMinute || minute < q.EndMinute
}

// End returns the first instant at or after t when the window closes.
func (q QuietHours) End(t time.Time) time.Time {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), q.EndMinute/60, q.EndMinute%60, 0, 0, loc)
	if !end.After(local) {
		end = end.Add(24 * time.Hour)
	}
	return end
}

// Preferences is the resolved preference set for one (user, event type).
type Preferences struct {
	// Channels are the enabled delivery channels in the user's preference
	// order. Empty means the notification type is fully disabled.
	Channels []domain.Channel
	Quiet    QuietHours
}

// PreferenceStore is the external preference collaborator.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID uuid.UUID, eventType domain.EventType) (*Preferences, error)
}

// InterestResolver is the external entity-interest collaborator (e.g.
// watchers of a deal).
type InterestResolver interface {
	InterestedUsers(ctx context.Context, entityID string) ([]uuid.UUID, error)
}

// Dispatcher receives evaluated intents; implemented by the delivery
// orchestrator.
type Dispatcher interface {
	Dispatch(intent *domain.NotificationIntent)
}

// SuppressionRecorder persists preference suppressions for audit. Optional;
// nil disables the audit trail.
type SuppressionRecorder interface {
	RecordSuppression(ctx context.Context, userID uuid.UUID, eventType domain.EventType, at time.Time) error
}

// priorityTable is the static event type → priority assignment. An explicit
// "priority" field in the event payload overrides it.
var priorityTable = map[domain.EventType]domain.Priority{
	domain.EventPriceDrop:         domain.PriorityHigh,
	domain.EventDealExpiring:      domain.PriorityHigh,
	domain.EventDealUpdated:       domain.PriorityNormal,
	domain.EventGoalAchieved:      domain.PriorityNormal,
	domain.EventGoalStatusChanged: domain.PriorityNormal,
	domain.EventDigest:            domain.PriorityLow,
	domain.EventMarketing:         domain.PriorityLow,
}

// Evaluator produces zero or one intent per (event, user) pair.
type Evaluator struct {
	prefs        PreferenceStore
	interests    InterestResolver
	dispatcher   Dispatcher
	suppressions SuppressionRecorder
	logger       *zap.Logger
	now          func() time.Time
}

// New creates an evaluator wired to the given collaborators. suppressions
// may be nil.
func New(prefs PreferenceStore, interests InterestResolver, dispatcher Dispatcher, suppressions SuppressionRecorder, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		prefs:        prefs,
		interests:    interests,
		dispatcher:   dispatcher,
		suppressions: suppressions,
		logger:       logger,
		now:          time.Now,
	}
}

// payloadOverride is the subset of the event payload the evaluator inspects.
type payloadOverride struct {
	Priority string `json:"priority"`
}

// Priority resolves the effective priority for an event: the static table
// entry unless the payload carries a valid explicit override.
func Priority(e *domain.Event) domain.Priority {
	p, ok := priorityTable[e.Type]
	if !ok {
		p = domain.PriorityNormal
	}
	if len(e.Payload) > 0 {
		var o payloadOverride
		if err := json.Unmarshal(e.Payload, &o); err == nil && o.Priority != "" {
			if override, err := domain.ParsePriority(o.Priority); err == nil {
				p = override
			}
		}
	}
	return p
}

// Evaluate resolves interested users and hands one intent per eligible user
// to the dispatcher. Users whose preferences disable every channel are
// suppressed silently: no DeliveryAttempt is ever created for them.
func (ev *Evaluator) Evaluate(ctx context.Context, e *domain.Event) error {
	users, err := ev.interests.InterestedUsers(ctx, e.EntityID)
	if err != nil {
		return err
	}

	priority := Priority(e)
	now := ev.now()

	for _, userID := range users {
		prefs, err := ev.prefs.GetPreferences(ctx, userID, e.Type)
		if err != nil {
			ev.logger.Warn("preference lookup failed, skipping user",
				zap.String("user_id", userID.String()),
				zap.String("event_type", e.Type.String()),
				zap.Error(err),
			)
			continue
		}

		if prefs == nil || len(prefs.Channels) == 0 {
			// Intentional suppression, not a failure.
			ev.logger.Debug("notification suppressed by preferences",
				zap.String("user_id", userID.String()),
				zap.String("event_type", e.Type.String()),
			)
			metrics.RecordIntentOutcome("suppressed")
			if ev.suppressions != nil {
				if err := ev.suppressions.RecordSuppression(ctx, userID, e.Type, now); err != nil {
					ev.logger.Warn("failed to record suppression",
						zap.String("user_id", userID.String()),
						zap.Error(err),
					)
				}
			}
			continue
		}

		intent, err := domain.NewIntent(userID, e.Type, priority, e.Payload, prefs.Channels, now)
		if err != nil {
			ev.logger.Error("failed to build intent", zap.Error(err))
			continue
		}
		intent.EventSeq = e.Seq
		intent.EntityID = e.EntityID

		if priority.Rank() < domain.PriorityHigh.Rank() && prefs.Quiet.Contains(now) {
			wake := prefs.Quiet.End(now)
			intent.DeferUntil = &wake
			metrics.RecordIntentOutcome("deferred")
		} else {
			metrics.RecordIntentOutcome("created")
		}

		ev.dispatcher.Dispatch(intent)
	}

	return nil
}

// SetNowFunc overrides the clock. Tests only.
func (ev *Evaluator) SetNowFunc(now func() time.Time) {
	ev.now = now
}
