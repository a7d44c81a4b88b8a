package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

type fakePrefs struct {
	byUser map[uuid.UUID]*Preferences
	err    map[uuid.UUID]error
}

func (f *fakePrefs) GetPreferences(_ context.Context, userID uuid.UUID, _ domain.EventType) (*Preferences, error) {
	if err := f.err[userID]; err != nil {
		return nil, err
	}
	return f.byUser[userID], nil
}

type fakeInterests struct {
	users []uuid.UUID
}

func (f *fakeInterests) InterestedUsers(context.Context, string) ([]uuid.UUID, error) {
	return f.users, nil
}

type fakeDispatcher struct {
	intents []*domain.NotificationIntent
}

func (f *fakeDispatcher) Dispatch(intent *domain.NotificationIntent) {
	f.intents = append(f.intents, intent)
}

type fakeSuppressions struct {
	recorded []suppressionRecord
	err      error
}

type suppressionRecord struct {
	userID    uuid.UUID
	eventType domain.EventType
}

func (f *fakeSuppressions) RecordSuppression(_ context.Context, userID uuid.UUID, eventType domain.EventType, _ time.Time) error {
	f.recorded = append(f.recorded, suppressionRecord{userID: userID, eventType: eventType})
	return f.err
}

func dealEvent(payload string) *domain.Event {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return &domain.Event{
		Seq:        10,
		ID:         uuid.New(),
		Type:       domain.EventDealUpdated,
		EntityID:   "deal-1",
		Payload:    raw,
		OccurredAt: time.Now(),
	}
}

func TestPriorityTableAndOverride(t *testing.T) {
	if got := Priority(&domain.Event{Type: domain.EventPriceDrop}); got != domain.PriorityHigh {
		t.Errorf("price_drop should be high, got %s", got)
	}
	if got := Priority(&domain.Event{Type: domain.EventDigest}); got != domain.PriorityLow {
		t.Errorf("digest should be low, got %s", got)
	}

	e := dealEvent(`{"priority": "urgent"}`)
	if got := Priority(e); got != domain.PriorityUrgent {
		t.Errorf("payload override should win, got %s", got)
	}

	e = dealEvent(`{"priority": "mega"}`)
	if got := Priority(e); got != domain.PriorityNormal {
		t.Errorf("invalid override should fall back to the table, got %s", got)
	}
}

func TestEvaluate_CreatesIntentPerEligibleUser(t *testing.T) {
	userA, userB := uuid.New(), uuid.New()
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		userA: {Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelEmail}},
		userB: {Channels: []domain.Channel{domain.ChannelSMS}},
	}}
	disp := &fakeDispatcher{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{userA, userB}}, disp, nil, zap.NewNop())

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(disp.intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(disp.intents))
	}

	intent := disp.intents[0]
	if intent.EventSeq != 10 || intent.EntityID != "deal-1" {
		t.Errorf("intent should carry the event identity: %+v", intent)
	}
	if intent.Priority != domain.PriorityNormal {
		t.Errorf("deal_updated should be normal priority, got %s", intent.Priority)
	}
}

func TestEvaluate_SuppressesDisabledUsers(t *testing.T) {
	enabled, disabled := uuid.New(), uuid.New()
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		enabled:  {Channels: []domain.Channel{domain.ChannelEmail}},
		disabled: {Channels: nil},
	}}
	disp := &fakeDispatcher{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{enabled, disabled}}, disp, nil, zap.NewNop())

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(disp.intents))
	}
	if disp.intents[0].UserID != enabled {
		t.Error("only the enabled user should get an intent")
	}
}

func TestEvaluate_RecordsSuppressionForAudit(t *testing.T) {
	enabled, disabled := uuid.New(), uuid.New()
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		enabled:  {Channels: []domain.Channel{domain.ChannelEmail}},
		disabled: {Channels: nil},
	}}
	disp := &fakeDispatcher{}
	sup := &fakeSuppressions{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{enabled, disabled}}, disp, sup, zap.NewNop())

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(sup.recorded) != 1 {
		t.Fatalf("expected 1 suppression record, got %d", len(sup.recorded))
	}
	if sup.recorded[0].userID != disabled || sup.recorded[0].eventType != domain.EventDealUpdated {
		t.Errorf("unexpected suppression record: %+v", sup.recorded[0])
	}
	if len(disp.intents) != 1 || disp.intents[0].UserID != enabled {
		t.Error("suppressed user must not get an intent")
	}
}

func TestEvaluate_SuppressionRecordErrorIsNonFatal(t *testing.T) {
	disabled := uuid.New()
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		disabled: {Channels: nil},
	}}
	disp := &fakeDispatcher{}
	sup := &fakeSuppressions{err: errors.New("insert failed")}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{disabled}}, disp, sup, zap.NewNop())

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("a failed audit write should not fail the event: %v", err)
	}
	if len(disp.intents) != 0 {
		t.Error("suppressed user must not get an intent even when the audit write fails")
	}
}

func TestEvaluate_SkipsUserOnLookupError(t *testing.T) {
	broken, fine := uuid.New(), uuid.New()
	prefs := &fakePrefs{
		byUser: map[uuid.UUID]*Preferences{
			fine: {Channels: []domain.Channel{domain.ChannelEmail}},
		},
		err: map[uuid.UUID]error{broken: errors.New("lookup failed")},
	}
	disp := &fakeDispatcher{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{broken, fine}}, disp, nil, zap.NewNop())

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("one bad lookup should not fail the event: %v", err)
	}
	if len(disp.intents) != 1 || disp.intents[0].UserID != fine {
		t.Error("the healthy user should still get an intent")
	}
}

func TestEvaluate_QuietHoursDefer(t *testing.T) {
	userID := uuid.New()
	// Quiet 22:00 to 07:00, evaluated at 23:30 UTC.
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		userID: {
			Channels: []domain.Channel{domain.ChannelEmail},
			Quiet:    QuietHours{StartMinute: 22 * 60, EndMinute: 7 * 60},
		},
	}}
	disp := &fakeDispatcher{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{userID}}, disp, nil, zap.NewNop())
	at := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	ev.SetNowFunc(func() time.Time { return at })

	if err := ev.Evaluate(context.Background(), dealEvent("")); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(disp.intents))
	}

	intent := disp.intents[0]
	if intent.DeferUntil == nil {
		t.Fatal("normal-priority intent in quiet hours should be deferred")
	}
	wantWake := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !intent.DeferUntil.Equal(wantWake) {
		t.Errorf("expected wake at %v, got %v", wantWake, intent.DeferUntil)
	}
}

func TestEvaluate_HighPriorityIgnoresQuietHours(t *testing.T) {
	userID := uuid.New()
	prefs := &fakePrefs{byUser: map[uuid.UUID]*Preferences{
		userID: {
			Channels: []domain.Channel{domain.ChannelEmail},
			Quiet:    QuietHours{StartMinute: 0, EndMinute: 24 * 60}, // always quiet
		},
	}}
	disp := &fakeDispatcher{}

	ev := New(prefs, &fakeInterests{users: []uuid.UUID{userID}}, disp, nil, zap.NewNop())

	e := dealEvent("")
	e.Type = domain.EventPriceDrop
	if err := ev.Evaluate(context.Background(), e); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(disp.intents))
	}
	if disp.intents[0].DeferUntil != nil {
		t.Error("high priority should bypass quiet hours")
	}
}

func TestQuietHoursContains(t *testing.T) {
	wrap := QuietHours{StartMinute: 22 * 60, EndMinute: 7 * 60}

	if !wrap.Contains(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 should be inside a 22:00-07:00 window")
	}
	if !wrap.Contains(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 should be inside a 22:00-07:00 window")
	}
	if wrap.Contains(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("noon should be outside a 22:00-07:00 window")
	}

	var none QuietHours
	if none.Contains(time.Now()) {
		t.Error("zero value means no quiet hours")
	}
}
