package delivery

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rosslyle/beacon/internal/domain"
)

// aggregator merges same-type same-user intents arriving within the
// aggregation window into one multi-item notification before first
// dispatch. Urgent intents never enter the aggregator.
type aggregator struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingBatch
}

type pendingBatch struct {
	first    *domain.NotificationIntent
	priority domain.Priority
	items    []json.RawMessage
	flushAt  time.Time
	released bool
}

func newAggregator(window time.Duration) *aggregator {
	return &aggregator{
		window:  window,
		pending: make(map[string]*pendingBatch),
	}
}

func batchKey(i *domain.NotificationIntent) string {
	return i.UserID.String() + "|" + i.Type.String()
}

// add absorbs the intent into an open batch. Returns (flushAt, true) when a
// new batch was opened and a flush must be scheduled; (zero, false) when the
// intent merged into an existing batch.
func (a *aggregator) add(intent *domain.NotificationIntent, now time.Time) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := batchKey(intent)
	if b, ok := a.pending[key]; ok && !b.released {
		b.items = append(b.items, intent.Payload)
		// A member with an elevated priority raises the whole batch.
		if intent.Priority.Rank() > b.priority.Rank() {
			b.priority = intent.Priority
		}
		return time.Time{}, false
	}

	flushAt := now.Add(a.window)
	a.pending[key] = &pendingBatch{
		first:    intent,
		priority: intent.Priority,
		items:    []json.RawMessage{intent.Payload},
		flushAt:  flushAt,
	}
	return flushAt, true
}

// batchedPayload is the merged payload of an aggregated notification.
type batchedPayload struct {
	Type  string            `json:"type"`
	Count int               `json:"count"`
	Items []json.RawMessage `json:"items"`
}

// release closes the batch for the key and returns the merged intent. The
// first intent's identity (id, channels) carries the batch; the priority is
// the highest across members so a raised member is never demoted.
func (a *aggregator) release(key string) *domain.NotificationIntent {
	a.mu.Lock()
	b, ok := a.pending[key]
	if !ok || b.released {
		a.mu.Unlock()
		return nil
	}
	b.released = true
	delete(a.pending, key)
	a.mu.Unlock()

	if len(b.items) == 1 {
		return b.first
	}

	merged := *b.first
	merged.Priority = b.priority
	merged.BatchCount = len(b.items)
	payload, err := json.Marshal(batchedPayload{
		Type:  b.first.Type.String(),
		Count: len(b.items),
		Items: b.items,
	})
	if err == nil {
		merged.Payload = payload
	}
	return &merged
}

// cancelUser drops any open batch for the user. Used when a delivery is
// cancelled before it fires.
func (a *aggregator) cancelUser(userID string, eventType domain.EventType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, userID+"|"+eventType.String())
}
