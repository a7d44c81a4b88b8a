package delivery

import (
	"time"

	"github.com/rosslyle/beacon/internal/domain"
)

// task is the unit of work in the orchestrator: one intent positioned at a
// candidate channel and attempt number. The same task moves between the
// ready heap (dispatch order) and the delayed heap (backoff/deferral order).
type task struct {
	intent     *domain.NotificationIntent
	chanIdx    int // index into intent.Channels
	attempt    int // 1-based attempt number on the current channel
	enqueuedAt time.Time
	notBefore  time.Time // delayed heap ordering key
	lastErr    string
	canceled   bool

	// flushKey marks a batch-flush timer instead of a delivery: when it
	// fires, the orchestrator releases the aggregator batch for this key.
	flushKey string
}

func (t *task) channel() domain.Channel {
	return t.intent.Channels[t.chanIdx]
}

// readyHeap orders dispatchable tasks by (priority desc, enqueue time asc).
type readyHeap []*task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	pi, pj := h[i].intent.Priority.Rank(), h[j].intent.Priority.Rank()
	if pi != pj {
		return pi > pj
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// delayedHeap orders waiting tasks by wake time. Holds both retry backoffs
// and quiet-hours deferrals, so no goroutine sleeps per pending retry.
type delayedHeap []*task

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].notBefore.Before(h[j].notBefore)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*task))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
