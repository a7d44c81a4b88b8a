// Package stream assigns sequence ids to admitted events and retains a
// bounded window of them for last_event_id resumption.
package stream

import (
	"sync"
	"time"

	"github.com/rosslyle/beacon/internal/domain"
)

// Buffer is the retention ring for resumption backfill. Admission assigns
// the monotonically increasing sequence id; the ring keeps the newest
// `size` events, additionally trimmed by age on read. Resumption outside
// the retained window is best effort: older events are simply not replayed.
type Buffer struct {
	mu     sync.Mutex
	seq    int64
	ring   []*domain.Event
	head   int // next write position
	count  int
	maxAge time.Duration
	now    func() time.Time
}

// NewBuffer creates a retention buffer holding up to size events no older
// than maxAge.
func NewBuffer(size int, maxAge time.Duration) *Buffer {
	if size <= 0 {
		size = 1024
	}
	return &Buffer{
		ring:   make([]*domain.Event, size),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Append admits an event: assigns its sequence id, stores it in the ring,
// and returns the assigned id. Admission order defines fan-out order.
func (b *Buffer) Append(e *domain.Event) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq

	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
	return e.Seq
}

// Since returns retained events with sequence id greater than lastSeq, in
// sequence order, excluding events older than the age bound.
func (b *Buffer) Since(lastSeq int64) []*domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	cutoff := b.now().Add(-b.maxAge)
	start := (b.head - b.count + len(b.ring)) % len(b.ring)

	var out []*domain.Event
	for i := 0; i < b.count; i++ {
		e := b.ring[(start+i)%len(b.ring)]
		if e.Seq <= lastSeq {
			continue
		}
		if b.maxAge > 0 && e.OccurredAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// LatestSeq returns the most recently assigned sequence id.
func (b *Buffer) LatestSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SetNowFunc overrides the clock. Tests only.
func (b *Buffer) SetNowFunc(now func() time.Time) {
	b.now = now
}
