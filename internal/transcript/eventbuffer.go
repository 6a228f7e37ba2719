package transcript

import (
	"sort"
	"sync"
	"time"
)

// EventBuffer collects delta/finalize callbacks for one speaker turn, stamps
// each with its wall-clock arrival time, and replays them in stamped order on
// [EventBuffer.Drain]. Live provider events can jitter slightly relative to
// their logical order; sorting on arrival time before application restores a
// stable ordering within a turn.
//
// Safe for concurrent use.
type EventBuffer struct {
	clock Clock

	mu      sync.Mutex
	seq     int
	pending []bufferedEvent
}

// bufferedEvent is a callback stamped with its arrival time. seq breaks ties
// between events stamped in the same clock instant, keeping the sort stable.
type bufferedEvent struct {
	arrivedAt time.Time
	seq       int
	apply     func()
}

// NewEventBuffer creates an EventBuffer. A nil clock means [time.Now].
func NewEventBuffer(clock Clock) *EventBuffer {
	return &EventBuffer{clock: clock.orSystem()}
}

// Push stamps apply with the current clock time and queues it for the next
// Drain.
func (b *EventBuffer) Push(apply func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, bufferedEvent{
		arrivedAt: b.clock(),
		seq:       b.seq,
		apply:     apply,
	})
	b.seq++
}

// Len returns the number of queued events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain sorts the queued events by arrival time (ties broken by push order)
// and applies them in that order. The queue is cleared before the callbacks
// run, so a callback may Push follow-up events for a later Drain without
// deadlocking.
func (b *EventBuffer) Drain() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].arrivedAt.Equal(batch[j].arrivedAt) {
			return batch[i].seq < batch[j].seq
		}
		return batch[i].arrivedAt.Before(batch[j].arrivedAt)
	})

	for _, ev := range batch {
		ev.apply()
	}
}
