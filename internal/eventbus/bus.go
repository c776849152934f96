// Package eventbus is an in-process, non-blocking fanout of small events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the restriction scheduler.
const (
	MuteRegistered = "mute.registered"
	MuteLifted     = "mute.lifted"
	MuteLiftFailed = "mute.lift_failed"
	BatchDropped   = "mute.batch_dropped"
)

// Event is a lightweight signal. Data should be small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// MuteData is the payload of the mute.* events.
type MuteData struct {
	UserID int64
	Until  time.Time
	Err    error
}

// Bus never blocks publishers: a subscriber whose buffer is full misses the
// event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
