package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Delivery lifecycle event types published by the pipeline and dispatcher.
const (
	TypeAccepted   = "event.accepted"
	TypeDuplicate  = "event.duplicate"
	TypeQueued     = "delivery.queued"
	TypeSent       = "delivery.sent"
	TypeRetry      = "delivery.retry"
	TypeFailed     = "delivery.failed"
	TypeSuppressed = "delivery.suppressed"
	TypeSkipped    = "delivery.skipped"
	TypeDropped    = "delivery.dropped"
	TypeFlushed    = "digest.flushed"
)

// Event is a lightweight in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// DeliveryEvent is the payload for delivery.* and digest.* events.
type DeliveryEvent struct {
	EventID   string        `json:"event_id"`
	Recipient string        `json:"recipient"`
	Channel   string        `json:"channel"`
	Attempt   int           `json:"attempt,omitempty"`
	Items     int           `json:"items,omitempty"`
	Took      time.Duration `json:"took,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
