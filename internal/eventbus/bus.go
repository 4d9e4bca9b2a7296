package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the engine. Subscribers match on exact type or prefix.
const (
	OccurrenceEnsured      = "occurrence.ensured"
	OccurrenceClaimed      = "occurrence.claimed"
	OccurrenceDuplicate    = "occurrence.duplicate"
	OccurrenceContentReady = "occurrence.content_ready"
	OccurrenceFailed       = "occurrence.failed"
	OccurrenceDelivered    = "occurrence.delivered"
	OccurrenceUndelivered  = "occurrence.undelivered"

	EscalationSent = "escalation.sent"

	SchedulerState  = "scheduler.state"
	SchedulerRescan = "scheduler.rescan"

	DeliverySent   = "delivery.sent"
	DeliveryFailed = "delivery.failed"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"
)

// Event is a small in-memory signal. Data should be JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a non-blocking fanout. Slow subscribers drop events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel. Unsubscribe takes the write lock
// before closing, so Publish never sends on a closed channel.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish is a nil-safe helper used by components with an optional bus.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Matches reports whether typ equals pattern or sits under it ("occurrence." matches "occurrence.claimed").
func Matches(pattern, typ string) bool {
	if pattern == "" || pattern == typ {
		return true
	}
	return strings.HasSuffix(pattern, ".") && strings.HasPrefix(typ, pattern)
}
