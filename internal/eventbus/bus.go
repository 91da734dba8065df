// Package eventbus is a small in-memory fan-out used to decouple the
// scheduler and services from logging and telemetry.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by beacon components.
const (
	ServiceRegistered = "service.registered"
	ServiceRejected   = "service.rejected"
	ServiceStarted    = "service.started"
	ServicePaused     = "service.paused"
	SchedulerPoll     = "scheduler.poll"
	SurveyDue         = "survey.due"
	TransferDone      = "transfer.done"
	TransferFailed    = "transfer.failed"
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ServiceData accompanies service.* events.
type ServiceData struct {
	Name       string
	NextToggle time.Time // zero when the service stays on forever
}

// PollData accompanies scheduler.poll.
type PollData struct {
	NextWake time.Time
	Services int
}

// SurveyData accompanies survey.due.
type SurveyData struct {
	ID   string
	Next time.Time
}

// TransferData accompanies transfer.done and transfer.failed.
type TransferData struct {
	Files int
	Bytes int64
	Err   error
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// MemBus is the in-memory Bus. It owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes channels under the write lock.
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
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
