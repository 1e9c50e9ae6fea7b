package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufferSize = 64

// Observer receives events synchronously on the publisher's goroutine. It must be quick;
// a panic inside it is recovered and logged.
type Observer func(Event)

// Publisher is what producers depend on
type Publisher interface {
	Publish(Event)
}

// Bus broadcasts events to channel subscribers and observers
type Bus struct {
	mu        sync.RWMutex
	subs      []chan Event
	observers []Observer
	dropped   atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel receiving every event published after the call.
// Events are dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			close(sub)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Observe registers a callback
func (b *Bus) Observe(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// channel sends stay under the lock so Unsubscribe cannot close one mid-send
	b.mu.RLock()
	for _, sub := range b.subs {
		select {
		case sub <- e:
		default:
			b.dropped.Add(1)
		}
	}
	observers := slices.Clone(b.observers)
	b.mu.RUnlock()

	// observers run unlocked and may subscribe, observe or unsubscribe
	for _, fn := range observers {
		b.notify(fn, e)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) notify(fn Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event observer panic", "kind", e.Kind, "panic", r)
		}
	}()
	fn(e)
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
