package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub. Publish invokes every matching
// handler in subscription order on the caller's goroutine; a panicking
// handler is logged and skipped so one faulty consumer cannot stall the
// pipeline.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	nextID uint64
}

// NewBus returns an empty [Bus].
func NewBus() *Bus {
	return &Bus{}
}

// Subscription is the handle returned by [Bus.Subscribe]. The owner must call
// [Subscription.Close] on teardown.
type Subscription struct {
	bus    *Bus
	id     uint64
	name   string // empty for wildcard subscriptions
	fn     Handler
	closed atomic.Bool
}

// Close detaches the subscription. It is safe to call more than once and
// from inside a handler.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s.id)
}

// Subscribe registers fn for every event.
func (b *Bus) Subscribe(fn Handler) *Subscription {
	return b.add("", fn)
}

// SubscribeTo registers fn for events whose [Event.Name] equals name.
func (b *Bus) SubscribeTo(name string, fn Handler) *Subscription {
	return b.add(name, fn)
}

// On registers fn for events of the concrete type T.
func On[T Event](b *Bus, fn func(T)) *Subscription {
	return b.add("", func(ev Event) {
		if t, ok := ev.(T); ok {
			fn(t)
		}
	})
}

// Publish delivers ev to all matching subscribers.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	name := ev.Name()
	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		if s.name != "" && s.name != name {
			continue
		}
		b.dispatch(s, ev)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) dispatch(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", ev.Name(), "subscription", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

func (b *Bus) add(name string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{bus: b, id: b.nextID, name: name, fn: fn}
	b.subs = append(b.subs, s)
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}
