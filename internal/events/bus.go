package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives one event. It runs on the subscriber's own goroutine;
// blocking here delays only this subscriber, never the publisher or peers.
type Handler func(Event)

const defaultQueueSize = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus is an in-process typed pub/sub dispatcher. Publish is fire-and-forget:
// each subscriber drains its own buffered queue on a dedicated goroutine, so
// a slow or panicking subscriber cannot stall the publishing path. Delivery
// to a given subscriber is FIFO in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]*subscriber
	logger *slog.Logger
	closed bool
	wg     sync.WaitGroup
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[Type][]*subscriber), logger: logger}
}

// Subscribe registers a handler for one event type. Handlers registered
// after events were published do not see past events.
func (b *Bus) Subscribe(t Type, h Handler) {
	sub := &subscriber{ch: make(chan Event, defaultQueueSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs[t] = append(b.subs[t], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			b.deliver(h, ev)
		}
		close(sub.done)
	}()
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event subscriber panic", "type", string(ev.Type), "panic", rec)
		}
	}()
	h(ev)
}

// Publish enqueues the event for every subscriber of its type. If a
// subscriber's queue is full the event is dropped for that subscriber and
// logged; the publisher never blocks.
func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[t] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("event dropped, subscriber queue full", "type", string(t))
		}
	}
}

// Close stops accepting events and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
