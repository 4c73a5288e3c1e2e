// Package eventbus implements the typed, in-process publish/subscribe bus
// connecting the device listener to the session manager and the
// device-event trigger.
//
// Events are a closed, typed set (DeviceConnected, DeviceDisconnected,
// SessionStarted, SessionStopped, SessionFailed), so the bus keys
// subscribers by Go type rather than a string prefix, and guarantees FIFO
// delivery per (event type, subscriber) by giving each subscriber its own
// dedicated worker goroutine and bounded channel — two concurrent
// publishes of the same event type never race inside one handler.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Event is the closed set of events the bus recognizes.
type Event interface {
	eventMarker()
}

// Device is a value snapshot; events never alias mutable registry state.
type Device struct {
	Platform string
	ID       string
	Name     string
	Kind     string
}

// Session is a value snapshot of a session at the moment of publish.
type Session struct {
	SessionID string
	DeviceID  string
	Ports     []int
}

type DeviceConnected struct{ Device Device }
type DeviceDisconnected struct{ Device Device }
type SessionStarted struct {
	Device  Device
	Session Session
}
type SessionStopped struct {
	Device  Device
	Session Session
}
type SessionFailed struct {
	Device Device
	Reason string
}

func (DeviceConnected) eventMarker()    {}
func (DeviceDisconnected) eventMarker() {}
func (SessionStarted) eventMarker()     {}
func (SessionStopped) eventMarker()     {}
func (SessionFailed) eventMarker()      {}

// Handler receives one event. Handlers must not panic across the bus
// boundary — the bus recovers panics itself, but a handler that traps its
// own errors rather than panicking gets faster, cheaper delivery.
type Handler func(Event)

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

const subscriberQueueSize = 256

type subscriber struct {
	handler Handler
	queue   chan Event
	done    chan struct{}
}

// Bus is the concurrency-safe pub/sub hub. Subscriber lists are
// copy-on-publish snapshots, so Subscribe/Unsubscribe never
// blocks or is blocked by a Publish in flight.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[string][]*subscriber // keyed by event type name

	metricsMu sync.Mutex
	onPanic   func(eventType string, r any)
}

// New creates an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string][]*subscriber),
	}
}

// OnHandlerPanic registers a callback invoked whenever a subscriber handler
// panics, so the orchestrator root can feed panic counts into metrics
// without the bus importing the metrics package directly.
func (b *Bus) OnHandlerPanic(fn func(eventType string, r any)) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.onPanic = fn
}

func typeKey(e Event) string {
	return fmt.Sprintf("%T", e)
}

// Subscribe registers handler for events of the concrete type T (e.g.
// eventbus.DeviceConnected). Returns a cancellation handle.
// Handlers registered mid-publish do not receive that publish; handlers
// unsubscribed mid-publish may still receive it, since the subscriber list
// used for a given Publish is snapshotted before delivery begins.
func Subscribe[T Event](b *Bus, handler func(T)) Unsubscribe {
	var zero T
	key := typeKey(zero)

	sub := &subscriber{
		handler: func(e Event) { handler(e.(T)) },
		queue:   make(chan Event, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	go sub.run(b, key)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[key]
			for i, s := range list {
				if s == sub {
					b.subs[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// run is the subscriber's dedicated worker: one goroutine per subscriber
// guarantees FIFO delivery for that subscriber without serializing delivery
// to other subscribers of the same or other event types.
func (s *subscriber) run(b *Bus, key string) {
	for {
		select {
		case e := <-s.queue:
			s.deliver(b, key, e)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) deliver(b *Bus, key string, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event_type", key).Interface("panic", r).Msg("event subscriber panicked")
			b.metricsMu.Lock()
			cb := b.onPanic
			b.metricsMu.Unlock()
			if cb != nil {
				cb(key, r)
			}
		}
	}()
	s.handler(e)
}

// Publish delivers e to every subscriber of its concrete type. Delivery to
// each subscriber is enqueued on that subscriber's own buffered channel, so
// one slow subscriber cannot starve others; if a subscriber's queue is
// full, Publish drops the event for that subscriber only (after logging),
// rather than blocking the publisher indefinitely.
func (b *Bus) Publish(e Event) {
	key := typeKey(e)

	b.mu.RLock()
	subsCopy := append([]*subscriber(nil), b.subs[key]...)
	b.mu.RUnlock()

	for _, s := range subsCopy {
		select {
		case s.queue <- e:
		default:
			b.log.Warn().Str("event_type", key).Msg("subscriber queue full, dropping event")
		}
	}
}
