package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the backlog of an ordered subscriber.
const DefaultQueueSize = 1024

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus publishes bridge events to subscribers without blocking the
// publisher. Plain subscribers get each event on its own goroutine.
// Ordered subscribers get events through a per-subscriber queue, in the
// order they were emitted, across all the event types they subscribed to.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	ordered  map[EventType][]*orderedSub
	subs     []*orderedSub
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

type orderedSub struct {
	name    string
	handler HandlerFunc
	queue   chan queuedEvent
}

type queuedEvent struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		ordered:  make(map[EventType][]*orderedSub),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeOrdered registers one handler for several event types. The
// handler runs on a single goroutine and sees events in emission order.
// Events are dropped with a warning while its queue is full.
func (eb *EventBus) SubscribeOrdered(name string, handler HandlerFunc, eventTypes ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub := &orderedSub{
		name:    name,
		handler: handler,
		queue:   make(chan queuedEvent, DefaultQueueSize),
	}
	for _, t := range eventTypes {
		eb.ordered[t] = append(eb.ordered[t], sub)
	}
	eb.subs = append(eb.subs, sub)

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for qe := range sub.queue {
			eb.dispatch(qe.ctx, qe.event, sub.name, sub.handler)
		}
	}()

	log.Debug().
		Str("handler", name).
		Int("events", len(eventTypes)).
		Msg("subscribed to ordered events")
}

// Emit publishes an event to all subscribed handlers asynchronously.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	ordered := eb.ordered[event.Type]
	if len(handlers) == 0 && len(ordered) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)+len(ordered)).
		Msg("emitting event")

	for _, sub := range ordered {
		select {
		case sub.queue <- queuedEvent{ctx: ctx, event: event}:
		default:
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("subscriber queue full, event dropped")
		}
	}

	for _, h := range handlers {
		h := h
		eb.wg.Add(1)
		go func() {
			defer eb.wg.Done()
			eb.dispatch(ctx, event, h.name, h.handler)
		}()
	}
}

func (eb *EventBus) dispatch(ctx context.Context, event Event, name string, handler HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", name).
			Msg("handler returned error")
	}
}

// Stop stops accepting new events and waits until in-flight handlers
// return and ordered queues are drained.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for _, sub := range eb.subs {
		close(sub.queue)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}
