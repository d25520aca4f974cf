// Package event provides the pipeline between the orchestrator and every
// event consumer: persisted events are written to the log first, then fanned
// out to subscribers in registration order; stream events bypass storage and
// go straight to the broadcast broker.
package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/pubsub"
	"github.com/zjrosen/overseer/internal/workflow"
)

// Handler receives persisted events after they are written to the log.
type Handler func(e *workflow.Event)

// Subscription identifies a registered handler for later removal.
type Subscription int

type task struct {
	event *workflow.Event
	flush chan struct{}
}

// Bus routes events from the orchestrator to the log and to subscribers.
//
// Delivery is asynchronous through a single dispatch goroutine, so handlers
// for one workflow observe events in emit order. A handler panic is isolated
// and logged; remaining handlers still run.
type Bus struct {
	events workflow.EventRepository

	mu       sync.Mutex
	handlers []busHandler
	nextID   Subscription
	closed   bool

	queue  chan task
	stream *pubsub.Broker[workflow.StreamEvent]
}

type busHandler struct {
	id Subscription
	fn Handler
}

const queueDepth = 256

// NewBus creates a Bus persisting through the given event repository and
// starts its dispatch goroutine.
func NewBus(events workflow.EventRepository) *Bus {
	b := &Bus{
		events: events,
		queue:  make(chan task, queueDepth),
		stream: pubsub.NewBroker[workflow.StreamEvent](),
	}
	log.SafeGo("eventbus.dispatch", b.dispatch)
	return b
}

// Subscribe registers a handler. Handlers run in registration order.
func (b *Bus) Subscribe(fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, busHandler{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Emit writes an event to the log, then queues it for delivery to
// subscribers. If the write fails the event is not delivered and the error
// is returned, so the log never lags behind what subscribers have seen.
// Stream-only traffic goes through EmitStream instead.
func (b *Bus) Emit(ctx context.Context, e *workflow.Event) error {
	if err := b.events.SaveEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to persist event %s/%d: %w", e.WorkflowID, e.Sequence, err)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case b.queue <- task{event: e}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// EmitStream broadcasts a stream event to the stream broker. No storage,
// no ordering guarantee relative to persisted events.
func (b *Bus) EmitStream(e workflow.StreamEvent) {
	b.stream.Publish(e)
}

// SubscribeStream returns a channel of stream events. The channel closes
// when ctx is cancelled.
func (b *Bus) SubscribeStream(ctx context.Context) <-chan workflow.StreamEvent {
	return b.stream.Subscribe(ctx)
}

// Flush blocks until every event queued before the call has been delivered.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil
	}

	done := make(chan struct{})
	select {
	case b.queue <- task{flush: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatch goroutine and the stream broker. Emits after
// Close are persisted but not delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	b.stream.Close()
}

func (b *Bus) dispatch() {
	for t := range b.queue {
		if t.flush != nil {
			close(t.flush)
			continue
		}

		b.mu.Lock()
		handlers := make([]busHandler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, t.event)
		}
	}
}

// deliver invokes one handler with panic isolation.
func (b *Bus) deliver(h busHandler, e *workflow.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "event handler panicked",
				"subscription", h.id,
				"event", e.Type,
				"workflow", e.WorkflowID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
		}
	}()
	h.fn(e)
}
