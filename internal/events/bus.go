package events

import (
	"sync"
	"time"

	"github.com/kimhsiao/memofeed/internal/logging"
	"github.com/kimhsiao/memofeed/internal/uuid"
)

// Handler is a function that processes events. Handlers run on the bus
// dispatch goroutine, one at a time, in event arrival order.
type Handler func(event Event)

// Subscription represents a subscription to events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Bus broadcasts events to subscribers from a single dispatch goroutine.
// Publish is safe to call from any goroutine, including after Close.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	logger   *logging.Logger
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	bufferSize int
}

// WithBufferSize sets the pending-event buffer size.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// NewBus creates a new event bus and starts its dispatch goroutine.
func NewBus(opts ...Option) *Bus {
	o := &options{bufferSize: 1024}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{
		subscriptions: make(map[string]*Subscription),
		events:        make(chan Event, o.bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logging.Get().Named("events"),
	}

	go b.dispatchLoop()

	return b
}

// Subscribe registers a handler for events of the given types (no types
// means all types). It returns a subscription ID for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.New(),
		Handler: handler,
		Types:   types,
	}

	b.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. It returns true if the subscription
// was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; ok {
		delete(b.subscriptions, id)
		return true
	}
	return false
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Publish enqueues an event for dispatch. Events are delivered to handlers
// in the order Publish accepted them. Publishing after Close drops the
// event, as does a full buffer; handlers publish back into the bus, so
// Publish must never block the dispatch goroutine.
func (b *Bus) Publish(eventType Type, data any) {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	select {
	case b.events <- event:
	case <-b.stop:
	default:
		b.logger.Warn("Event buffer full; dropping event", map[string]interface{}{
			"event_type": string(eventType),
			"event_id":   event.ID,
		})
	}
}

// Close stops the dispatch goroutine after draining buffered events and
// waits for it to exit. Close is idempotent.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for {
		select {
		case event := <-b.events:
			b.dispatch(event)
		case <-b.stop:
			// Drain events accepted before Close
			for {
				select {
				case event := <-b.events:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch invokes every matching handler for the event, in subscription
// iteration order, with panic recovery so one handler cannot kill the bus.
func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !shouldHandle(sub, event) {
			continue
		}
		b.safeInvoke(sub.Handler, event)
	}
}

func (b *Bus) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", nil, map[string]interface{}{
				"event_type": string(event.Type),
				"event_id":   event.ID,
				"panic":      r,
			})
		}
	}()
	handler(event)
}

func shouldHandle(sub *Subscription, event Event) bool {
	if len(sub.Types) == 0 {
		return true
	}
	for _, t := range sub.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}
