package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventResourceAdded      EventType = "resource.added"
	EventResourceUpdated    EventType = "resource.updated"
	EventResourceDeleted    EventType = "resource.deleted"
	EventApplicationRunning EventType = "application.running"
	EventApplicationFailed  EventType = "application.failed"
	EventApplicationStopped EventType = "application.stopped"
)

// Event represents a change in the graph or on the container runtime
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// NewEvent creates an event with a fresh id and the given metadata pairs
func NewEvent(eventType EventType, message string, kv ...string) *Event {
	e := &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Message:  message,
		Metadata: make(map[string]string, len(kv)/2),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Metadata[kv[i]] = kv[i+1]
	}
	return e
}

const (
	queueSize      = 256
	subscriberSize = 64
)

// Subscriber receives events until it is unsubscribed
type Subscriber chan *Event

// Broker fans published events out to every subscriber
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}

	queue    chan *Event
	done     chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a broker. Events queue up until Start.
func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[Subscriber]struct{}),
		queue: make(chan *Event, queueSize),
		done:  make(chan struct{}),
	}
}

// Start delivers queued events in the background
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case <-b.done:
				return
			case e := <-b.queue:
				b.deliver(e)
			}
		}
	}()
}

// Stop ends delivery. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Subscribe returns a buffered channel receiving every later event
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberSize)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe closes sub. Unknown or already closed subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues e and reports whether it was accepted. Publishers run
// under the engine write lock, so a full queue or a stopped broker drops
// the event instead of blocking.
func (b *Broker) Publish(e *Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.queue <- e:
		return true
	default:
		return false
	}
}

// deliver skips subscribers whose buffer is full
func (b *Broker) deliver(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
