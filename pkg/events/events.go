package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// EventType represents the type of repository observation event
type EventType string

const (
	EventNodeAdded       EventType = "node.added"
	EventNodeRemoved     EventType = "node.removed"
	EventNodeMoved       EventType = "node.moved"
	EventPropertyAdded   EventType = "property.added"
	EventPropertyChanged EventType = "property.changed"
	EventPropertyRemoved EventType = "property.removed"
	EventExternalUpdate  EventType = "cluster.update"
)

// Event represents one observed repository change
type Event struct {
	ID        string
	Type      EventType
	ItemID    types.ItemID
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Observation
// listeners hang off the shared item-state manager through Listener; the
// broker decouples them from the commit path, which must not block.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Listener bridges shared item-state events onto the broker. Callbacks run
// under the ISM write lock, so they only enqueue.
type Listener struct {
	Broker *Broker
}

// StateCreated implements state.Listener
func (l *Listener) StateCreated(s state.ItemState) {
	l.publish(s, EventNodeAdded, EventPropertyAdded)
}

// StateModified implements state.Listener
func (l *Listener) StateModified(s state.ItemState) {
	l.publish(s, EventNodeMoved, EventPropertyChanged)
}

// StateDestroyed implements state.Listener
func (l *Listener) StateDestroyed(s state.ItemState) {
	l.publish(s, EventNodeRemoved, EventPropertyRemoved)
}

// StateDiscarded implements state.Listener
func (l *Listener) StateDiscarded(s state.ItemState) {}

func (l *Listener) publish(s state.ItemState, nodeType, propType EventType) {
	t := propType
	if s.IsNode() {
		t = nodeType
	}
	l.Broker.Publish(&Event{Type: t, ItemID: s.ItemID()})
}
