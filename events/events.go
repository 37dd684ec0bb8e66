package events

import "sync"

// EventHandler defines a function type where its input type is the generic type. A returned error stops the
// publishing of the event and is returned to the publisher.
type EventHandler[T any] func(T) error

// EventEmitter describes a provider which can subscribe EventHandler methods for callback when the event type (generic)
// is published. It is safe for concurrent use: futures executing in parallel publish through the same emitter.
type EventEmitter[T any] struct {
	// subscriptions defines the EventHandler methods which should be invoked when a new event is published to this
	// emitter.
	subscriptions []EventHandler[T]

	// lock guards subscriptions and serializes Publish so handlers never run concurrently.
	lock sync.Mutex
}

// Publish emits the provided event by calling every EventHandler subscribed, in subscription order.
func (e *EventEmitter[T]) Publish(event T) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, subscription := range e.subscriptions {
		if err := subscription(event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe adds an EventHandler to the list of subscribed EventHandler objects for this emitter.
func (e *EventEmitter[T]) Subscribe(callback EventHandler[T]) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.subscriptions = append(e.subscriptions, callback)
}
