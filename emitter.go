// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package resilient hides the transient nature of AMQP connections, channels
// and consumers from application code. A user declares what they want to
// consume or publish and the layer continuously restores that intent across
// broker restarts, network partitions, channel errors and server-initiated
// consumer cancellations.
package resilient

import "sync"

// AsyncEmitter is a keyed publish/subscribe primitive with two emission
// modes. Emit dispatches synchronously on the calling goroutine. EmitAsync
// defers dispatch to a drain goroutine so that handlers observing a state
// transition cannot re-enter the emitting component while it is
// mid-transition. Deferred emissions are dispatched in FIFO order.
//
// Subscribers registered after an event was emitted do not receive it. A
// component may install a newListener hook to replay current state to late
// subscribers; the Connector uses this for its connect event.
type AsyncEmitter struct {
	mu          sync.Mutex
	listeners   map[string][]*subscription
	queue       []emission
	draining    bool
	nextID      int
	newListener func(event string, fn func(arg any))
}

type subscription struct {
	id   int
	fn   func(arg any)
	once bool
}

type emission struct {
	event string
	arg   any
}

// NewAsyncEmitter returns an empty emitter.
func NewAsyncEmitter() *AsyncEmitter {
	return &AsyncEmitter{
		listeners: make(map[string][]*subscription),
	}
}

// On subscribes fn to the named event and returns a subscription id for Off.
func (e *AsyncEmitter) On(event string, fn func(arg any)) int {
	return e.subscribe(event, fn, false)
}

// Once subscribes fn for a single delivery of the named event.
func (e *AsyncEmitter) Once(event string, fn func(arg any)) int {
	return e.subscribe(event, fn, true)
}

func (e *AsyncEmitter) subscribe(event string, fn func(arg any), once bool) int {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], &subscription{id: id, fn: fn, once: once})
	hook := e.newListener
	e.mu.Unlock()

	if hook != nil {
		hook(event, fn)
	}

	return id
}

// Off removes the subscription with the given id from the named event.
func (e *AsyncEmitter) Off(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.listeners[event]
	for i, s := range subs {
		if s.id == id {
			e.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SetNewListenerHook installs a hook invoked synchronously after every new
// subscription, outside the emitter lock.
func (e *AsyncEmitter) SetNewListenerHook(hook func(event string, fn func(arg any))) {
	e.mu.Lock()
	e.newListener = hook
	e.mu.Unlock()
}

// Emit dispatches the event synchronously to every current subscriber.
// The listener set is snapshotted first, so handlers may subscribe,
// unsubscribe or emit without deadlocking.
func (e *AsyncEmitter) Emit(event string, arg any) {
	e.mu.Lock()
	subs := e.listeners[event]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)

	kept := subs[:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.listeners[event] = kept
	e.mu.Unlock()

	for _, s := range snapshot {
		s.fn(arg)
	}
}

// EmitAsync queues the event for dispatch after the current call returns.
func (e *AsyncEmitter) EmitAsync(event string, arg any) {
	e.mu.Lock()
	e.queue = append(e.queue, emission{event: event, arg: arg})
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()

	go e.drain()
}

func (e *AsyncEmitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.Emit(next.event, next.arg)
	}
}
