// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import "sync"

type listener[T any] struct {
	fn      func(T)
	removed bool
}

// Emitter is a typed listener registry.
//
// Emit calls the listeners registered when it started; a listener added while
// an emit is in progress only sees later emits. Emitter is safe for concurrent
// use and usable as a zero value.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
}

// Subscribe registers fn and returns a function that removes it
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	l := &listener[T]{fn: fn}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.removed = true
		for i, x := range e.listeners {
			if x == l {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers v to a snapshot of the current listeners, in registration order
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := append([]*listener[T](nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.mu.Lock()
		removed := l.removed
		e.mu.Unlock()
		if !removed {
			l.fn(v)
		}
	}
}

// Len returns the number of registered listeners
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// notifier collects listener calls while the bus lock is held so they run
// after it is released, in the order the state changes happened.
type notifier []func()

func (n *notifier) add(f func()) {
	*n = append(*n, f)
}

func (n notifier) run() {
	for _, f := range n {
		f()
	}
}
