// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import (
	"fmt"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// EventOccurrence is delivered to event listeners
type EventOccurrence struct {
	Event *Event
	Count uint64
	Data  []byte
}

// Event is one event slot of a service
type Event struct {
	service *Service
	code    uint8
	spec    *EventSpec

	count       uint64
	lastCounter int
	data        []byte
	lastTime    time.Time

	listeners Emitter[EventOccurrence]
}

func newEvent(s *Service, code uint8) *Event {
	return &Event{
		service:     s,
		code:        code,
		spec:        s.spec.Event(code),
		lastCounter: -1,
	}
}

func (e *Event) bus() *Bus {
	return e.service.device.bus
}

// Service returns the owning service
func (e *Event) Service() *Service {
	return e.service
}

// Code returns the event code
func (e *Event) Code() uint8 {
	return e.code
}

// Name returns the event name
func (e *Event) Name() string {
	if e.spec != nil {
		return e.spec.Name
	}
	return fmt.Sprintf("event_0x%x", e.code)
}

// Count returns the number of occurrences seen
func (e *Event) Count() uint64 {
	e.bus().mu.Lock()
	defer e.bus().mu.Unlock()
	return e.count
}

// Data returns the payload of the last occurrence
func (e *Event) Data() []byte {
	e.bus().mu.Lock()
	defer e.bus().mu.Unlock()
	return append([]byte(nil), e.data...)
}

// LastTime returns when the last occurrence arrived
func (e *Event) LastTime() time.Time {
	e.bus().mu.Lock()
	defer e.bus().mu.Unlock()
	return e.lastTime
}

// Fields decodes the last payload with the event layout
func (e *Event) Fields() ([]Field, error) {
	if e.spec == nil || e.spec.Layout == nil {
		return nil, fmt.Errorf("%s: %w", e.Name(), ErrNoLayout)
	}
	return namedFields(e.spec.Fields, e.spec.Layout.Unpack(e.Data())), nil
}

// Subscribe registers a listener for new occurrences
func (e *Event) Subscribe(fn func(EventOccurrence)) (unsubscribe func()) {
	return e.listeners.Subscribe(fn)
}

// processEventLocked records an occurrence. Devices repeat each event report
// with the same 7-bit counter; a counter equal to or behind the last one is
// a repeat and is dropped.
func (e *Event) processEventLocked(pkt *jdpacket.Packet, n *notifier) {
	ctr := int(pkt.EventCounter())
	if e.lastCounter >= 0 {
		delta := (ctr - e.lastCounter) & jdpacket.CmdEventCounterMask
		if delta == 0 || delta >= 0x40 {
			return
		}
	}
	e.lastCounter = ctr
	e.count++
	e.data = append([]byte(nil), pkt.Data()...)
	e.lastTime = e.bus().sched.Now()

	occ := EventOccurrence{Event: e, Count: e.count, Data: e.data}
	n.add(func() { e.listeners.Emit(occ) })
}
