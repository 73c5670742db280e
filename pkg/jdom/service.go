// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import (
	"context"
	"fmt"
	"slices"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Service is one advertised service slot of a device
type Service struct {
	device *Device
	index  uint8
	class  uint32
	spec   *ServiceSpec

	registers map[uint16]*Register
	events    map[uint8]*Event
	reports   Emitter[*jdpacket.Packet]
}

func newService(d *Device, index uint8, class uint32) *Service {
	return &Service{
		device:    d,
		index:     index,
		class:     class,
		spec:      LookupService(class),
		registers: make(map[uint16]*Register),
		events:    make(map[uint8]*Event),
	}
}

// Device returns the device exposing the service
func (s *Service) Device() *Device {
	return s.device
}

// Index returns the service slot
func (s *Service) Index() uint8 {
	return s.index
}

// Class returns the service class
func (s *Service) Class() uint32 {
	return s.class
}

// Spec returns the static description of the service class, or nil when unknown
func (s *Service) Spec() *ServiceSpec {
	return s.spec
}

// Name returns the service class name
func (s *Service) Name() string {
	if s.spec != nil {
		return s.spec.Name
	}
	return jdpacket.ServiceClassName(s.class)
}

func (s *Service) String() string {
	return fmt.Sprintf("%s[%d]:%s", s.device.id.ShortID(), s.index, s.Name())
}

// Register returns the register with the given code, creating it on first use
func (s *Service) Register(code uint16) *Register {
	s.device.bus.mu.Lock()
	defer s.device.bus.mu.Unlock()
	return s.registerLocked(code)
}

func (s *Service) registerLocked(code uint16) *Register {
	r := s.registers[code]
	if r == nil {
		r = newRegister(s, code)
		s.registers[code] = r
	}
	return r
}

// RegisterByName returns a register described by the service class tables
func (s *Service) RegisterByName(name string) (*Register, bool) {
	rs := s.spec.RegisterByName(name)
	if rs == nil {
		return nil, false
	}
	return s.Register(rs.Code), true
}

// Registers returns the registers accessed or reported so far, ordered by code
func (s *Service) Registers() []*Register {
	s.device.bus.mu.Lock()
	defer s.device.bus.mu.Unlock()
	out := make([]*Register, 0, len(s.registers))
	for _, r := range s.registers {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Register) int { return int(a.code) - int(b.code) })
	return out
}

// Event returns the event with the given code, creating it on first use
func (s *Service) Event(code uint8) *Event {
	s.device.bus.mu.Lock()
	defer s.device.bus.mu.Unlock()
	return s.eventLocked(code)
}

func (s *Service) eventLocked(code uint8) *Event {
	e := s.events[code]
	if e == nil {
		e = newEvent(s, code)
		s.events[code] = e
	}
	return e
}

// SubscribeReports registers a listener for reports of the service that are
// neither register values nor events, such as bootloader status reports.
func (s *Service) SubscribeReports(fn func(*jdpacket.Packet)) (unsubscribe func()) {
	return s.reports.Subscribe(fn)
}

// SendCommand sends a command to the service without waiting for an ack
func (s *Service) SendCommand(pkt *jdpacket.Packet) error {
	return s.device.SendCommand(s.index, pkt)
}

// SendCommandWithAck sends a command to the service and waits for the ack
func (s *Service) SendCommandWithAck(ctx context.Context, pkt *jdpacket.Packet) error {
	return s.device.SendWithAck(ctx, s.index, pkt)
}
