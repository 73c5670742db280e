// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdtest

import (
	"context"
	"slices"
	"sync"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// CommandFunc handles a command addressed to a simulated service
type CommandFunc func(d *SimDevice, pkt *jdpacket.Packet)

type regKey struct {
	index uint8
	code  uint16
}

// SimDevice is a device living on a Hub. It announces its services, acks
// commands, answers register gets from a register table and hands other
// commands to per-service handlers.
type SimDevice struct {
	ID jdpacket.DeviceID

	ep *Endpoint

	mu           sync.Mutex
	classes      []uint32
	restart      uint32
	registers    map[regKey][]byte
	handlers     map[uint8]CommandFunc
	ignoreAcks   int
	received     []*jdpacket.Packet
	ackRequests  int
	acksSent     int
	announceFlag uint32
}

// NewSimDevice attaches a device to the hub. classes lists the services
// from index 1; index 0 is control.
func NewSimDevice(h *Hub, id jdpacket.DeviceID, classes ...uint32) *SimDevice {
	d := &SimDevice{
		ID:           id,
		ep:           h.Endpoint(),
		classes:      append([]uint32{jdpacket.ServiceClassControl}, classes...),
		registers:    make(map[regKey][]byte),
		handlers:     make(map[uint8]CommandFunc),
		announceFlag: jdpacket.AnnounceSupportsACK,
	}
	_ = d.ep.Open(context.Background(), d.receive)
	return d
}

// SetAckSupport sets whether announces advertise ack support
func (d *SimDevice) SetAckSupport(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.announceFlag = jdpacket.AnnounceSupportsACK
	} else {
		d.announceFlag = 0
	}
}

// SetClasses replaces the advertised services from index 1
func (d *SimDevice) SetClasses(classes ...uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classes = append([]uint32{jdpacket.ServiceClassControl}, classes...)
}

// Announce sends an announce report, bumping the restart counter
func (d *SimDevice) Announce() error {
	d.mu.Lock()
	if d.restart < jdpacket.AnnounceRestartCounterMask {
		d.restart++
	}
	pkt := jdpacket.NewAnnounce(d.restart|d.announceFlag, d.classes[1:]...)
	d.mu.Unlock()
	return d.Send(jdpacket.ServiceIndexControl, pkt)
}

// Reboot resets the restart counter so the next announce reads as a restart
func (d *SimDevice) Reboot() {
	d.mu.Lock()
	d.restart = 0
	d.mu.Unlock()
}

// SetRegister stores a register value served to gets
func (d *SimDevice) SetRegister(index uint8, code uint16, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[regKey{index, code}] = append([]byte(nil), data...)
}

// Register returns a stored register value
func (d *SimDevice) Register(index uint8, code uint16) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[regKey{index, code}]
}

// ReportRegister sends the stored register value as a report
func (d *SimDevice) ReportRegister(index uint8, code uint16) error {
	return d.Send(index, jdpacket.NewRegisterReport(code, d.Register(index, code)))
}

// SendEvent sends an event report
func (d *SimDevice) SendEvent(index uint8, code, counter uint8, data []byte) error {
	return d.Send(index, jdpacket.NewEvent(code, counter, data))
}

// Send emits a report from the device on a service index
func (d *SimDevice) Send(index uint8, pkt *jdpacket.Packet) error {
	p := pkt.Clone()
	p.SetDeviceID(d.ID)
	p.SetServiceIndex(index)
	p.SetCommand(false)
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	return d.ep.Send(frame)
}

// SendCommand emits a command from the device to another device
func (d *SimDevice) SendCommand(to jdpacket.DeviceID, index uint8, pkt *jdpacket.Packet) error {
	p := pkt.Clone()
	p.SetDeviceID(to)
	p.SetServiceIndex(index)
	p.SetCommand(true)
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	return d.ep.Send(frame)
}

// Handle installs a handler for commands on a service index
func (d *SimDevice) Handle(index uint8, fn CommandFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[index] = fn
}

// IgnoreAcks makes the device skip the next n ack requests; n < 0 never acks
func (d *SimDevice) IgnoreAcks(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignoreAcks = n
}

// Received returns the commands addressed to the device
func (d *SimDevice) Received() []*jdpacket.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*jdpacket.Packet(nil), d.received...)
}

// AckRequests returns how many ack-requested commands arrived
func (d *SimDevice) AckRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackRequests
}

// AcksSent returns how many acks the device sent
func (d *SimDevice) AcksSent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acksSent
}

// Detach stops the device from receiving
func (d *SimDevice) Detach() {
	_ = d.ep.Close()
}

func (d *SimDevice) receive(frame []byte) {
	f, err := jdpacket.DecodeFrame(frame)
	if err != nil {
		return
	}
	packets, _ := jdpacket.Split(f)
	for _, pkt := range packets {
		d.handlePacket(pkt)
	}
}

func (d *SimDevice) handlePacket(pkt *jdpacket.Packet) {
	if !pkt.IsCommand() {
		return
	}

	var replies []func()

	d.mu.Lock()
	var indices []uint8
	switch {
	case pkt.IsMulticommand():
		class, _ := pkt.MulticommandClass()
		for i, c := range d.classes {
			if c == class {
				indices = append(indices, uint8(i))
			}
		}
	case pkt.DeviceID() == d.ID:
		indices = []uint8{pkt.ServiceIndex()}
		if pkt.RequiresAck() {
			d.ackRequests++
			switch {
			case d.ignoreAcks > 0:
				d.ignoreAcks--
			case d.ignoreAcks < 0:
			default:
				d.acksSent++
				crc := pkt.CRC()
				replies = append(replies, func() { _ = d.Send(jdpacket.ServiceIndexCRCAck, jdpacket.NewPacket(crc, nil)) })
			}
		}
	default:
		d.mu.Unlock()
		return
	}
	d.received = append(d.received, pkt)

	cmd := pkt.ServiceCommand()
	code := cmd & jdpacket.CmdRegMask
	for _, idx := range indices {
		switch {
		case idx == jdpacket.ServiceIndexControl && cmd == jdpacket.ControlCmdServices:
			replies = append(replies, func() { _ = d.Announce() })
		case idx > jdpacket.ServiceIndexMaxNormal:
		case cmd&jdpacket.CmdTopMask == jdpacket.CmdGetReg:
			if v, ok := d.registers[regKey{idx, code}]; ok {
				v = slices.Clone(v)
				replies = append(replies, func() { _ = d.Send(idx, jdpacket.NewRegisterReport(code, v)) })
			}
		case cmd&jdpacket.CmdTopMask == jdpacket.CmdSetReg:
			d.registers[regKey{idx, code}] = slices.Clone(pkt.Data())
		}
		if h := d.handlers[idx]; h != nil {
			replies = append(replies, func() { h(d, pkt) })
		}
	}
	d.mu.Unlock()

	for _, r := range replies {
		r()
	}
}
