// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Ack retry timing
const (
	AckRetries    = 4
	ackFirstCheck = 40 * time.Millisecond
	ackJitterMin  = 20 * time.Millisecond
	ackJitterMax  = 50 * time.Millisecond
)

// PortHandler receives pipe packets addressed to a local port
type PortHandler func(pkt *jdpacket.Packet)

// FirmwareInfo is what a device reports about its firmware through its
// control service registers
type FirmwareInfo struct {
	FirmwareIdentifier           uint32
	BootloaderFirmwareIdentifier uint32
	Version                      string
	Description                  string
}

// DeviceStats counts traffic seen from a device
type DeviceStats struct {
	Received  uint64
	Announces uint64
	Restarts  uint64
}

type pendingAck struct {
	crc         uint16
	frame       []byte
	retriesLeft int
	done        chan error
}

// Device is a node on the bus, identified by its 8-byte id
type Device struct {
	bus *Bus
	id  jdpacket.DeviceID

	lastSeen     time.Time
	servicesData []byte
	services     []*Service
	lost         bool
	connected    bool
	firmware     FirmwareInfo
	stats        DeviceStats

	ports    map[uint16]PortHandler
	acks     []*pendingAck
	ackTimer Timer
}

func newDevice(b *Bus, id jdpacket.DeviceID, now time.Time) *Device {
	return &Device{
		bus:       b,
		id:        id,
		lastSeen:  now,
		connected: true,
		ports:     make(map[uint16]PortHandler),
	}
}

//////////////////////////////////////////////////////////////
// Accessors
//////////////////////////////////////////////////////////////

// ID returns the device identifier
func (d *Device) ID() jdpacket.DeviceID {
	return d.id
}

// String returns the device identifier in hex
func (d *Device) String() string {
	return d.id.String()
}

// Bus returns the bus owning the device
func (d *Device) Bus() *Bus {
	return d.bus
}

// LastSeen returns the time of the last report from the device
func (d *Device) LastSeen() time.Time {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.lastSeen
}

// Lost returns true when the device has been silent past the lost delay
func (d *Device) Lost() bool {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.lost
}

// Connected returns false once the device has been removed from the directory
func (d *Device) Connected() bool {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.connected
}

// Announced returns true once an announce report has been received
func (d *Device) Announced() bool {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.servicesData != nil
}

// ServicesData returns a copy of the raw announce payload
func (d *Device) ServicesData() []byte {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return append([]byte(nil), d.servicesData...)
}

// AnnounceFlags returns the flags word of the last announce
func (d *Device) AnnounceFlags() uint32 {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return decodeU32(d.servicesData, 0)
}

// RestartCounter returns the restart counter carried in the last announce
func (d *Device) RestartCounter() uint32 {
	return d.AnnounceFlags() & jdpacket.AnnounceRestartCounterMask
}

// SupportsAck returns true when the device acks commands
func (d *Device) SupportsAck() bool {
	return d.AnnounceFlags()&jdpacket.AnnounceSupportsACK != 0
}

// ServiceClasses returns the advertised service class of every slot; slot 0
// is always the control service.
func (d *Device) ServiceClasses() []uint32 {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.serviceClassesLocked()
}

func (d *Device) serviceClassesLocked() []uint32 {
	if d.servicesData == nil {
		return nil
	}
	n := len(d.servicesData) / 4
	classes := make([]uint32, n)
	for i := 1; i < n; i++ {
		classes[i] = decodeU32(d.servicesData, i*4)
	}
	return classes
}

// Services returns the device services in slot order
func (d *Device) Services() []*Service {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	d.initServicesLocked(false)
	return append([]*Service(nil), d.services...)
}

// Service returns the service at a slot, or nil
func (d *Device) Service(index uint8) *Service {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.serviceLocked(index)
}

func (d *Device) serviceLocked(index uint8) *Service {
	d.initServicesLocked(false)
	if int(index) >= len(d.services) {
		return nil
	}
	return d.services[index]
}

// ServicesOfClass returns the services with the given class
func (d *Device) ServicesOfClass(class uint32) []*Service {
	var out []*Service
	for _, s := range d.Services() {
		if s.class == class {
			out = append(out, s)
		}
	}
	return out
}

// Firmware returns the firmware details learned from control registers
func (d *Device) Firmware() FirmwareInfo {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.firmware
}

// Stats returns traffic counters for the device
func (d *Device) Stats() DeviceStats {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.stats
}

// initServicesLocked rebuilds the service list from the announce blob
func (d *Device) initServicesLocked(force bool) {
	if d.services != nil && !force {
		return
	}
	if d.servicesData == nil {
		d.services = []*Service{newService(d, 0, jdpacket.ServiceClassControl)}
		return
	}
	classes := d.serviceClassesLocked()
	d.services = make([]*Service, len(classes))
	for i, c := range classes {
		d.services[i] = newService(d, uint8(i), c)
	}
}

//////////////////////////////////////////////////////////////
// Pipe Ports
//////////////////////////////////////////////////////////////

// ClaimPort registers a handler for a local pipe port.
// Returns false when the port is already in use.
func (d *Device) ClaimPort(port uint16, h PortHandler) bool {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if _, used := d.ports[port]; used {
		return false
	}
	d.ports[port] = h
	return true
}

// ReleasePort frees a local pipe port
func (d *Device) ReleasePort(port uint16) {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	delete(d.ports, port)
}

// PortsInUse returns the number of claimed ports
func (d *Device) PortsInUse() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return len(d.ports)
}

//////////////////////////////////////////////////////////////
// Sending
//////////////////////////////////////////////////////////////

// SendCommand sends a command to a service index of the device without ack
func (d *Device) SendCommand(serviceIndex uint8, pkt *jdpacket.Packet) error {
	p := d.address(serviceIndex, pkt)
	return d.bus.SendPacket(p)
}

func (d *Device) address(serviceIndex uint8, pkt *jdpacket.Packet) *jdpacket.Packet {
	p := pkt.Clone()
	p.SetDeviceID(d.id)
	p.SetServiceIndex(serviceIndex)
	p.SetCommand(true)
	return p
}

// SendWithAckAsync sends a command with the ack-requested flag and returns a
// channel that yields nil once the device acks it, or ErrNoAck after
// AckRetries resends without an ack. The pending record is registered before
// the first transmission.
func (d *Device) SendWithAckAsync(serviceIndex uint8, pkt *jdpacket.Packet) <-chan error {
	done := make(chan error, 1)
	p := d.address(serviceIndex, pkt)
	p.SetRequiresAck(true)
	frame, err := p.Encode()
	if err != nil {
		done <- err
		return done
	}

	d.bus.mu.Lock()
	if !d.connected {
		d.bus.mu.Unlock()
		done <- ErrDeviceRemoved
		return done
	}
	d.acks = append(d.acks, &pendingAck{
		crc:         p.CRC(),
		frame:       frame,
		retriesLeft: AckRetries,
		done:        done,
	})
	if d.ackTimer == nil {
		d.ackTimer = d.bus.sched.AfterFunc(ackFirstCheck, d.ackTick)
	}
	d.bus.mu.Unlock()

	if err := d.bus.SendFrame(frame); err != nil {
		d.bus.logger.Debug("acked send not transmitted", "device", d.id.String(), "error", err)
	}
	return done
}

// SendWithAck sends a command and waits for the device to ack it
func (d *Device) SendWithAck(ctx context.Context, serviceIndex uint8, pkt *jdpacket.Packet) error {
	select {
	case err := <-d.SendWithAckAsync(serviceIndex, pkt):
		if err != nil {
			return fmt.Errorf("device %s command 0x%04X: %w", d.id, pkt.ServiceCommand(), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingAcks returns the number of sends waiting for an ack
func (d *Device) PendingAcks() int {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return len(d.acks)
}

func (d *Device) ackTick() {
	d.bus.mu.Lock()
	d.ackTimer = nil
	var resend [][]byte
	var failed []*pendingAck
	keep := d.acks[:0]
	for _, a := range d.acks {
		a.retriesLeft--
		if a.retriesLeft < 0 {
			failed = append(failed, a)
			continue
		}
		resend = append(resend, a.frame)
		keep = append(keep, a)
	}
	d.acks = keep
	if len(d.acks) > 0 && d.connected {
		d.ackTimer = d.bus.sched.AfterFunc(d.bus.jitterLocked(ackJitterMin, ackJitterMax), d.ackTick)
	}
	d.bus.mu.Unlock()

	for _, a := range failed {
		d.bus.logger.Debug("no ack", "device", d.id.String(), "crc", fmt.Sprintf("0x%04X", a.crc))
		a.done <- ErrNoAck
	}
	for _, f := range resend {
		_ = d.bus.SendFrame(f)
	}
}

func (d *Device) processAckLocked(crc uint16, n *notifier) {
	for i, a := range d.acks {
		if a.crc == crc {
			d.acks = append(d.acks[:i], d.acks[i+1:]...)
			n.add(func() { a.done <- nil })
			break
		}
	}
	if len(d.acks) == 0 {
		d.stopAckTimerLocked()
	}
}

func (d *Device) stopAckTimerLocked() {
	if d.ackTimer != nil {
		d.ackTimer.Stop()
		d.ackTimer = nil
	}
}

// disconnectLocked is called when the GC removes the device
func (d *Device) disconnectLocked() {
	d.connected = false
	d.stopAckTimerLocked()
	for _, a := range d.acks {
		a.done <- ErrDeviceRemoved
	}
	d.acks = nil
}

//////////////////////////////////////////////////////////////
// Receiving
//////////////////////////////////////////////////////////////

func (d *Device) processAnnouncementLocked(pkt *jdpacket.Packet, n *notifier) {
	d.stats.Announces++
	data := pkt.Data()
	w0 := decodeU32(d.servicesData, 0)
	w1 := decodeU32(data, 0)

	var oldServices []byte
	if len(d.servicesData) > jdpacket.AnnounceServicesOffset {
		oldServices = d.servicesData[jdpacket.AnnounceServicesOffset:]
	}
	var newServices []byte
	if len(data) > jdpacket.AnnounceServicesOffset {
		newServices = data[jdpacket.AnnounceServicesOffset:]
	}
	servicesChanged := d.servicesData == nil || !bytes.Equal(oldServices, newServices)
	d.servicesData = append([]byte(nil), data...)

	restarted := false
	if w1 != 0 && w1&jdpacket.AnnounceRestartCounterMask < w0&jdpacket.AnnounceRestartCounterMask {
		restarted = true
		d.stats.Restarts++
		d.initServicesLocked(true)
		d.bus.logger.Debug("device restarted", "device", d.id.String())
		n.add(func() { d.bus.events.Emit(BusEvent{Kind: EventDeviceRestart, Device: d, Packet: pkt}) })
	}
	if servicesChanged {
		if !restarted {
			d.initServicesLocked(true)
		}
		n.add(func() { d.bus.events.Emit(BusEvent{Kind: EventDeviceAnnounce, Device: d, Packet: pkt}) })
	}
}

// processCommandLocked observes a command another client sent to this device
func (d *Device) processCommandLocked(pkt *jdpacket.Packet) {
	if !pkt.IsRegisterSet() {
		return
	}
	if s := d.serviceLocked(pkt.ServiceIndex()); s != nil {
		if r := s.registers[pkt.RegisterCode()]; r != nil {
			r.overwritten = true
		}
	}
}

func (d *Device) processReportLocked(pkt *jdpacket.Packet, n *notifier) {
	s := d.serviceLocked(pkt.ServiceIndex())
	if s == nil {
		return
	}
	switch {
	case pkt.IsEvent():
		s.eventLocked(pkt.EventCode()).processEventLocked(pkt, n)
	case pkt.IsRegisterGet():
		r := s.registerLocked(pkt.RegisterCode())
		r.processReportLocked(pkt, n)
		if s.index == jdpacket.ServiceIndexControl {
			d.updateFirmwareLocked(r.code, pkt.Data())
		}
	default:
		n.add(func() { s.reports.Emit(pkt) })
	}
}

func (d *Device) updateFirmwareLocked(code uint16, data []byte) {
	switch code {
	case jdpacket.ControlRegFirmwareIdentifier:
		d.firmware.FirmwareIdentifier = decodeU32(data, 0)
	case jdpacket.ControlRegBootloaderFirmwareID:
		d.firmware.BootloaderFirmwareIdentifier = decodeU32(data, 0)
	case jdpacket.ControlRegFirmwareVersion:
		d.firmware.Version = string(bytes.TrimRight(data, "\x00"))
	case jdpacket.ControlRegDeviceDescription:
		d.firmware.Description = string(bytes.TrimRight(data, "\x00"))
	}
}
