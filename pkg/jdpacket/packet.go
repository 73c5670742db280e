// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DeviceID is the 8-byte identifier carried in every frame header
type DeviceID [DeviceIDSize]byte

// String returns the identifier as 16 lowercase hex digits in wire order
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortID returns a compact 4-character name derived from the identifier,
// convenient for logs and terminal listings.
func (id DeviceID) ShortID() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	h := fnv1a(id[:])
	var b strings.Builder
	for i := 0; i < 4; i++ {
		b.WriteByte(alphabet[h%uint32(len(alphabet))])
		h /= uint32(len(alphabet))
	}
	return b.String()
}

// Bytes returns a copy of the identifier bytes
func (id DeviceID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// IsZero returns true for the all-zero identifier
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

// ParseDeviceID parses 16 hex digits into a DeviceID
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	if len(b) != DeviceIDSize {
		return id, fmt.Errorf("invalid device id %q: need %d bytes, got %d", s, DeviceIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RandomDeviceID returns a fresh random identifier
func RandomDeviceID() DeviceID {
	var id DeviceID
	_, _ = rand.Read(id[:])
	return id
}

// Header holds the addressing fields of a single packet
type Header struct {
	Flags          uint8
	DeviceID       DeviceID
	ServiceIndex   uint8
	ServiceCommand uint16
}

// Packet represents a single logical packet decoded from, or destined for, a frame
type Packet struct {
	header    Header
	data      []byte
	crc       uint16
	timestamp time.Time
}

// NewPacket creates an unaddressed packet carrying a service command and data
func NewPacket(serviceCommand uint16, data []byte) *Packet {
	return &Packet{
		header:    Header{ServiceCommand: serviceCommand},
		data:      append([]byte(nil), data...),
		timestamp: time.Now(),
	}
}

// NewPacketWithHeader creates a packet from a full header and data
func NewPacketWithHeader(h Header, data []byte) *Packet {
	return &Packet{
		header:    h,
		data:      append([]byte(nil), data...),
		timestamp: time.Now(),
	}
}

// Clone returns a deep copy of the packet
func (p *Packet) Clone() *Packet {
	c := *p
	c.data = append([]byte(nil), p.data...)
	return &c
}

// Header returns the packet's addressing fields
func (p *Packet) Header() Header {
	return p.header
}

// Flags returns the frame flags of the packet
func (p *Packet) Flags() uint8 {
	return p.header.Flags
}

// DeviceID returns the device identifier (or service class for multicast packets)
func (p *Packet) DeviceID() DeviceID {
	return p.header.DeviceID
}

// ServiceIndex returns the service index without the upper marker bits
func (p *Packet) ServiceIndex() uint8 {
	return p.header.ServiceIndex & ServiceIndexMask
}

// ServiceCommand returns the 16-bit service command
func (p *Packet) ServiceCommand() uint16 {
	return p.header.ServiceCommand
}

// Data returns the packet data
func (p *Packet) Data() []byte {
	return p.data
}

// Size returns the length of the packet data
func (p *Packet) Size() int {
	return len(p.data)
}

// CRC returns the CRC of the frame this packet was decoded from or last encoded into
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns the packet's decode or creation time
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// SetTimestamp overrides the packet's timestamp
func (p *Packet) SetTimestamp(t time.Time) {
	p.timestamp = t
}

// SetDeviceID sets the target (command) or source (report) device
func (p *Packet) SetDeviceID(id DeviceID) {
	p.header.DeviceID = id
}

// SetServiceIndex sets the service index
func (p *Packet) SetServiceIndex(idx uint8) {
	p.header.ServiceIndex = idx & ServiceIndexMask
}

// SetCommand marks the packet as a command (true) or a report (false)
func (p *Packet) SetCommand(isCommand bool) {
	if isCommand {
		p.header.Flags |= FlagCommand
	} else {
		p.header.Flags &^= FlagCommand
	}
}

// SetRequiresAck sets or clears the ack-requested flag
func (p *Packet) SetRequiresAck(ack bool) {
	if ack {
		p.header.Flags |= FlagAckRequested
	} else {
		p.header.Flags &^= FlagAckRequested
	}
}

// SetMulticommand addresses the packet to every service of a class
func (p *Packet) SetMulticommand(serviceClass uint32) {
	p.header.Flags |= FlagIdentifierIsServiceClass | FlagCommand
	binary.LittleEndian.PutUint32(p.header.DeviceID[0:4], serviceClass)
	binary.LittleEndian.PutUint32(p.header.DeviceID[4:8], BroadcastHighMark)
	p.header.ServiceIndex = ServiceIndexBroadcast
}

// IsCommand returns true for packets flowing toward a device
func (p *Packet) IsCommand() bool {
	return p.header.Flags&FlagCommand != 0
}

// IsReport returns true for packets emitted by a device
func (p *Packet) IsReport() bool {
	return !p.IsCommand()
}

// RequiresAck returns true when the sender requested an ack
func (p *Packet) RequiresAck() bool {
	return p.header.Flags&FlagAckRequested != 0
}

// IsMulticommand returns true when the identifier holds a service class
func (p *Packet) IsMulticommand() bool {
	return p.header.Flags&FlagIdentifierIsServiceClass != 0
}

// MulticommandClass returns the service class targeted by a multicast packet
func (p *Packet) MulticommandClass() (uint32, bool) {
	if !p.IsMulticommand() {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p.header.DeviceID[0:4]), true
}

// IsAnnounce returns true for control service announce reports
func (p *Packet) IsAnnounce() bool {
	return p.IsReport() && p.ServiceIndex() == ServiceIndexControl &&
		p.header.ServiceCommand == CmdAdvertisementData
}

// IsCRCAck returns true for ack reports
func (p *Packet) IsCRCAck() bool {
	return p.IsReport() && p.ServiceIndex() == ServiceIndexCRCAck
}

// IsPipe returns true for packets on the pipe service index
func (p *Packet) IsPipe() bool {
	return p.ServiceIndex() == ServiceIndexPipe
}

// PipePort returns the port encoded in a pipe command word
func (p *Packet) PipePort() uint16 {
	return p.header.ServiceCommand >> PipePortShift
}

// PipeCount returns the 5-bit sequence counter of a pipe packet
func (p *Packet) PipeCount() uint8 {
	return uint8(p.header.ServiceCommand & PipeCounterMask)
}

// PipeType returns the close and metadata flag bits of a pipe packet
func (p *Packet) PipeType() uint16 {
	return p.header.ServiceCommand & (PipeCloseMask | PipeMetadataMask)
}

// IsRegisterGet returns true for register get commands and register value reports
func (p *Packet) IsRegisterGet() bool {
	return p.ServiceIndex() <= ServiceIndexMaxNormal &&
		p.header.ServiceCommand&CmdTopMask == CmdGetReg
}

// IsRegisterSet returns true for register set commands
func (p *Packet) IsRegisterSet() bool {
	return p.ServiceIndex() <= ServiceIndexMaxNormal &&
		p.header.ServiceCommand&CmdTopMask == CmdSetReg
}

// RegisterCode returns the register addressed by a get or set command
func (p *Packet) RegisterCode() uint16 {
	return p.header.ServiceCommand & CmdRegMask
}

// IsEvent returns true for event reports
func (p *Packet) IsEvent() bool {
	return p.IsReport() && p.ServiceIndex() <= ServiceIndexMaxNormal &&
		p.header.ServiceCommand&CmdEventMask != 0
}

// EventCode returns the event code of an event report
func (p *Packet) EventCode() uint8 {
	return uint8(p.header.ServiceCommand & CmdEventCodeMask)
}

// EventCounter returns the 7-bit occurrence counter of an event report
func (p *Packet) EventCounter() uint8 {
	return uint8((p.header.ServiceCommand >> CmdEventCounterPos) & CmdEventCounterMask)
}

// Encode stamps the packet into a single-packet frame and records its CRC
func (p *Packet) Encode() ([]byte, error) {
	frame, err := Encode(p.header, p.data)
	if err != nil {
		return nil, err
	}
	p.crc = binary.LittleEndian.Uint16(frame[0:2])
	return frame, nil
}

// fnv1a is the 32-bit FNV-1a hash
func fnv1a(data []byte) uint32 {
	h := uint32(0x811c9dc5)
	for _, b := range data {
		h ^= uint32(b)
		h *= 0x01000193
	}
	return h
}
