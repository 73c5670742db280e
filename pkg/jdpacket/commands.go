// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import "encoding/binary"

//////////////////////////////////////////////////////////////
// Register Commands
//////////////////////////////////////////////////////////////

// NewRegisterGet creates a command that asks a service to report a register
func NewRegisterGet(code uint16) *Packet {
	p := NewPacket(CmdGetReg|(code&CmdRegMask), nil)
	p.SetCommand(true)
	return p
}

// NewRegisterSet creates a command that writes a register
func NewRegisterSet(code uint16, data []byte) *Packet {
	p := NewPacket(CmdSetReg|(code&CmdRegMask), data)
	p.SetCommand(true)
	return p
}

// NewRegisterReport creates a register value report
func NewRegisterReport(code uint16, data []byte) *Packet {
	return NewPacket(CmdGetReg|(code&CmdRegMask), data)
}

//////////////////////////////////////////////////////////////
// Events
//////////////////////////////////////////////////////////////

// NewEvent creates an event report with a 7-bit occurrence counter
func NewEvent(code uint8, counter uint8, data []byte) *Packet {
	cmd := uint16(CmdEventMask) |
		uint16(counter&CmdEventCounterMask)<<CmdEventCounterPos |
		uint16(code)
	return NewPacket(cmd, data)
}

//////////////////////////////////////////////////////////////
// Control Service
//////////////////////////////////////////////////////////////

// NewAnnounce creates a control service announce report.
// flags carries the restart counter and capability bits; classes lists the
// service classes from index 1 onwards (index 0 is always control).
func NewAnnounce(flags uint32, classes ...uint32) *Packet {
	data := make([]byte, 4+4*len(classes))
	binary.LittleEndian.PutUint32(data[0:4], flags)
	for i, c := range classes {
		binary.LittleEndian.PutUint32(data[4+4*i:], c)
	}
	p := NewPacket(CmdAdvertisementData, data)
	p.SetServiceIndex(ServiceIndexControl)
	return p
}

// NewAnnounceRequest creates the command that asks devices to announce
func NewAnnounceRequest() *Packet {
	p := NewPacket(ControlCmdServices, nil)
	p.SetCommand(true)
	return p
}

// NewControlCommand creates a control service command (identify, reset, ...)
func NewControlCommand(cmd uint16) *Packet {
	p := NewPacket(cmd, nil)
	p.SetCommand(true)
	p.SetServiceIndex(ServiceIndexControl)
	return p
}

// NewAck creates the ack report for a frame with the given CRC
func NewAck(id DeviceID, crc uint16) *Packet {
	p := NewPacket(crc, nil)
	p.SetDeviceID(id)
	p.SetServiceIndex(ServiceIndexCRCAck)
	return p
}

//////////////////////////////////////////////////////////////
// Pipes
//////////////////////////////////////////////////////////////

// PipeCommand builds the pipe command word for a port, counter and flags
func PipeCommand(port uint16, counter uint8, flags uint16) uint16 {
	return port<<PipePortShift | flags&(PipeCloseMask|PipeMetadataMask) | uint16(counter&PipeCounterMask)
}

// NewPipePacket creates a pipe data, metadata or close command
func NewPipePacket(port uint16, counter uint8, flags uint16, data []byte) *Packet {
	p := NewPacket(PipeCommand(port, counter, flags), data)
	p.SetServiceIndex(ServiceIndexPipe)
	p.SetCommand(true)
	return p
}
