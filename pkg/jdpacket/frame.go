// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is a decoded frame: the 12-byte header and its raw payload
type Frame struct {
	CRC       uint16
	Flags     uint8
	DeviceID  DeviceID
	Payload   []byte // size bytes following the header
	Timestamp time.Time
}

// align rounds n up to a multiple of 4
func align(n int) int {
	return (n + 3) &^ 3
}

// Encode builds a single-packet frame from a header and packet data.
// Returns ErrPayloadTooLarge when data exceeds MaxPayloadSize.
func Encode(h Header, data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), MaxPayloadSize)
	}

	size := PacketHeaderSize + len(data)
	frame := make([]byte, HeaderSize+size)
	frame[2] = uint8(size)
	frame[3] = h.Flags
	copy(frame[4:12], h.DeviceID[:])
	frame[12] = uint8(len(data))
	frame[13] = h.ServiceIndex
	binary.LittleEndian.PutUint16(frame[14:16], h.ServiceCommand)
	copy(frame[16:], data)

	binary.LittleEndian.PutUint16(frame[0:2], frameCRC(frame))
	return frame, nil
}

// Compress packs several packets sharing device and flags into one frame.
// Only the first packet's ack-requested flag is meaningful on the wire.
func Compress(packets []*Packet) ([]byte, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: no packets", ErrShortFrame)
	}
	first := packets[0].header

	size := 0
	for i, p := range packets {
		if p.header.DeviceID != first.DeviceID || p.header.Flags != first.Flags {
			return nil, fmt.Errorf("%w: packet %d", ErrMixedFrame, i)
		}
		if len(p.data) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: packet %d has %d bytes", ErrPayloadTooLarge, i, len(p.data))
		}
		if i > 0 {
			size = align(size)
		}
		size += PacketHeaderSize + len(p.data)
	}
	if size > MaxFrameDataSize {
		return nil, fmt.Errorf("%w: frame needs %d bytes (max %d)", ErrPayloadTooLarge, size, MaxFrameDataSize)
	}

	frame := make([]byte, HeaderSize+size)
	frame[2] = uint8(size)
	frame[3] = first.Flags
	copy(frame[4:12], first.DeviceID[:])

	ptr := HeaderSize
	for _, p := range packets {
		ptr = HeaderSize + align(ptr-HeaderSize)
		frame[ptr] = uint8(len(p.data))
		frame[ptr+1] = p.header.ServiceIndex
		binary.LittleEndian.PutUint16(frame[ptr+2:ptr+4], p.header.ServiceCommand)
		copy(frame[ptr+4:], p.data)
		ptr += PacketHeaderSize + len(p.data)
	}

	crc := frameCRC(frame)
	binary.LittleEndian.PutUint16(frame[0:2], crc)
	for _, p := range packets {
		p.crc = crc
	}
	return frame, nil
}

// DecodeFrame parses a frame header and payload.
//
// A buffer shorter than the header or its declared size yields ErrShortFrame
// and no frame. A CRC mismatch yields both the frame and a *ProtocolError so
// the caller can log it and still inspect the bytes.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	size := int(buf[2])
	if len(buf) < HeaderSize+size {
		return nil, fmt.Errorf("%w: declared %d payload bytes, have %d", ErrShortFrame, size, len(buf)-HeaderSize)
	}

	f := &Frame{
		CRC:       binary.LittleEndian.Uint16(buf[0:2]),
		Flags:     buf[3],
		Payload:   append([]byte(nil), buf[HeaderSize:HeaderSize+size]...),
		Timestamp: time.Now(),
	}
	copy(f.DeviceID[:], buf[4:12])

	if computed := frameCRC(buf); computed != f.CRC {
		return f, &ProtocolError{Reason: "CRC mismatch", Expected: computed, Actual: f.CRC}
	}
	return f, nil
}

// Bytes re-encodes the frame exactly as received, CRC included
func (f *Frame) Bytes() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], f.CRC)
	buf[2] = uint8(len(f.Payload))
	buf[3] = f.Flags
	copy(buf[4:12], f.DeviceID[:])
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Split walks the frame payload and returns its logical packets.
//
// Packets are laid out in 4-byte aligned strides. Only the first packet keeps
// the ack-requested flag so one physical frame is acked once. A packet whose
// declared length overruns the payload stops the walk; the packets split so far
// are returned together with a *ProtocolError.
func Split(f *Frame) ([]*Packet, error) {
	var packets []*Packet
	size := len(f.Payload)
	ptr := 0
	for ptr < size {
		if ptr+PacketHeaderSize > size {
			return packets, &ProtocolError{Reason: "truncated packet header", Offset: ptr}
		}
		psz := int(f.Payload[ptr]) + PacketHeaderSize
		if ptr+psz > size {
			return packets, &ProtocolError{Reason: fmt.Sprintf("packet size %d overruns frame", psz), Offset: ptr}
		}

		flags := f.Flags
		if len(packets) > 0 {
			flags &^= FlagAckRequested
		}
		p := &Packet{
			header: Header{
				Flags:          flags,
				DeviceID:       f.DeviceID,
				ServiceIndex:   f.Payload[ptr+1],
				ServiceCommand: binary.LittleEndian.Uint16(f.Payload[ptr+2 : ptr+4]),
			},
			data:      append([]byte(nil), f.Payload[ptr+PacketHeaderSize:ptr+psz]...),
			crc:       f.CRC,
			timestamp: f.Timestamp,
		}
		packets = append(packets, p)
		ptr += align(psz)
	}
	return packets, nil
}

// Decode parses a frame and returns its first packet.
// CRC mismatches are reported alongside the packet, as in DecodeFrame.
func Decode(buf []byte) (*Packet, error) {
	f, ferr := DecodeFrame(buf)
	if f == nil {
		return nil, ferr
	}
	packets, err := Split(f)
	if len(packets) == 0 {
		if err == nil {
			err = &ProtocolError{Reason: "empty frame"}
		}
		return nil, err
	}
	if ferr != nil {
		return packets[0], ferr
	}
	return packets[0], err
}
