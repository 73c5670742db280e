// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import "fmt"

// Serial stream framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Stream decoder states
const (
	stateIdle = iota
	stateFrame
)

// StreamDecoder reassembles frames from a byte-stuffed serial stream
type StreamDecoder struct {
	state      int
	buffer     []byte
	escapeNext bool
	rawBuffer  []byte // Accumulate raw bytes including framing
}

// NewStreamDecoder creates a new stream decoder
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{
		state:     stateIdle,
		buffer:    make([]byte, 0, MaxFrameSize),
		rawBuffer: make([]byte, 0, MaxFrameSize*2),
	}
}

// Reset resets the decoder state to idle
func (d *StreamDecoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
	d.escapeNext = false
	d.rawBuffer = d.rawBuffer[:0]
}

// RawBytes returns the accumulated raw bytes since the last frame
func (d *StreamDecoder) RawBytes() []byte {
	return d.rawBuffer
}

// DecodeByte processes a single byte.
// Returns the complete frame bytes when an END byte closes a frame, nil while
// the frame is incomplete, and an error for framing violations.
func (d *StreamDecoder) DecodeByte(b byte) ([]byte, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	switch {
	case b == StartByte:
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateFrame
		return nil, nil

	case b == EndByte:
		if d.state != stateFrame {
			d.Reset()
			return nil, fmt.Errorf("unexpected END byte outside frame")
		}
		if d.escapeNext {
			d.Reset()
			return nil, fmt.Errorf("incomplete escape sequence before END byte")
		}
		frame := append([]byte(nil), d.buffer...)
		d.Reset()
		return frame, nil

	case d.state == stateIdle:
		return nil, nil

	case b == EscByte && !d.escapeNext:
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}
	if len(d.buffer) >= MaxFrameSize {
		d.Reset()
		return nil, fmt.Errorf("buffer overflow: frame exceeds %d bytes", MaxFrameSize)
	}
	d.buffer = append(d.buffer, b)
	return nil, nil
}

// EncodeStream wraps a frame for a serial stream: START, stuffed bytes, END
func EncodeStream(frame []byte) []byte {
	stuffed := stuffBytes(frame)
	out := make([]byte, 0, len(stuffed)+2)
	out = append(out, StartByte)
	out = append(out, stuffed...)
	return append(out, EndByte)
}

// stuffBytes applies byte stuffing to escape special bytes.
// Special bytes (START, END, ESC) are replaced with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
