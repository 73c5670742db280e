// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"bytes"
	"testing"
)

// ============================================================
// Stream Framing Tests
// ============================================================

func decodeStream(t *testing.T, d *StreamDecoder, stream []byte) [][]byte {
	t.Helper()
	var frames [][]byte
	for _, b := range stream {
		frame, err := d.DecodeByte(b)
		if err != nil {
			t.Fatalf("DecodeByte(0x%02X) failed: %v", b, err)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func TestStream_RoundTripWithSpecialBytes(t *testing.T) {
	data := []byte{StartByte, EndByte, EscByte, 0x00, 0xFF}
	frame, err := Encode(Header{DeviceID: DeviceID{StartByte, EndByte, EscByte}, ServiceCommand: 0x7E7F}, data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	stream := EncodeStream(frame)
	for _, b := range stream[1 : len(stream)-1] {
		if b == StartByte || b == EndByte {
			t.Fatalf("unescaped framing byte 0x%02X in stream", b)
		}
	}

	frames := decodeStream(t, NewStreamDecoder(), stream)
	if len(frames) != 1 || !bytes.Equal(frames[0], frame) {
		t.Fatalf("frames = %x, want %x", frames, frame)
	}
}

func TestStream_SkipsNoiseBetweenFrames(t *testing.T) {
	a, _ := Encode(Header{ServiceCommand: 1}, []byte{1})
	b, _ := Encode(Header{ServiceCommand: 2}, []byte{2})

	var stream []byte
	stream = append(stream, 0x11, 0x22)
	stream = append(stream, EncodeStream(a)...)
	stream = append(stream, 0x33)
	stream = append(stream, EncodeStream(b)...)

	frames := decodeStream(t, NewStreamDecoder(), stream)
	if len(frames) != 2 || !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Errorf("frames = %x", frames)
	}
}

func TestStream_Errors(t *testing.T) {
	d := NewStreamDecoder()
	if _, err := d.DecodeByte(EndByte); err == nil {
		t.Error("END outside frame should fail")
	}

	d.Reset()
	d.DecodeByte(StartByte)
	for i := 0; i < MaxFrameSize; i++ {
		if _, err := d.DecodeByte(0x01); err != nil {
			t.Fatalf("byte %d failed early: %v", i, err)
		}
	}
	if _, err := d.DecodeByte(0x01); err == nil {
		t.Error("overflow should fail")
	}
}

func TestUnstuffBytes(t *testing.T) {
	raw := []byte{0x01, StartByte, EscByte, EndByte}
	got, err := UnstuffBytes(stuffBytes(raw))
	if err != nil {
		t.Fatalf("UnstuffBytes failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("UnstuffBytes = %x, want %x", got, raw)
	}
	if _, err := UnstuffBytes([]byte{0x01, EscByte}); err == nil {
		t.Error("dangling escape should fail")
	}
}
