// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

func testDeviceID() DeviceID {
	return DeviceID{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}
}

func sequentialBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC([]byte{}); crc != 0xFFFF {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // CRC-16/CCITT-FALSE check value
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if crc := CalculateCRC(tt.data); crc != tt.expected {
				t.Errorf("CalculateCRC(%q) = 0x%04X, want 0x%04X", tt.data, crc, tt.expected)
			}
		})
	}
}

// ============================================================
// Encode / Decode Tests
// ============================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		data   []byte
	}{
		{"empty report", Header{DeviceID: testDeviceID(), ServiceIndex: 2, ServiceCommand: 0x1101}, nil},
		{"command with ack", Header{Flags: FlagCommand | FlagAckRequested, DeviceID: testDeviceID(), ServiceIndex: 1, ServiceCommand: 0x2002}, []byte{1, 2, 3}},
		{"max payload", Header{DeviceID: testDeviceID(), ServiceIndex: 5, ServiceCommand: 0x80}, sequentialBytes(MaxPayloadSize)},
		{"pipe", Header{Flags: FlagCommand, DeviceID: testDeviceID(), ServiceIndex: ServiceIndexPipe, ServiceCommand: PipeCommand(300, 7, PipeMetadataMask)}, []byte("meta")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.header, tt.data)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if int(frame[2]) != PacketHeaderSize+len(tt.data) {
				t.Errorf("size field = %d, want %d", frame[2], PacketHeaderSize+len(tt.data))
			}

			p, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if p.Header() != tt.header {
				t.Errorf("header = %+v, want %+v", p.Header(), tt.header)
			}
			if !bytes.Equal(p.Data(), tt.data) {
				t.Errorf("data = %x, want %x", p.Data(), tt.data)
			}
		})
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	for _, n := range []int{MaxPayloadSize + 1, 240, 255, 1024} {
		_, err := Encode(Header{}, make([]byte, n))
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("Encode(%d bytes) error = %v, want ErrPayloadTooLarge", n, err)
		}
	}
}

func TestDecodeFrame_Short(t *testing.T) {
	for _, n := range []int{0, 1, HeaderSize - 1} {
		f, err := DecodeFrame(make([]byte, n))
		if f != nil || !errors.Is(err, ErrShortFrame) {
			t.Errorf("DecodeFrame(%d bytes) = %v, %v, want ErrShortFrame", n, f, err)
		}
	}

	// declared size larger than buffer
	frame, _ := Encode(Header{}, []byte{1, 2, 3, 4})
	if _, err := DecodeFrame(frame[:len(frame)-1]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated frame error = %v, want ErrShortFrame", err)
	}
}

func TestDecodeFrame_CRCMismatchStillReturnsFrame(t *testing.T) {
	frame, _ := Encode(Header{DeviceID: testDeviceID(), ServiceIndex: 1, ServiceCommand: 0x1101}, []byte{9, 9})
	frame[HeaderSize+4] ^= 0xFF

	f, err := DecodeFrame(frame)
	if f == nil {
		t.Fatal("frame should be returned for diagnostics")
	}
	if !IsCRCMismatch(err) {
		t.Fatalf("error = %v, want CRC mismatch", err)
	}
	if f.DeviceID != testDeviceID() {
		t.Errorf("device id = %s, want %s", f.DeviceID, testDeviceID())
	}
}

func TestDecodeFrame_DetectsSingleBitCorruption(t *testing.T) {
	frame, err := Encode(Header{Flags: FlagCommand, DeviceID: testDeviceID(), ServiceIndex: 3, ServiceCommand: 0x2080}, sequentialBytes(17))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i := range frame {
		if i == 2 {
			continue // size byte changes the covered length, checked separately
		}
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), frame...)
			corrupt[i] ^= 1 << bit
			if _, err := DecodeFrame(corrupt); err == nil {
				t.Errorf("corruption at byte %d bit %d not detected", i, bit)
			}
		}
	}
}

func TestFrame_BytesRoundTrip(t *testing.T) {
	frame, _ := Encode(Header{DeviceID: testDeviceID(), ServiceIndex: 4, ServiceCommand: 0x1001}, []byte{1, 2, 3, 4, 5})
	f, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if !bytes.Equal(f.Bytes(), frame) {
		t.Errorf("Bytes() = %x, want %x", f.Bytes(), frame)
	}
}

// ============================================================
// Split / Compress Tests
// ============================================================

func TestCompressSplit_MultiplePackets(t *testing.T) {
	id := testDeviceID()
	var packets []*Packet
	for i, n := range []int{0, 3, 8, 1} {
		p := NewPacket(uint16(0x1100+i), sequentialBytes(n))
		p.SetDeviceID(id)
		p.SetServiceIndex(uint8(i + 1))
		p.SetCommand(true)
		p.SetRequiresAck(true)
		packets = append(packets, p)
	}

	frame, err := Compress(packets)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	f, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	got, err := Split(f)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(got) != len(packets) {
		t.Fatalf("got %d packets, want %d", len(got), len(packets))
	}

	for i, p := range got {
		if p.ServiceIndex() != uint8(i+1) || p.ServiceCommand() != uint16(0x1100+i) {
			t.Errorf("packet %d: index %d cmd 0x%04X", i, p.ServiceIndex(), p.ServiceCommand())
		}
		if !bytes.Equal(p.Data(), packets[i].Data()) {
			t.Errorf("packet %d data = %x, want %x", i, p.Data(), packets[i].Data())
		}
		if wantAck := i == 0; p.RequiresAck() != wantAck {
			t.Errorf("packet %d RequiresAck = %v, want %v", i, p.RequiresAck(), wantAck)
		}
		if p.CRC() != f.CRC {
			t.Errorf("packet %d CRC = 0x%04X, want frame CRC 0x%04X", i, p.CRC(), f.CRC)
		}
	}
}

func TestCompress_RejectsMixedDevices(t *testing.T) {
	a := NewPacket(1, nil)
	a.SetDeviceID(testDeviceID())
	b := NewPacket(2, nil)
	if _, err := Compress([]*Packet{a, b}); !errors.Is(err, ErrMixedFrame) {
		t.Errorf("error = %v, want ErrMixedFrame", err)
	}
}

func TestSplit_MalformedLengthReturnsPartial(t *testing.T) {
	a := NewPacket(0x1101, []byte{1, 2, 3, 4})
	b := NewPacket(0x1102, []byte{5, 6, 7, 8})
	frame, err := Compress([]*Packet{a, b})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	f, _ := DecodeFrame(frame)

	// second packet claims more data than the frame holds
	f.Payload[8] = 200

	got, err := Split(f)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if pe.Offset != 8 {
		t.Errorf("offset = %d, want 8", pe.Offset)
	}
	if len(got) != 1 || got[0].ServiceCommand() != 0x1101 {
		t.Errorf("partial packets = %v, want first packet only", got)
	}
}

// ============================================================
// Packet Accessor Tests
// ============================================================

func TestPacket_CommandClassification(t *testing.T) {
	get := NewRegisterGet(0x101)
	if !get.IsRegisterGet() || get.RegisterCode() != 0x101 || !get.IsCommand() {
		t.Errorf("register get misclassified: cmd 0x%04X", get.ServiceCommand())
	}

	set := NewRegisterSet(0x02, []byte{1})
	if !set.IsRegisterSet() || set.RegisterCode() != 0x02 {
		t.Errorf("register set misclassified: cmd 0x%04X", set.ServiceCommand())
	}

	ev := NewEvent(0x81, 5, nil)
	if !ev.IsEvent() || ev.EventCode() != 0x81 || ev.EventCounter() != 5 {
		t.Errorf("event misclassified: cmd 0x%04X", ev.ServiceCommand())
	}

	pipe := NewPipePacket(511, 33, PipeCloseMask, nil)
	if !pipe.IsPipe() || pipe.PipePort() != 511 || pipe.PipeCount() != 1 || pipe.PipeType() != PipeCloseMask {
		t.Errorf("pipe misclassified: cmd 0x%04X", pipe.ServiceCommand())
	}

	ann := NewAnnounce(0x101, ServiceClassButton)
	if !ann.IsAnnounce() {
		t.Error("announce not recognised")
	}
}

func TestPacket_Multicommand(t *testing.T) {
	p := NewRegisterGet(ControlRegFirmwareVersion)
	p.SetMulticommand(ServiceClassBootloader)

	class, ok := p.MulticommandClass()
	if !ok || class != ServiceClassBootloader {
		t.Errorf("MulticommandClass = 0x%08X, %v", class, ok)
	}
	if !p.IsCommand() || p.ServiceIndex() != ServiceIndexBroadcast {
		t.Errorf("multicommand header = %+v", p.Header())
	}
}

func TestDeviceID_ParseAndString(t *testing.T) {
	id := testDeviceID()
	parsed, err := ParseDeviceID(id.String())
	if err != nil {
		t.Fatalf("ParseDeviceID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("parsed = %s, want %s", parsed, id)
	}
	if id.String() != "0123456789abcdef" {
		t.Errorf("String() = %s", id.String())
	}
	if _, err := ParseDeviceID("0123"); err == nil {
		t.Error("short id should fail")
	}
	if len(id.ShortID()) != 4 {
		t.Errorf("ShortID() = %q", id.ShortID())
	}
}
