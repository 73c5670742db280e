// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned when packet data exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("jdpacket: payload too large")

	// ErrShortFrame is returned when a buffer cannot hold a frame header
	ErrShortFrame = errors.New("jdpacket: frame shorter than header")

	// ErrMixedFrame is returned when compressing packets that do not share a header
	ErrMixedFrame = errors.New("jdpacket: packets do not share device and flags")
)

// ProtocolError describes a malformed frame. Frames carrying a ProtocolError
// are still returned to the caller for diagnostics.
type ProtocolError struct {
	Reason   string
	Expected uint16 // CRC computed over the received bytes
	Actual   uint16 // CRC found in the frame header
	Offset   int    // payload offset where splitting stopped
}

func (e *ProtocolError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("jdpacket: %s: expected 0x%04X, got 0x%04X", e.Reason, e.Expected, e.Actual)
	}
	if e.Offset > 0 {
		return fmt.Sprintf("jdpacket: %s at offset %d", e.Reason, e.Offset)
	}
	return "jdpacket: " + e.Reason
}

// IsCRCMismatch reports whether err is a CRC mismatch ProtocolError
func IsCRCMismatch(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Expected != pe.Actual
}
