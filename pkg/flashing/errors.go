// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	// ErrTooManyRetries is wrapped by errors that exhausted the retry rounds
	ErrTooManyRetries = errors.New("flashing: too many retries")

	// ErrNoDevicesToFlash is returned when no bootloader of the blob's device
	// class answered the scan
	ErrNoDevicesToFlash = errors.New("flashing: no devices to flash")
)

// InvalidImageError indicates a malformed UF2 container
type InvalidImageError struct {
	Offset int
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid UF2 at offset %d: %s", e.Offset, e.Reason)
}

// SessionSetupFailedError indicates bootloaders that never confirmed the session
type SessionSetupFailedError struct {
	Devices []jdpacket.DeviceID
}

func (e *SessionSetupFailedError) Error() string {
	return fmt.Sprintf("can't set session id on %s", joinIDs(e.Devices))
}

func (e *SessionSetupFailedError) Unwrap() error {
	return ErrTooManyRetries
}

// PageWriteFailedError indicates a page that could not be written to every
// bootloader within the retry rounds
type PageWriteFailedError struct {
	PageAddress uint32
	Devices     []jdpacket.DeviceID
	LastReason  string
}

func (e *PageWriteFailedError) Error() string {
	return fmt.Sprintf("page 0x%08x failed on %s: %s", e.PageAddress, joinIDs(e.Devices), e.LastReason)
}

func (e *PageWriteFailedError) Unwrap() error {
	return ErrTooManyRetries
}

// WrongFlasherCountError indicates that the bootloader scan found a different
// number of devices than were selected for the update
type WrongFlasherCountError struct {
	Expected int
	Got      int
}

func (e *WrongFlasherCountError) Error() string {
	return fmt.Sprintf("expected %d flashers, got %d", e.Expected, e.Got)
}

func joinIDs(ids []jdpacket.DeviceID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return strings.Join(s, ", ")
}
