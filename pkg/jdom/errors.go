// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import "errors"

var (
	// ErrNoAck is returned when an acked send exhausts its retries
	ErrNoAck = errors.New("jdom: no ack")

	// ErrNotConnected is returned when sending on a bus that is not connected
	ErrNotConnected = errors.New("jdom: bus not connected")

	// ErrConnectAborted is returned to a connect superseded by a disconnect
	ErrConnectAborted = errors.New("jdom: connect aborted")

	// ErrDeviceRemoved is returned for operations on a garbage-collected device
	ErrDeviceRemoved = errors.New("jdom: device removed")

	// ErrRefreshTimeout is returned when a register did not report in time
	ErrRefreshTimeout = errors.New("jdom: register refresh timed out")

	// ErrNoLayout is returned when a register has no known field layout
	ErrNoLayout = errors.New("jdom: register layout unknown")
)
