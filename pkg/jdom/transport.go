// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import "context"

// FrameHandler receives raw frames from a transport
type FrameHandler func(frame []byte)

// Transport carries frames between the bus and the physical medium.
// Implementations call the FrameHandler passed to Open for every frame
// received until Close returns.
type Transport interface {
	Open(ctx context.Context, receive FrameHandler) error
	Send(frame []byte) error
	Close() error
}
