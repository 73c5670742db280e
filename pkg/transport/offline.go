// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// Offline is a transport with no medium behind it. Sent frames are counted
// and dropped. It backs a bus fed from a trace or by hand through
// Bus.ProcessFrame.
type Offline struct {
	name string

	mu   sync.Mutex
	open bool

	sent atomic.Uint64
}

// NewOffline creates an offline transport described by name
func NewOffline(name string) *Offline {
	return &Offline{name: name}
}

func (o *Offline) String() string {
	return o.name
}

// Open marks the transport open. Nothing is ever received.
func (o *Offline) Open(ctx context.Context, _ jdom.FrameHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.open {
		return ErrAlreadyOpen
	}
	o.open = true
	return nil
}

// Send drops frame
func (o *Offline) Send(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.open {
		return ErrConnectionClosed
	}
	o.sent.Add(1)
	return nil
}

// Close marks the transport closed
func (o *Offline) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = false
	return nil
}

// Sent returns the number of frames dropped by Send
func (o *Offline) Sent() uint64 {
	return o.sent.Load()
}
