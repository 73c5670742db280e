// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package trace

import (
	"context"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// Option configures a Recorder
type Option func(*Recorder)

// WithClock sets the clock used to stamp records
func WithClock(s jdom.Scheduler) Option {
	return func(r *Recorder) {
		r.clock = s
	}
}

// WithSessionID overrides the random session id
func WithSessionID(id string) Option {
	return func(r *Recorder) {
		r.header.SessionID = id
	}
}

// Recorder writes frames to a trace. It is safe for concurrent use.
type Recorder struct {
	clock  jdom.Scheduler
	header Header

	mu     sync.Mutex
	enc    *cbor.Encoder
	closer func() error
	closed bool
	count  int
	err    error
}

// NewRecorder writes a trace header to w and returns a recorder for it
func NewRecorder(w io.Writer, source string, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		clock:  jdom.WallClock(),
		header: Header{Version: FormatVersion, SessionID: uuid.New().String(), Source: source},
		enc:    encMode.NewEncoder(w),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.header.Started = r.clock.Now()
	if err := r.enc.Encode(r.header); err != nil {
		return nil, err
	}
	return r, nil
}

// Create creates a trace file at path
func Create(path, source string, opts ...Option) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, source, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f.Close
	return r, nil
}

// Open opens a trace file for reading
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Header returns the header written at the start of the trace
func (r *Recorder) Header() Header {
	return r.header
}

// Record appends one frame. Writes after Close or after a write error are
// dropped; the first error is kept for Err.
func (r *Recorder) Record(dir Direction, frame []byte) {
	rec := Record{
		Offset:    r.clock.Now().Sub(r.header.Started),
		Direction: dir,
		Frame:     slices.Clone(frame),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	if err := r.enc.Encode(rec); err != nil {
		r.err = err
		return
	}
	r.count++
}

// Count returns the number of records written
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops recording and closes the file opened by Create
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

// Tap is a transport that records every frame passing through another one
type Tap struct {
	inner jdom.Transport
	rec   *Recorder
}

// NewTap wraps t, recording into rec
func NewTap(t jdom.Transport, rec *Recorder) *Tap {
	return &Tap{inner: t, rec: rec}
}

// Open opens the wrapped transport, recording received frames
func (t *Tap) Open(ctx context.Context, receive jdom.FrameHandler) error {
	return t.inner.Open(ctx, func(frame []byte) {
		t.rec.Record(DirectionIn, frame)
		receive(frame)
	})
}

// Send records and sends a frame
func (t *Tap) Send(frame []byte) error {
	if err := t.inner.Send(frame); err != nil {
		return err
	}
	t.rec.Record(DirectionOut, frame)
	return nil
}

// Close closes the wrapped transport. The recorder stays open.
func (t *Tap) Close() error {
	return t.inner.Close()
}

// String describes the wrapped transport
func (t *Tap) String() string {
	if s, ok := t.inner.(interface{ String() string }); ok {
		return s.String() + " (recording)"
	}
	return "recording tap"
}
