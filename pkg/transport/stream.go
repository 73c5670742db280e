// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport carries bus frames over serial ports and websocket
// bridges. Every transport satisfies jdom.Transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// ErrConnectionClosed is returned when sending on a closed transport
var ErrConnectionClosed = errors.New("transport: connection closed")

// ErrAlreadyOpen is returned by a second Open
var ErrAlreadyOpen = errors.New("transport: already open")

// Option configures a transport
type Option func(*options)

type options struct {
	logger   *slog.Logger
	username string
	password string
	insecure bool
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the transport logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBasicAuth sets websocket HTTP basic auth credentials
func WithBasicAuth(username, password string) Option {
	return func(o *options) {
		o.username, o.password = username, password
	}
}

// WithInsecureTLS skips certificate verification for wss:// URLs
func WithInsecureTLS(skip bool) Option {
	return func(o *options) {
		o.insecure = skip
	}
}

// Opener opens the byte stream under a Stream transport
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// Stream carries byte-stuffed frames over a byte stream such as a serial port
type Stream struct {
	name   string
	opener Opener
	logger *slog.Logger

	mu     sync.Mutex
	writeM sync.Mutex
	conn   io.ReadWriteCloser
	closed bool
	done   chan struct{}
	err    error

	frames        atomic.Uint64
	bytes         atomic.Uint64
	framingErrors atomic.Uint64
}

// StreamStats counts what a Stream received
type StreamStats struct {
	Frames        uint64
	Bytes         uint64
	FramingErrors uint64
}

// NewStream creates a transport over the streams returned by opener
func NewStream(name string, opener Opener, opts ...Option) *Stream {
	o := buildOptions(opts)
	return &Stream{name: name, opener: opener, logger: o.logger}
}

// NewSerial creates a transport over a serial port at baud, 8N1
func NewSerial(port string, baud int, opts ...Option) *Stream {
	open := func(context.Context) (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		p, err := serial.Open(port, mode)
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", port, err)
		}
		return p, nil
	}
	return NewStream(fmt.Sprintf("serial %s @ %d baud", port, baud), open, opts...)
}

// ListSerialPorts returns the serial ports present on the host
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// String describes the connection
func (s *Stream) String() string {
	return s.name
}

// Open opens the stream and starts delivering decoded frames to receive
func (s *Stream) Open(ctx context.Context, receive jdom.FrameHandler) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.mu.Unlock()

	conn, err := s.opener(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn, s.closed, s.err = conn, false, nil
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("transport open", "connection", s.name)
	go s.readLoop(conn, receive, done)
	return nil
}

func (s *Stream) readLoop(conn io.ReadWriteCloser, receive jdom.FrameHandler, done chan struct{}) {
	defer close(done)
	dec := jdpacket.NewStreamDecoder()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		s.bytes.Add(uint64(n))
		for _, b := range buf[:n] {
			frame, derr := dec.DecodeByte(b)
			if derr != nil {
				s.framingErrors.Add(1)
				s.logger.Debug("framing error", "connection", s.name, "error", derr)
				continue
			}
			if frame != nil {
				s.frames.Add(1)
				receive(frame)
			}
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			if !closed {
				s.err = err
			}
			s.mu.Unlock()
			if !closed && !errors.Is(err, io.EOF) {
				s.logger.Warn("transport read failed", "connection", s.name, "error", err)
			}
			return
		}
	}
}

// Send writes one frame
func (s *Stream) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	s.writeM.Lock()
	defer s.writeM.Unlock()
	if _, err := conn.Write(jdpacket.EncodeStream(frame)); err != nil {
		return fmt.Errorf("%s: write: %w", s.name, err)
	}
	return nil
}

// Close closes the stream and waits for the reader to stop
func (s *Stream) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.closed = nil, true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	s.logger.Info("transport closed", "connection", s.name)
	return err
}

// Done is closed when the reader stops, either after Close or a read error
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the read error that stopped the transport, if any
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the receive counters
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Frames:        s.frames.Load(),
		Bytes:         s.bytes.Load(),
		FramingErrors: s.framingErrors.Load(),
	}
}
