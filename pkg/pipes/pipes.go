// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pipes multiplexes bulk transfers over single-packet bus commands.
//
// A pipe is a (device, port) binding. Every packet carries a 5-bit counter;
// the receiver accepts packets in order and drops duplicates and late
// arrivals instead of reordering them.
package pipes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	// ErrPipeClosed is returned when sending on a closed or failed pipe
	ErrPipeClosed = errors.New("pipes: pipe closed")

	// ErrNoFreePort is returned when no local port could be reserved
	ErrNoFreePort = errors.New("pipes: no free port")
)

// ChunkSize is the largest payload SendBytes puts in one packet
const ChunkSize = 224

// openLayout is the payload of a pipe open request: requester id, port, flags
var openLayout = jdpacket.MustParseLayout("b[8] u16 u16")

//////////////////////////////////////////////////////////////
// Outbound
//////////////////////////////////////////////////////////////

// OutPipe sends packets to a port on a remote device, one acked packet at a time
type OutPipe struct {
	device *jdom.Device

	mu      sync.Mutex
	port    uint16
	counter uint8
	open    bool
}

// NewOutPipe creates a pipe to a port on a device
func NewOutPipe(dev *jdom.Device, port uint16) *OutPipe {
	return &OutPipe{device: dev, port: port, open: true}
}

// NewOutPipeFromOpen creates a pipe from the payload of an open request
func NewOutPipeFromOpen(bus *jdom.Bus, data []byte) (*OutPipe, error) {
	values := openLayout.Unpack(data)
	if len(values) < 2 {
		return nil, fmt.Errorf("pipes: open request of %d bytes", len(data))
	}
	var id jdpacket.DeviceID
	copy(id[:], values[0].([]byte))
	port := uint16(values[1].(uint64))
	if port == 0 {
		return nil, fmt.Errorf("pipes: open request with port 0")
	}
	return NewOutPipe(bus.EnsureDevice(id), port), nil
}

// Port returns the remote port
func (p *OutPipe) Port() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// IsOpen returns false once the pipe was closed or a send failed
func (p *OutPipe) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Send sends a data packet
func (p *OutPipe) Send(ctx context.Context, data []byte) error {
	return p.send(ctx, data, 0)
}

// SendMeta sends a metadata packet
func (p *OutPipe) SendMeta(ctx context.Context, data []byte) error {
	return p.send(ctx, data, jdpacket.PipeMetadataMask)
}

// Close sends the close packet and releases the pipe
func (p *OutPipe) Close(ctx context.Context) error {
	err := p.send(ctx, nil, jdpacket.PipeCloseMask)
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return err
}

// SendBytes sends data in ChunkSize pieces and closes the pipe
func (p *OutPipe) SendBytes(ctx context.Context, data []byte) error {
	for off := 0; off < len(data); off += ChunkSize {
		end := min(off+ChunkSize, len(data))
		if err := p.Send(ctx, data[off:end]); err != nil {
			return err
		}
	}
	return p.Close(ctx)
}

// RespondEach sends one data packet per item and closes the pipe
func RespondEach[T any](ctx context.Context, p *OutPipe, items []T, encode func(T) ([]byte, error)) error {
	for _, item := range items {
		data, err := encode(item)
		if err != nil {
			return err
		}
		if err := p.Send(ctx, data); err != nil {
			return err
		}
	}
	return p.Close(ctx)
}

// send transmits one packet and waits for the ack. Packets on a pipe are
// never in flight together so the receiver sees counters in order.
func (p *OutPipe) send(ctx context.Context, data []byte, flags uint16) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		p.device.Bus().Logger().Warn("send on closed pipe", "device", p.device.String())
		return ErrPipeClosed
	}
	port, counter := p.port, p.counter
	p.counter = (p.counter + 1) & jdpacket.PipeCounterMask
	p.mu.Unlock()

	pkt := jdpacket.NewPipePacket(port, counter, flags, data)
	if err := p.device.SendWithAck(ctx, jdpacket.ServiceIndexPipe, pkt); err != nil {
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
		p.device.Bus().Logger().Warn("pipe send failed", "device", p.device.String(), "port", port, "error", err)
		return fmt.Errorf("%w: %w", ErrPipeClosed, err)
	}
	return nil
}

//////////////////////////////////////////////////////////////
// Inbound
//////////////////////////////////////////////////////////////

// MessageKind tells what an inbound pipe packet carried
type MessageKind int

const (
	MessageData MessageKind = iota
	MessageMeta
	MessageClose
)

// Message is one accepted inbound pipe packet
type Message struct {
	Kind MessageKind
	Data []byte
}

// maxPortAttempts bounds the random search for a free local port
const maxPortAttempts = 64

// InPipe receives packets sent to a local port of the bus's own device
type InPipe struct {
	bus  *jdom.Bus
	port uint16

	mu       sync.Mutex
	expected uint8
	open     bool

	messages jdom.Emitter[Message]
}

// NewInPipe reserves a random free port in 1..511 on the bus's own device
func NewInPipe(bus *jdom.Bus) (*InPipe, error) {
	p := &InPipe{bus: bus, open: true}
	self := bus.SelfDevice()
	for i := 0; i < maxPortAttempts; i++ {
		port := uint16(1 + bus.RandomUint32N(511))
		if self.ClaimPort(port, p.handle) {
			p.port = port
			return p, nil
		}
	}
	return nil, ErrNoFreePort
}

// Port returns the reserved local port
func (p *InPipe) Port() uint16 {
	return p.port
}

// IsOpen returns false once the pipe was closed by either side
func (p *InPipe) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Subscribe registers a listener for accepted packets
func (p *InPipe) Subscribe(fn func(Message)) (unsubscribe func()) {
	return p.messages.Subscribe(fn)
}

// OpenCommand builds the command asking a remote service to stream into
// this pipe
func (p *InPipe) OpenCommand(cmd uint16) (*jdpacket.Packet, error) {
	if !p.IsOpen() {
		return nil, ErrPipeClosed
	}
	data, err := openLayout.Pack(p.bus.SelfID(), p.port, 0)
	if err != nil {
		return nil, err
	}
	pkt := jdpacket.NewPacket(cmd, data)
	pkt.SetCommand(true)
	return pkt, nil
}

// Close releases the port
func (p *InPipe) Close() {
	p.mu.Lock()
	wasOpen := p.open
	p.open = false
	p.mu.Unlock()
	if !wasOpen {
		return
	}
	p.bus.SelfDevice().ReleasePort(p.port)
	p.messages.Emit(Message{Kind: MessageClose})
}

// accept applies the counter window: a counter less than half the counter
// space ahead of the expected one is taken and the window moves past it.
func (p *InPipe) accept(counter uint8) bool {
	if (counter-p.expected)&jdpacket.PipeCounterMask >= (jdpacket.PipeCounterMask+1)/2 {
		return false
	}
	p.expected = (counter + 1) & jdpacket.PipeCounterMask
	return true
}

func (p *InPipe) handle(pkt *jdpacket.Packet) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	if !p.accept(pkt.PipeCount()) {
		p.mu.Unlock()
		p.bus.Logger().Debug("pipe packet dropped", "port", p.port, "counter", pkt.PipeCount())
		return
	}
	p.mu.Unlock()

	kind := MessageData
	if pkt.PipeType()&jdpacket.PipeMetadataMask != 0 {
		kind = MessageMeta
	}
	if len(pkt.Data()) > 0 || pkt.PipeType()&jdpacket.PipeCloseMask == 0 {
		p.messages.Emit(Message{Kind: kind, Data: append([]byte(nil), pkt.Data()...)})
	}
	if pkt.PipeType()&jdpacket.PipeCloseMask != 0 {
		p.Close()
	}
}

//////////////////////////////////////////////////////////////
// Reader
//////////////////////////////////////////////////////////////

// InPipeReader collects everything sent into an InPipe until it closes
type InPipeReader struct {
	*InPipe

	mu   sync.Mutex
	data [][]byte
	meta [][]byte
	done chan struct{}
}

// NewInPipeReader reserves a port and starts collecting
func NewInPipeReader(bus *jdom.Bus) (*InPipeReader, error) {
	in, err := NewInPipe(bus)
	if err != nil {
		return nil, err
	}
	r := &InPipeReader{InPipe: in, done: make(chan struct{})}
	in.Subscribe(r.collect)
	return r, nil
}

func (r *InPipeReader) collect(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch m.Kind {
	case MessageData:
		r.data = append(r.data, m.Data)
	case MessageMeta:
		r.meta = append(r.meta, m.Data)
	case MessageClose:
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

// ReadAll waits for the pipe to close and returns the data and metadata
// packets. When ctx ends first the pipe is closed and what arrived so far is
// returned with the context error.
func (r *InPipeReader) ReadAll(ctx context.Context) (data, meta [][]byte, err error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		err = fmt.Errorf("read pipe %d: %w", r.port, ctx.Err())
		r.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.meta, err
}

// ReadData returns the non-empty data packets
func (r *InPipeReader) ReadData(ctx context.Context) ([][]byte, error) {
	data, _, err := r.ReadAll(ctx)
	out := data[:0:0]
	for _, d := range data {
		if len(d) > 0 {
			out = append(out, d)
		}
	}
	return out, err
}

// ReadBytes returns the data packets concatenated
func (r *InPipeReader) ReadBytes(ctx context.Context) ([]byte, error) {
	data, err := r.ReadData(ctx)
	var out []byte
	for _, d := range data {
		out = append(out, d...)
	}
	return out, err
}
