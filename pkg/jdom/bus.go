// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package jdom keeps the live directory of devices on a jdbus device bus.
//
// A Bus consumes frames from a Transport, tracks every device that reports
// on the bus together with its advertised services, decodes register reports
// and events, acks commands addressed to the bus itself and garbage-collects
// devices that stop reporting. All directory state is owned by the Bus and
// mutated only while it processes a packet or runs one of its timers;
// listeners are notified after the state change is complete.
package jdom

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Bus timing defaults
const (
	DefaultLostDelay        = 1500 * time.Millisecond
	DefaultDisconnectDelay  = 5000 * time.Millisecond
	DefaultGCInterval       = 500 * time.Millisecond
	DefaultAnnounceInterval = 499 * time.Millisecond
)

// ConnectionState is the state of the bus transport
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BusEventKind identifies a bus notification
type BusEventKind int

const (
	EventConnectionState BusEventKind = iota
	EventDeviceConnect
	EventDeviceDisconnect
	EventDeviceAnnounce
	EventDeviceRestart
	EventDeviceLost
	EventDeviceFound
	EventPacketReceive
	EventPacketAnnounce
	EventFrameError
	EventSelfAnnounce
)

var busEventNames = [...]string{
	EventConnectionState:  "connection_state",
	EventDeviceConnect:    "device_connect",
	EventDeviceDisconnect: "device_disconnect",
	EventDeviceAnnounce:   "device_announce",
	EventDeviceRestart:    "device_restart",
	EventDeviceLost:       "device_lost",
	EventDeviceFound:      "device_found",
	EventPacketReceive:    "packet_receive",
	EventPacketAnnounce:   "packet_announce",
	EventFrameError:       "frame_error",
	EventSelfAnnounce:     "self_announce",
}

func (k BusEventKind) String() string {
	if k >= 0 && int(k) < len(busEventNames) {
		return busEventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// BusEvent is delivered to bus listeners
type BusEvent struct {
	Kind   BusEventKind
	State  ConnectionState
	Device *Device
	Packet *jdpacket.Packet
	Frame  *jdpacket.Frame
	Err    error
}

// CommandHandler handles a command addressed to a service hosted by the bus
type CommandHandler func(pkt *jdpacket.Packet)

type hostedService struct {
	class   uint32
	handler CommandHandler
}

// Option configures a Bus
type Option func(*Bus)

// WithScheduler sets the clock and timer source
func WithScheduler(s Scheduler) Option {
	return func(b *Bus) { b.sched = s }
}

// WithLogger sets the bus logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithSelfID fixes the identifier the bus uses for its own device
func WithSelfID(id jdpacket.DeviceID) Option {
	return func(b *Bus) { b.selfID = id }
}

// WithLostDelay sets how long a silent device stays before being marked lost
func WithLostDelay(d time.Duration) Option {
	return func(b *Bus) { b.lostDelay = d }
}

// WithDisconnectDelay sets how long a silent device stays before removal
func WithDisconnectDelay(d time.Duration) Option {
	return func(b *Bus) { b.disconnectDelay = d }
}

// WithGCInterval sets the period of the device garbage-collector sweep
func WithGCInterval(d time.Duration) Option {
	return func(b *Bus) { b.gcInterval = d }
}

// WithAnnounceInterval sets the self announce period; zero disables it
func WithAnnounceInterval(d time.Duration) Option {
	return func(b *Bus) { b.announceInterval = d }
}

// WithRandSeed makes ack jitter and port allocation reproducible
func WithRandSeed(seed uint64) Option {
	return func(b *Bus) { b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// Bus owns the device directory for one transport
type Bus struct {
	mu        sync.Mutex
	transport Transport
	sched     Scheduler
	logger    *slog.Logger
	rng       *rand.Rand

	selfID jdpacket.DeviceID
	self   *Device

	state          ConnectionState
	connectToken   uint64
	connectDone    chan struct{}
	disconnectDone chan struct{}
	abortedConnect chan struct{} // closed once an aborted Open has been undone

	devices map[jdpacket.DeviceID]*Device
	frozen  int
	hosted  []hostedService

	lostDelay        time.Duration
	disconnectDelay  time.Duration
	gcInterval       time.Duration
	announceInterval time.Duration
	gcTimer          Timer
	announceTimer    Timer
	restartCounter   uint32

	stats  *jdpacket.Statistics
	events Emitter[BusEvent]
}

// NewBus creates a bus over a transport. The bus does nothing until Connect.
func NewBus(t Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:        t,
		sched:            WallClock(),
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		selfID:           jdpacket.RandomDeviceID(),
		devices:          make(map[jdpacket.DeviceID]*Device),
		lostDelay:        DefaultLostDelay,
		disconnectDelay:  DefaultDisconnectDelay,
		gcInterval:       DefaultGCInterval,
		announceInterval: DefaultAnnounceInterval,
		stats:            jdpacket.NewStatistics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	b.self = newDevice(b, b.selfID, b.sched.Now())
	b.self.connected = true
	return b
}

//////////////////////////////////////////////////////////////
// Accessors
//////////////////////////////////////////////////////////////

// SelfID returns the identifier the bus uses for its own device
func (b *Bus) SelfID() jdpacket.DeviceID {
	return b.selfID
}

// SelfDevice returns the device representing this bus, which owns pipe ports
func (b *Bus) SelfDevice() *Device {
	return b.self
}

// Scheduler returns the bus clock
func (b *Bus) Scheduler() Scheduler {
	return b.sched
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// State returns the connection state
func (b *Bus) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe registers a listener for bus events
func (b *Bus) Subscribe(fn func(BusEvent)) (unsubscribe func()) {
	return b.events.Subscribe(fn)
}

// Stats returns a copy of the frame statistics
func (b *Bus) Stats() jdpacket.Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := *b.stats
	s.CalculateRates()
	return s
}

// Device returns the device with the given id, or nil
func (b *Bus) Device(id jdpacket.DeviceID) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[id]
}

// Devices returns the known devices ordered by identifier
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(x, y *Device) int {
		return slices.Compare(x.id[:], y.id[:])
	})
	return out
}

// DevicesWithService returns the announced devices exposing a service class
func (b *Bus) DevicesWithService(class uint32) []*Device {
	var out []*Device
	for _, d := range b.Devices() {
		if len(d.ServicesOfClass(class)) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// FreezeDevices suspends device garbage collection until UnfreezeDevices.
// Calls nest.
func (b *Bus) FreezeDevices() {
	b.mu.Lock()
	b.frozen++
	b.mu.Unlock()
}

// UnfreezeDevices releases one FreezeDevices call
func (b *Bus) UnfreezeDevices() {
	b.mu.Lock()
	if b.frozen > 0 {
		b.frozen--
	}
	b.mu.Unlock()
}

// HostService adds a service to the bus's own device and returns its index.
// Commands addressed to that index are passed to handler, and the service
// class is included in the self announce.
func (b *Bus) HostService(class uint32, handler CommandHandler) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosted = append(b.hosted, hostedService{class: class, handler: handler})
	return uint8(len(b.hosted))
}

//////////////////////////////////////////////////////////////
// Connection State Machine
//////////////////////////////////////////////////////////////

func (b *Bus) setStateLocked(s ConnectionState, n *notifier) {
	if b.state == s {
		return
	}
	b.state = s
	b.logger.Debug("bus state", "state", s.String())
	n.add(func() { b.events.Emit(BusEvent{Kind: EventConnectionState, State: s}) })
}

// Connect opens the transport. A connect issued while a disconnect is in
// progress waits for it first, as does a connect issued while an aborted
// open is still unwinding. If Disconnect is called before the transport
// finishes opening, Connect returns ErrConnectAborted.
func (b *Bus) Connect(ctx context.Context) error {
	for {
		b.mu.Lock()
		var wait chan struct{}
		switch b.state {
		case Connected:
			b.mu.Unlock()
			return nil
		case Connecting:
			wait = b.connectDone
		case Disconnecting:
			wait = b.disconnectDone
		case Disconnected:
			if aborted := b.abortedConnect; aborted != nil {
				select {
				case <-aborted:
					b.abortedConnect = nil
				default:
					wait = aborted
				}
			}
		}
		if wait != nil {
			b.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var n notifier
		b.connectToken++
		token := b.connectToken
		done := make(chan struct{})
		b.connectDone = done
		b.setStateLocked(Connecting, &n)
		b.mu.Unlock()
		n.run()

		err := b.transport.Open(ctx, b.ProcessFrame)

		n = nil
		b.mu.Lock()
		if b.connectToken != token {
			b.mu.Unlock()
			if err == nil {
				_ = b.transport.Close()
			}
			close(done)
			return ErrConnectAborted
		}
		if err != nil {
			b.setStateLocked(Disconnected, &n)
		} else {
			b.setStateLocked(Connected, &n)
			b.startTimersLocked()
		}
		b.mu.Unlock()
		close(done)
		n.run()
		if err != nil {
			return fmt.Errorf("open transport: %w", err)
		}
		return nil
	}
}

// Disconnect closes the transport and stops the bus timers. A disconnect
// issued while a connect is in flight invalidates that connect; the next
// Connect waits until the invalidated open has returned and been closed.
func (b *Bus) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case Disconnected:
		b.mu.Unlock()
		return nil
	case Disconnecting:
		wait := b.disconnectDone
		b.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var n notifier
	if b.state == Connecting {
		// the in-flight Open closes its own session once it returns
		b.abortedConnect = b.connectDone
	}
	b.connectToken++
	done := make(chan struct{})
	b.disconnectDone = done
	b.setStateLocked(Disconnecting, &n)
	b.stopTimersLocked()
	b.mu.Unlock()
	n.run()

	err := b.transport.Close()

	n = nil
	b.mu.Lock()
	b.setStateLocked(Disconnected, &n)
	b.mu.Unlock()
	close(done)
	n.run()
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// Close disconnects the bus and stops every device timer
func (b *Bus) Close() error {
	err := b.Disconnect(context.Background())
	b.mu.Lock()
	for _, d := range b.devices {
		d.stopAckTimerLocked()
	}
	b.self.stopAckTimerLocked()
	b.mu.Unlock()
	return err
}

func (b *Bus) startTimersLocked() {
	if b.gcInterval > 0 {
		b.gcTimer = b.sched.AfterFunc(b.gcInterval, b.gcTick)
	}
	if b.announceInterval > 0 {
		b.announceTimer = b.sched.AfterFunc(b.announceInterval, b.announceTick)
	}
}

func (b *Bus) stopTimersLocked() {
	if b.gcTimer != nil {
		b.gcTimer.Stop()
		b.gcTimer = nil
	}
	if b.announceTimer != nil {
		b.announceTimer.Stop()
		b.announceTimer = nil
	}
}

//////////////////////////////////////////////////////////////
// Timers
//////////////////////////////////////////////////////////////

func (b *Bus) gcTick() {
	b.mu.Lock()
	if b.state != Connected {
		b.mu.Unlock()
		return
	}
	var n notifier
	b.gcDevicesLocked(&n)
	b.gcTimer = b.sched.AfterFunc(b.gcInterval, b.gcTick)
	b.mu.Unlock()
	n.run()
}

// gcDevicesLocked marks silent devices lost and removes long-gone ones
func (b *Bus) gcDevicesLocked(n *notifier) {
	if b.frozen > 0 {
		return
	}
	now := b.sched.Now()
	for id, d := range b.devices {
		silent := now.Sub(d.lastSeen)
		switch {
		case silent > b.disconnectDelay:
			delete(b.devices, id)
			d.disconnectLocked()
			b.logger.Debug("device disconnected", "device", id.String())
			n.add(func() { b.events.Emit(BusEvent{Kind: EventDeviceDisconnect, Device: d}) })
		case silent > b.lostDelay && !d.lost:
			d.lost = true
			b.logger.Debug("device lost", "device", id.String())
			n.add(func() { b.events.Emit(BusEvent{Kind: EventDeviceLost, Device: d}) })
		}
	}
}

func (b *Bus) announceTick() {
	b.mu.Lock()
	if b.state != Connected {
		b.mu.Unlock()
		return
	}
	if b.restartCounter < jdpacket.AnnounceRestartCounterMask {
		b.restartCounter++
	}
	classes := make([]uint32, len(b.hosted))
	for i, h := range b.hosted {
		classes[i] = h.class
	}
	pkt := jdpacket.NewAnnounce(b.restartCounter|jdpacket.AnnounceSupportsACK, classes...)
	pkt.SetDeviceID(b.selfID)
	b.announceTimer = b.sched.AfterFunc(b.announceInterval, b.announceTick)
	b.mu.Unlock()

	if err := b.SendPacket(pkt); err != nil {
		b.logger.Debug("self announce failed", "error", err)
	}
	b.events.Emit(BusEvent{Kind: EventSelfAnnounce, Packet: pkt})
}

// jitterLocked returns a random duration in [lo, hi)
func (b *Bus) jitterLocked(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(b.rng.Int64N(int64(hi-lo)))
}

// RandomUint32N returns a random number in [0, n) from the bus generator
func (b *Bus) RandomUint32N(n uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Uint32N(n)
}

//////////////////////////////////////////////////////////////
// Sending
//////////////////////////////////////////////////////////////

// SendFrame hands raw frame bytes to the transport. Frames sent while the
// bus is not connected are dropped with ErrNotConnected.
func (b *Bus) SendFrame(frame []byte) error {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state != Connected {
		b.logger.Debug("dropping frame, bus not connected", "state", state.String(), "size", len(frame))
		return ErrNotConnected
	}
	if err := b.transport.Send(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// SendPacket encodes and sends a packet as-is
func (b *Bus) SendPacket(pkt *jdpacket.Packet) error {
	frame, err := pkt.Encode()
	if err != nil {
		return err
	}
	return b.SendFrame(frame)
}

// SendReport sends a report from a service hosted by the bus
func (b *Bus) SendReport(serviceIndex uint8, pkt *jdpacket.Packet) error {
	p := pkt.Clone()
	p.SetDeviceID(b.selfID)
	p.SetServiceIndex(serviceIndex)
	p.SetCommand(false)
	return b.SendPacket(p)
}

// SendMulticommand sends a command to every service of a class
func (b *Bus) SendMulticommand(class uint32, pkt *jdpacket.Packet) error {
	p := pkt.Clone()
	p.SetMulticommand(class)
	return b.SendPacket(p)
}

//////////////////////////////////////////////////////////////
// Receiving
//////////////////////////////////////////////////////////////

// ProcessFrame decodes a raw frame and dispatches its packets.
//
// Frames failing the CRC are logged and surfaced as EventFrameError without
// touching the directory. A frame whose packet lengths are malformed still
// has the packets before the malformation dispatched.
func (b *Bus) ProcessFrame(buf []byte) {
	f, err := jdpacket.DecodeFrame(buf)
	if f == nil {
		b.mu.Lock()
		b.stats.Update(nil, err)
		b.mu.Unlock()
		b.logger.Debug("undecodable frame", "error", err, "size", len(buf))
		return
	}
	if err != nil {
		b.mu.Lock()
		b.stats.Update(nil, err)
		b.mu.Unlock()
		b.logger.Warn("frame rejected", "device", f.DeviceID.String(), "error", err)
		b.events.Emit(BusEvent{Kind: EventFrameError, Frame: f, Err: err})
		return
	}

	packets, err := jdpacket.Split(f)
	b.mu.Lock()
	b.stats.Update(packets, err)
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("malformed frame", "device", f.DeviceID.String(), "error", err, "packets", len(packets))
		b.events.Emit(BusEvent{Kind: EventFrameError, Frame: f, Err: err})
	}
	for _, p := range packets {
		b.ProcessPacket(p)
	}
}

// ProcessPacket applies one packet to the directory and notifies listeners
func (b *Bus) ProcessPacket(pkt *jdpacket.Packet) {
	var n notifier
	var replies []*jdpacket.Packet

	b.mu.Lock()
	b.processPacketLocked(pkt, &n, &replies)
	b.mu.Unlock()

	for _, r := range replies {
		if err := b.SendPacket(r); err != nil {
			b.logger.Debug("reply failed", "error", err)
		}
	}
	n.run()
}

func (b *Bus) processPacketLocked(pkt *jdpacket.Packet, n *notifier, replies *[]*jdpacket.Packet) {
	now := b.sched.Now()
	id := pkt.DeviceID()
	kind := EventPacketReceive

	switch {
	case pkt.IsMulticommand():
		if class, _ := pkt.MulticommandClass(); class != 0 {
			for _, h := range b.hosted {
				if h.class == class {
					n.add(func() { h.handler(pkt) })
				}
			}
		}

	case id == b.selfID:
		if pkt.IsReport() {
			return // our own traffic echoed back
		}
		b.processSelfCommandLocked(pkt, n, replies)

	default:
		dev := b.ensureDeviceLocked(id, now, n)

		if pkt.IsCommand() {
			dev.processCommandLocked(pkt)
			break
		}

		dev.lastSeen = now
		dev.stats.Received++
		if dev.lost {
			dev.lost = false
			n.add(func() { b.events.Emit(BusEvent{Kind: EventDeviceFound, Device: dev}) })
		}
		switch {
		case pkt.IsAnnounce():
			kind = EventPacketAnnounce
			dev.processAnnouncementLocked(pkt, n)
		case pkt.IsCRCAck():
			dev.processAckLocked(pkt.ServiceCommand(), n)
		default:
			dev.processReportLocked(pkt, n)
		}
	}

	n.add(func() { b.events.Emit(BusEvent{Kind: kind, Packet: pkt}) })
}

func (b *Bus) ensureDeviceLocked(id jdpacket.DeviceID, now time.Time, n *notifier) *Device {
	dev := b.devices[id]
	if dev == nil {
		dev = newDevice(b, id, now)
		b.devices[id] = dev
		b.logger.Debug("device connected", "device", id.String())
		n.add(func() { b.events.Emit(BusEvent{Kind: EventDeviceConnect, Device: dev}) })
	}
	return dev
}

// EnsureDevice returns the device with the given id, adding it to the
// directory when it has not been seen yet
func (b *Bus) EnsureDevice(id jdpacket.DeviceID) *Device {
	if id == b.selfID {
		return b.self
	}
	var n notifier
	b.mu.Lock()
	dev := b.ensureDeviceLocked(id, b.sched.Now(), &n)
	b.mu.Unlock()
	n.run()
	return dev
}

// processSelfCommandLocked handles commands addressed to the bus's own device
func (b *Bus) processSelfCommandLocked(pkt *jdpacket.Packet, n *notifier, replies *[]*jdpacket.Packet) {
	if pkt.RequiresAck() {
		*replies = append(*replies, jdpacket.NewAck(b.selfID, pkt.CRC()))
	}

	switch {
	case pkt.IsPipe():
		if h := b.self.ports[pkt.PipePort()]; h != nil {
			n.add(func() { h(pkt) })
		}
	case pkt.ServiceIndex() >= 1 && int(pkt.ServiceIndex()) <= len(b.hosted):
		h := b.hosted[pkt.ServiceIndex()-1]
		n.add(func() { h.handler(pkt) })
	}
}

// decodeU32 reads a little-endian u32 at off, or 0 when out of range
func decodeU32(data []byte, off int) uint32 {
	if off < 0 || off+4 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[off : off+4])
}

// WaitForDevice waits until a device with the given id is seen
func (b *Bus) WaitForDevice(ctx context.Context, id jdpacket.DeviceID) (*Device, error) {
	found := make(chan *Device, 1)
	unsub := b.Subscribe(func(ev BusEvent) {
		if ev.Kind == EventDeviceConnect && ev.Device.ID() == id {
			select {
			case found <- ev.Device:
			default:
			}
		}
	})
	defer unsub()

	if d := b.Device(id); d != nil {
		return d, nil
	}
	select {
	case d := <-found:
		return d, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for device %s: %w", id, ctx.Err())
	}
}
