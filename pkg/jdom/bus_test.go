// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	devA = jdpacket.DeviceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	devB = jdpacket.DeviceID{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
)

func newTestBus(t *testing.T, opts ...jdom.Option) (*jdom.Bus, *jdtest.Hub, *jdtest.ManualScheduler) {
	t.Helper()
	hub := jdtest.NewHub()
	sched := jdtest.NewManualScheduler()
	base := []jdom.Option{
		jdom.WithScheduler(sched),
		jdom.WithRandSeed(1),
		jdom.WithAnnounceInterval(0),
	}
	bus := jdom.NewBus(hub.Endpoint(), append(base, opts...)...)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, hub, sched
}

type eventLog struct {
	mu    sync.Mutex
	kinds []jdom.BusEventKind
}

func recordEvents(bus *jdom.Bus, kinds ...jdom.BusEventKind) *eventLog {
	l := &eventLog{}
	bus.Subscribe(func(ev jdom.BusEvent) {
		for _, k := range kinds {
			if ev.Kind == k {
				l.mu.Lock()
				l.kinds = append(l.kinds, ev.Kind)
				l.mu.Unlock()
			}
		}
	})
	return l
}

func (l *eventLog) get() []jdom.BusEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]jdom.BusEventKind(nil), l.kinds...)
}

// ============================================================================
// Device Lifecycle
// ============================================================================

func TestDeviceCreatedOnFirstFrame(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	log := recordEvents(bus, jdom.EventDeviceConnect, jdom.EventDeviceAnnounce)

	sim := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassButton)
	require.NoError(t, sim.Announce())

	dev := bus.Device(devA)
	require.NotNil(t, dev)
	assert.True(t, dev.Announced())
	assert.Equal(t, []uint32{jdpacket.ServiceClassControl, jdpacket.ServiceClassButton}, dev.ServiceClasses())
	assert.Equal(t, []jdom.BusEventKind{jdom.EventDeviceConnect, jdom.EventDeviceAnnounce}, log.get())

	// identical announce does not re-announce
	require.NoError(t, sim.Announce())
	assert.Len(t, log.get(), 2)
	assert.Equal(t, uint64(2), dev.Stats().Announces)
}

func TestDeviceLostThenRemoved(t *testing.T) {
	bus, hub, sched := newTestBus(t)
	log := recordEvents(bus, jdom.EventDeviceLost, jdom.EventDeviceDisconnect)

	sim := jdtest.NewSimDevice(hub, devA)
	require.NoError(t, sim.Announce())
	dev := bus.Device(devA)
	require.NotNil(t, dev)

	sched.Advance(1500 * time.Millisecond)
	assert.False(t, dev.Lost(), "exactly the lost delay is not lost yet")

	sched.Advance(500 * time.Millisecond)
	assert.True(t, dev.Lost())
	assert.NotNil(t, bus.Device(devA), "lost device stays in the directory")

	sched.Advance(3000 * time.Millisecond)
	assert.NotNil(t, bus.Device(devA), "exactly the disconnect delay is not removed yet")

	sched.Advance(500 * time.Millisecond)
	assert.Nil(t, bus.Device(devA))
	assert.False(t, dev.Connected())
	assert.Equal(t, []jdom.BusEventKind{jdom.EventDeviceLost, jdom.EventDeviceDisconnect}, log.get())
}

func TestDeviceFoundResetsTimers(t *testing.T) {
	bus, hub, sched := newTestBus(t)
	log := recordEvents(bus, jdom.EventDeviceLost, jdom.EventDeviceFound, jdom.EventDeviceDisconnect)

	sim := jdtest.NewSimDevice(hub, devA)
	require.NoError(t, sim.Announce())
	dev := bus.Device(devA)

	sched.Advance(2000 * time.Millisecond)
	require.True(t, dev.Lost())

	require.NoError(t, sim.Announce())
	assert.False(t, dev.Lost())

	sched.Advance(4500 * time.Millisecond)
	assert.NotNil(t, bus.Device(devA), "frame before removal restarts the disconnect window")
	assert.Equal(t, []jdom.BusEventKind{jdom.EventDeviceLost, jdom.EventDeviceFound, jdom.EventDeviceLost}, log.get())
}

func TestFreezeDevicesSuspendsGC(t *testing.T) {
	bus, hub, sched := newTestBus(t)
	sim := jdtest.NewSimDevice(hub, devA)
	require.NoError(t, sim.Announce())

	bus.FreezeDevices()
	sched.Advance(10 * time.Second)
	require.NotNil(t, bus.Device(devA))
	assert.False(t, bus.Device(devA).Lost())

	bus.UnfreezeDevices()
	sched.Advance(500 * time.Millisecond)
	assert.Nil(t, bus.Device(devA))
}

func TestDeviceRestart(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	log := recordEvents(bus, jdom.EventDeviceRestart)

	sim := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassServo)
	require.NoError(t, sim.Announce())
	require.NoError(t, sim.Announce())
	assert.Empty(t, log.get())

	sim.Reboot()
	require.NoError(t, sim.Announce())
	assert.Equal(t, []jdom.BusEventKind{jdom.EventDeviceRestart}, log.get())
	assert.Equal(t, uint64(1), bus.Device(devA).Stats().Restarts)
}

func TestDevicesWithService(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	a := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassButton)
	b := jdtest.NewSimDevice(hub, devB, jdpacket.ServiceClassServo, jdpacket.ServiceClassButton)
	require.NoError(t, a.Announce())
	require.NoError(t, b.Announce())

	buttons := bus.DevicesWithService(jdpacket.ServiceClassButton)
	require.Len(t, buttons, 2)
	assert.Equal(t, devA, buttons[0].ID())
	assert.Equal(t, devB, buttons[1].ID())

	servos := bus.DevicesWithService(jdpacket.ServiceClassServo)
	require.Len(t, servos, 1)
	assert.Equal(t, uint8(1), servos[0].ServicesOfClass(jdpacket.ServiceClassServo)[0].Index())
}

func TestWaitForDevice(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	sim := jdtest.NewSimDevice(hub, devA)

	done := make(chan *jdom.Device, 1)
	go func() {
		d, _ := bus.WaitForDevice(context.Background(), devA)
		done <- d
	}()

	require.Eventually(t, func() bool {
		_ = sim.Announce()
		select {
		case d := <-done:
			return d != nil && d.ID() == devA
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Frame Errors
// ============================================================================

func TestCorruptFrameDoesNotTouchDirectory(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	log := recordEvents(bus, jdom.EventFrameError, jdom.EventDeviceConnect)

	pkt := jdpacket.NewAnnounce(1)
	pkt.SetDeviceID(devA)
	frame, err := pkt.Encode()
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01
	hub.Inject(frame)

	assert.Nil(t, bus.Device(devA))
	assert.Equal(t, []jdom.BusEventKind{jdom.EventFrameError}, log.get())
	assert.Equal(t, uint64(1), bus.Stats().CRCErrors)
}

// ============================================================================
// Ack Retries
// ============================================================================

func TestSendWithAckExhaustsRetries(t *testing.T) {
	bus, hub, sched := newTestBus(t)
	sim := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassServo)
	require.NoError(t, sim.Announce())
	sim.IgnoreAcks(-1)

	dev := bus.Device(devA)
	done := dev.SendWithAckAsync(1, jdpacket.NewRegisterSet(jdpacket.RegIntensity, []byte{1}))
	assert.Equal(t, 1, sim.AckRequests())

	sched.Advance(40 * time.Millisecond)
	assert.Equal(t, 2, sim.AckRequests())

	// bounded by first check + four jittered checks
	for i := 0; i < 4; i++ {
		sched.Advance(50 * time.Millisecond)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, jdom.ErrNoAck)
	default:
		t.Fatal("send did not complete")
	}
	assert.Equal(t, 1+jdom.AckRetries, sim.AckRequests())
	assert.Zero(t, dev.PendingAcks())

	sched.Advance(time.Second)
	assert.Equal(t, 1+jdom.AckRetries, sim.AckRequests(), "no resend after rejection")
}

func TestSendWithAckResolvesOnRetry(t *testing.T) {
	for k := 0; k < jdom.AckRetries; k++ {
		bus, hub, sched := newTestBus(t)
		sim := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassServo)
		require.NoError(t, sim.Announce())
		sim.IgnoreAcks(k)

		dev := bus.Device(devA)
		done := dev.SendWithAckAsync(1, jdpacket.NewRegisterSet(jdpacket.RegIntensity, []byte{1}))
		sched.Step(300*time.Millisecond, 10*time.Millisecond)

		select {
		case err := <-done:
			assert.NoError(t, err, "ack on retry %d", k)
		default:
			t.Fatalf("ack on retry %d: send did not complete", k)
		}
		assert.Equal(t, k+1, sim.AckRequests(), "ack on retry %d", k)
		assert.Zero(t, dev.PendingAcks())
	}
}

func TestSendWithAckImmediate(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	sim := jdtest.NewSimDevice(hub, devA, jdpacket.ServiceClassServo)
	require.NoError(t, sim.Announce())

	err := bus.Device(devA).SendWithAck(context.Background(), 1, jdpacket.NewRegisterSet(jdpacket.RegIntensity, []byte{1}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, sim.Register(1, jdpacket.RegIntensity))
}

func TestRemovedDeviceRejectsPendingAcks(t *testing.T) {
	bus, hub, sched := newTestBus(t, jdom.WithDisconnectDelay(100*time.Millisecond), jdom.WithGCInterval(50*time.Millisecond))
	sim := jdtest.NewSimDevice(hub, devA)
	require.NoError(t, sim.Announce())
	sim.IgnoreAcks(-1)

	done := bus.Device(devA).SendWithAckAsync(0, jdpacket.NewControlCommand(jdpacket.ControlCmdIdentify))
	sched.Advance(150 * time.Millisecond)

	select {
	case err := <-done:
		assert.Error(t, err)
	default:
		t.Fatal("send did not complete")
	}
}

// ============================================================================
// Connection State
// ============================================================================

func TestSendWhileDisconnected(t *testing.T) {
	hub := jdtest.NewHub()
	bus := jdom.NewBus(hub.Endpoint(), jdom.WithScheduler(jdtest.NewManualScheduler()))
	assert.Equal(t, jdom.Disconnected, bus.State())
	assert.ErrorIs(t, bus.SendPacket(jdpacket.NewAnnounceRequest()), jdom.ErrNotConnected)
}

func TestDisconnectDuringConnectAborts(t *testing.T) {
	hub := jdtest.NewHub()
	ep := hub.Endpoint()
	release := make(chan struct{})
	entered := make(chan struct{})
	ep.OpenHook = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}
	bus := jdom.NewBus(ep, jdom.WithScheduler(jdtest.NewManualScheduler()))

	result := make(chan error, 1)
	go func() { result <- bus.Connect(context.Background()) }()
	<-entered
	assert.Equal(t, jdom.Connecting, bus.State())

	require.NoError(t, bus.Disconnect(context.Background()))
	close(release)

	assert.ErrorIs(t, <-result, jdom.ErrConnectAborted)
	assert.Equal(t, jdom.Disconnected, bus.State())
}

func TestReconnectWaitsForAbortedConnect(t *testing.T) {
	hub := jdtest.NewHub()
	ep := hub.Endpoint()
	release := make(chan struct{})
	entered := make(chan struct{})
	var opens atomic.Int32
	ep.OpenHook = func(ctx context.Context) error {
		if opens.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	bus := jdom.NewBus(ep, jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- bus.Connect(ctx) }()
	<-entered
	require.NoError(t, bus.Disconnect(ctx))

	second := make(chan error, 1)
	go func() { second <- bus.Connect(ctx) }()
	assert.Never(t, func() bool { return opens.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"open must wait for the aborted one to unwind")
	close(release)

	assert.ErrorIs(t, <-first, jdom.ErrConnectAborted)
	require.NoError(t, <-second)
	assert.Equal(t, jdom.Connected, bus.State())
	assert.Equal(t, 2, ep.Opens())
	assert.NoError(t, bus.SendPacket(jdpacket.NewAnnounceRequest()), "transport still open after the aborted connect returned")
}

func TestConnectQueuesBehindDisconnect(t *testing.T) {
	hub := jdtest.NewHub()
	ep := hub.Endpoint()
	bus := jdom.NewBus(ep, jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	t.Cleanup(func() { _ = bus.Close() })
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	release := make(chan struct{})
	entered := make(chan struct{})
	var closes atomic.Int32
	ep.CloseHook = func() {
		if closes.Add(1) == 1 {
			close(entered)
			<-release
		}
	}

	disconnected := make(chan error, 1)
	go func() { disconnected <- bus.Disconnect(ctx) }()
	<-entered
	assert.Equal(t, jdom.Disconnecting, bus.State())

	connected := make(chan error, 1)
	go func() { connected <- bus.Connect(ctx) }()
	assert.Never(t, func() bool { return ep.Opens() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"connect must wait for the disconnect to finish")
	assert.Equal(t, jdom.Disconnecting, bus.State())
	close(release)

	require.NoError(t, <-disconnected)
	require.NoError(t, <-connected)
	assert.Equal(t, jdom.Connected, bus.State())
	assert.Equal(t, 2, ep.Opens())
	assert.NoError(t, bus.SendPacket(jdpacket.NewAnnounceRequest()))
}

func TestConnectStateEvents(t *testing.T) {
	hub := jdtest.NewHub()
	bus := jdom.NewBus(hub.Endpoint(), jdom.WithScheduler(jdtest.NewManualScheduler()))
	var states []jdom.ConnectionState
	bus.Subscribe(func(ev jdom.BusEvent) {
		if ev.Kind == jdom.EventConnectionState {
			states = append(states, ev.State)
		}
	})

	require.NoError(t, bus.Connect(context.Background()))
	require.NoError(t, bus.Connect(context.Background()))
	require.NoError(t, bus.Disconnect(context.Background()))
	assert.Equal(t, []jdom.ConnectionState{jdom.Connecting, jdom.Connected, jdom.Disconnecting, jdom.Disconnected}, states)
}

// ============================================================================
// Self Device
// ============================================================================

func TestSelfAnnounceListsHostedServices(t *testing.T) {
	bus, hub, sched := newTestBus(t, jdom.WithAnnounceInterval(499*time.Millisecond))
	bus.HostService(jdpacket.ServiceClassRoleManager, func(*jdpacket.Packet) {})

	before := len(hub.Frames())
	sched.Advance(499 * time.Millisecond)

	frames := hub.Frames()[before:]
	require.Len(t, frames, 1)
	pkt, err := jdpacket.Decode(frames[0])
	require.NoError(t, err)
	assert.True(t, pkt.IsAnnounce())
	assert.Equal(t, bus.SelfID(), pkt.DeviceID())
	want := jdpacket.NewAnnounce(1|jdpacket.AnnounceSupportsACK, jdpacket.ServiceClassRoleManager)
	assert.Equal(t, want.Data(), pkt.Data())
}

func TestSelfCommandsAreAckedAndDispatched(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	var got []*jdpacket.Packet
	idx := bus.HostService(jdpacket.ServiceClassRoleManager, func(p *jdpacket.Packet) { got = append(got, p) })
	require.Equal(t, uint8(1), idx)

	sim := jdtest.NewSimDevice(hub, devA)
	cmd := jdpacket.NewPacket(0x81, []byte{1, 2})
	cmd.SetRequiresAck(true)
	before := len(hub.Frames())
	require.NoError(t, sim.SendCommand(bus.SelfID(), idx, cmd))

	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2}, got[0].Data())

	frames := hub.Frames()[before:]
	require.Len(t, frames, 2)
	sent, err := jdpacket.Decode(frames[0])
	require.NoError(t, err)
	ack, err := jdpacket.Decode(frames[1])
	require.NoError(t, err)
	assert.True(t, ack.IsCRCAck())
	assert.Equal(t, sent.CRC(), ack.ServiceCommand())
	assert.Nil(t, bus.Device(bus.SelfID()), "self device is not part of the directory")
}

func TestMulticommandReachesHostedService(t *testing.T) {
	bus, hub, _ := newTestBus(t)
	calls := 0
	bus.HostService(jdpacket.ServiceClassRoleManager, func(*jdpacket.Packet) { calls++ })

	pkt := jdpacket.NewPacket(0x84, nil)
	pkt.SetMulticommand(jdpacket.ServiceClassRoleManager)
	frame, err := pkt.Encode()
	require.NoError(t, err)
	hub.Inject(frame)

	assert.Equal(t, 1, calls)
}

// ============================================================================
// Emitter
// ============================================================================

func TestEmitterSnapshot(t *testing.T) {
	var e jdom.Emitter[int]
	var seen []string
	e.Subscribe(func(v int) {
		seen = append(seen, "first")
		if v == 1 {
			e.Subscribe(func(int) { seen = append(seen, "late") })
		}
	})

	e.Emit(1)
	assert.Equal(t, []string{"first"}, seen)

	e.Emit(2)
	assert.Equal(t, []string{"first", "first", "late"}, seen)
}

func TestEmitterUnsubscribeDuringEmit(t *testing.T) {
	var e jdom.Emitter[int]
	var unsubB func()
	calls := 0
	e.Subscribe(func(int) { unsubB() })
	unsubB = e.Subscribe(func(int) { calls++ })

	e.Emit(1)
	assert.Zero(t, calls)
	assert.Equal(t, 1, e.Len())
}
