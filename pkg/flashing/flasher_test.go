// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashing_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/flashing"
	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

const (
	heaterClass = 0x3f001234
	pageSize    = 1024
)

var (
	idA = jdpacket.DeviceID{0x01, 1, 1, 1, 1, 1, 1, 1}
	idB = jdpacket.DeviceID{0x02, 2, 2, 2, 2, 2, 2, 2}
)

// simBootloader answers the bootloader protocol and records written pages
type simBootloader struct {
	*jdtest.SimDevice

	mu             sync.Mutex
	class          uint32
	session        uint32
	pages          map[uint32][]byte
	resets         int
	answerSession  bool
	pageError      uint32
	subpageWrites  int
	statusRequests int
}

func newSimBootloader(hub *jdtest.Hub, id jdpacket.DeviceID, class uint32) *simBootloader {
	b := &simBootloader{
		SimDevice:     jdtest.NewSimDevice(hub, id, jdpacket.ServiceClassBootloader),
		class:         class,
		pages:         make(map[uint32][]byte),
		answerSession: true,
	}
	b.Handle(jdpacket.ServiceIndexControl, b.control)
	b.Handle(1, b.bootloader)
	return b
}

func (b *simBootloader) control(_ *jdtest.SimDevice, pkt *jdpacket.Packet) {
	if pkt.ServiceCommand() == jdpacket.ControlCmdReset {
		b.mu.Lock()
		b.resets++
		b.mu.Unlock()
	}
}

func (b *simBootloader) bootloader(d *jdtest.SimDevice, pkt *jdpacket.Packet) {
	le := binary.LittleEndian
	switch pkt.ServiceCommand() {
	case flashing.BLCmdInfo:
		data, _ := jdpacket.Pack("u32 u32 u32 u32", jdpacket.ServiceClassBootloader, pageSize, 64*1024, b.class)
		_ = d.Send(1, jdpacket.NewPacket(flashing.BLCmdInfo, data))

	case flashing.BLCmdSetSession:
		b.mu.Lock()
		if !b.answerSession {
			b.mu.Unlock()
			return
		}
		b.session = le.Uint32(pkt.Data())
		b.mu.Unlock()
		_ = d.Send(1, jdpacket.NewPacket(flashing.BLCmdSetSession, pkt.Data()[:4]))

	case flashing.BLCmdPageData:
		v := pkt.Data()
		addr, off := le.Uint32(v[0:]), int(le.Uint16(v[4:]))
		sub, last, session := v[6], v[7], le.Uint32(v[8:])

		b.mu.Lock()
		b.subpageWrites++
		page := b.pages[addr]
		if page == nil {
			page = make([]byte, pageSize)
			b.pages[addr] = page
		}
		copy(page[off:], v[flashing.PageHeaderSize:])
		if sub != last {
			b.mu.Unlock()
			return
		}
		status := b.pageError
		if session != b.session {
			status = 1
		}
		b.statusRequests++
		b.mu.Unlock()

		data, _ := jdpacket.Pack("u32 u32 u32", session, status, addr)
		_ = d.Send(1, jdpacket.NewPacket(flashing.BLCmdPageData, data))
	}
}

func (b *simBootloader) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

func (b *simBootloader) Page(addr uint32) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[addr]
}

func newWallBus(t *testing.T, hub *jdtest.Hub) *jdom.Bus {
	t.Helper()
	bus := jdom.NewBus(hub.Endpoint(), jdom.WithAnnounceInterval(0), jdom.WithRandSeed(3))
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func testBlob() *flashing.FirmwareBlob {
	blob := &flashing.FirmwareBlob{DeviceClass: heaterClass, PageSize: pageSize, Name: "heater", Version: "2.0"}
	for p := 0; p < 2; p++ {
		data := make([]byte, pageSize)
		for i := range data {
			data[i] = byte(i*7 + p)
		}
		blob.Pages = append(blob.Pages, flashing.FirmwarePage{TargetAddress: uint32(0x8000 + p*pageSize), Data: data})
	}
	return blob
}

func fastOptions(extra ...flashing.Option) []flashing.Option {
	return append([]flashing.Option{
		flashing.WithResetWait(2, time.Millisecond),
		flashing.WithStatusWait(20, time.Millisecond),
	}, extra...)
}

// ============================================================================
// Flashing
// ============================================================================

func TestFlashFirmwareBlob(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	a := newSimBootloader(hub, idA, heaterClass)
	b := newSimBootloader(hub, idB, heaterClass)

	var progress []flashing.Progress
	f := flashing.NewFlasher(bus, fastOptions(flashing.WithProgress(func(p flashing.Progress) {
		progress = append(progress, p)
	}))...)

	blob := testBlob()
	candidates := []flashing.FirmwareInfo{{DeviceID: idA}, {DeviceID: idB}}
	require.NoError(t, f.FlashFirmwareBlob(context.Background(), blob, candidates))

	for _, sim := range []*simBootloader{a, b} {
		for _, page := range blob.Pages {
			assert.Equal(t, page.Data, sim.Page(page.TargetAddress))
		}
		assert.Equal(t, 2, sim.Resets(), "one reset into the bootloader, one out")
	}

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Fraction, progress[i-1].Fraction)
	}
	assert.Equal(t, 1.0, progress[len(progress)-1].Fraction)
	assert.Equal(t, flashing.PhaseDone, progress[len(progress)-1].Phase)
}

func TestFlashRetriesLastSubpage(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	sim := newSimBootloader(hub, idA, heaterClass)

	// lose the first status report of the first page
	dropped := false
	hub.SetDrop(func(frame []byte) bool {
		f, err := jdpacket.DecodeFrame(frame)
		if err != nil || dropped || f.DeviceID != idA {
			return false
		}
		packets, _ := jdpacket.Split(f)
		for _, p := range packets {
			if p.ServiceIndex() == 1 && p.ServiceCommand() == flashing.BLCmdPageData {
				dropped = true
				return true
			}
		}
		return false
	})

	f := flashing.NewFlasher(bus, fastOptions()...)
	blob := testBlob()
	require.NoError(t, f.FlashFirmwareBlob(context.Background(), blob, []flashing.FirmwareInfo{{DeviceID: idA}}))

	assert.True(t, dropped)
	assert.Equal(t, blob.Pages[0].Data, sim.Page(blob.Pages[0].TargetAddress))
	sim.mu.Lock()
	defer sim.mu.Unlock()
	// the retry round resends every subpage of the first page, the last one unicast
	assert.Equal(t, 15, sim.subpageWrites)
	assert.Equal(t, 3, sim.statusRequests)
}

func TestFlashSessionSetupFailure(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	sim := newSimBootloader(hub, idA, heaterClass)
	sim.answerSession = false

	f := flashing.NewFlasher(bus, fastOptions(flashing.WithRetries(3))...)
	err := f.FlashFirmwareBlob(context.Background(), testBlob(), []flashing.FirmwareInfo{{DeviceID: idA}})

	var setup *flashing.SessionSetupFailedError
	require.True(t, errors.As(err, &setup))
	assert.Equal(t, []jdpacket.DeviceID{idA}, setup.Devices)
	assert.ErrorIs(t, err, flashing.ErrTooManyRetries)
	assert.Equal(t, 2, sim.Resets(), "devices are reset even when flashing fails")
	assert.Nil(t, sim.Page(0x8000))
}

func TestFlashPageWriteFailure(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	sim := newSimBootloader(hub, idA, heaterClass)
	sim.pageError = 5

	f := flashing.NewFlasher(bus, fastOptions(flashing.WithRetries(2))...)
	err := f.FlashFirmwareBlob(context.Background(), testBlob(), []flashing.FirmwareInfo{{DeviceID: idA}})

	var pageErr *flashing.PageWriteFailedError
	require.ErrorAs(t, err, &pageErr)
	assert.Equal(t, uint32(0x8000), pageErr.PageAddress)
	assert.Equal(t, "error 0x5", pageErr.LastReason)
	assert.ErrorIs(t, err, flashing.ErrTooManyRetries)
	assert.Equal(t, 2, sim.Resets())
}

func TestFlashCancelStillResets(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	sim := newSimBootloader(hub, idA, heaterClass)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := flashing.NewFlasher(bus, fastOptions(flashing.WithProgress(func(p flashing.Progress) {
		if p.Phase == flashing.PhaseWriting {
			cancel()
		}
	}))...)

	err := f.FlashFirmwareBlob(ctx, testBlob(), []flashing.FirmwareInfo{{DeviceID: idA}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, sim.Resets())
	sim.mu.Lock()
	defer sim.mu.Unlock()
	assert.Equal(t, 1, sim.statusRequests)
}

func TestFlashWrongFlasherCount(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	newSimBootloader(hub, idA, heaterClass)

	f := flashing.NewFlasher(bus, fastOptions()...)
	err := f.FlashFirmwareBlob(context.Background(), testBlob(), []flashing.FirmwareInfo{{DeviceID: idA}, {DeviceID: idB}})

	var wrong *flashing.WrongFlasherCountError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, 2, wrong.Expected)
	assert.Equal(t, 1, wrong.Got)
}

func TestFlashNoMatchingBootloader(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	newSimBootloader(hub, idA, 0x3f00ffff)

	f := flashing.NewFlasher(bus, fastOptions()...)
	err := f.FlashFirmwareBlob(context.Background(), testBlob(), []flashing.FirmwareInfo{{DeviceID: idA}})
	assert.ErrorIs(t, err, flashing.ErrNoDevicesToFlash)
}

func TestFlashNoCandidates(t *testing.T) {
	hub := jdtest.NewHub()
	bus := newWallBus(t, hub)
	f := flashing.NewFlasher(bus, fastOptions()...)
	assert.NoError(t, f.FlashFirmwareBlob(context.Background(), testBlob(), nil))
}
