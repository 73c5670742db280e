// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/flashing"
	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(&exitError{code: 2, err: errors.New("no port")}))

	assert.Equal(t, "", Message(&exitError{code: 1}))
	assert.Equal(t, "no port", Message(&exitError{code: 2, err: errors.New("no port")}))
	assert.Equal(t, "boom", Message(errors.New("boom")))
}

func TestParseValues(t *testing.T) {
	layout := jdpacket.MustParseLayout("u8 i16 u16.16 f32 z b")
	values, err := parseValues(layout, []string{"0x10", "-3", "1.5", "2.25", "name", "0x0aff"})
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(16), int64(-3), 1.5, 2.25, "name", []byte{0x0a, 0xff}}, values)

	data, err := layout.Pack(values...)
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(16), int64(-3), 1.5, 2.25, "name", []byte{0x0a, 0xff}}, layout.Unpack(data))
}

func TestParseValuesBool(t *testing.T) {
	values, err := parseValues(jdpacket.MustParseLayout("u8"), []string{"on"})
	require.NoError(t, err)
	assert.Equal(t, []any{true}, values)
}

func TestParseValuesErrors(t *testing.T) {
	_, err := parseValues(jdpacket.MustParseLayout("u8"), []string{"1", "2"})
	assert.Error(t, err)

	_, err = parseValues(jdpacket.MustParseLayout("u8"), []string{"lots"})
	assert.Error(t, err)

	_, err = parseValues(jdpacket.MustParseLayout("b"), []string{"0xzz"})
	assert.Error(t, err)
}

func TestFieldIndexWrapsRepeats(t *testing.T) {
	layout := jdpacket.MustParseLayout("u8 r: u16 u32")
	got := make([]int, 6)
	for i := range got {
		got[i] = fieldIndex(layout, i)
	}
	assert.Equal(t, []int{0, 1, 2, 1, 2, 1}, got)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0 seconds", formatUptime(0))
	assert.Equal(t, "1 minute and 5 seconds", formatUptime(65_000))
	assert.Equal(t, "1 day and 1 hour", formatUptime(25*3600*1000))
	assert.Equal(t, "1 hour, 1 minute, and 1 second", formatUptime(3661_000))
}

func TestPlanUpdates(t *testing.T) {
	blob := &flashing.FirmwareBlob{DeviceClass: 0x3f00aa01, Version: "v2.0"}
	other := &flashing.FirmwareBlob{DeviceClass: 0x3f00aa02, Version: "v1.1"}
	infos := []flashing.FirmwareInfo{
		{DeviceID: jdpacket.DeviceID{1}, BootloaderFirmwareIdentifier: 0x3f00aa01, Version: "v1.0"},
		{DeviceID: jdpacket.DeviceID{2}, BootloaderFirmwareIdentifier: 0x3f00aa01, Version: "v2.0"},
		{DeviceID: jdpacket.DeviceID{3}, BootloaderFirmwareIdentifier: 0x3f00aa02, Version: "v1.0"},
		{DeviceID: jdpacket.DeviceID{4}, BootloaderFirmwareIdentifier: 0x12345678, Version: "v1.0"},
	}
	blobs := []*flashing.FirmwareBlob{blob, other}

	updates := planUpdates(infos, blobs, false)
	require.Len(t, updates, 2)
	assert.Equal(t, jdpacket.DeviceID{1}, updates[0].Device.DeviceID)
	assert.Equal(t, jdpacket.DeviceID{3}, updates[1].Device.DeviceID)

	forced := planUpdates(infos, blobs, true)
	require.Len(t, forced, 3)

	groups := groupUpdates(forced)
	assert.Len(t, groups[blob], 2)
	assert.Len(t, groups[other], 1)
}

func newMonitorBus(t *testing.T) (*jdom.Bus, *jdtest.Hub) {
	t.Helper()
	hub := jdtest.NewHub()
	bus := jdom.NewBus(hub.Endpoint(),
		jdom.WithScheduler(jdtest.NewManualScheduler()),
		jdom.WithAnnounceInterval(0),
	)
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, hub
}

func TestMonitorListsAnnouncedDevices(t *testing.T) {
	bus, hub := newMonitorBus(t)
	id := jdpacket.DeviceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	sim := jdtest.NewSimDevice(hub, id, jdpacket.ServiceClassButton, jdpacket.ServiceClassServo)
	require.NoError(t, sim.Announce())

	dev := bus.Device(id)
	require.NotNil(t, dev)

	m := newMonitorModel(bus, "test", time.Minute)
	next, _ := m.Update(busBatchMsg{events: []jdom.BusEvent{
		{Kind: jdom.EventDeviceConnect, Device: dev},
		{Kind: jdom.EventDeviceAnnounce, Device: dev},
	}})
	m = next.(monitorModel)

	items := m.deviceList.Items()
	require.Len(t, items, 1)
	item := items[0].(deviceItem)
	assert.Equal(t, id.ShortID(), item.Title())
	assert.Equal(t, "button servo", item.Description())
	assert.Same(t, dev, m.selectedDevice())

	require.Len(t, m.eventLog, 3)
	assert.Contains(t, m.eventLog[1].message, "found")
	assert.Contains(t, m.eventLog[2].message, "announced 2 services")
}

func TestMonitorLogKeepsLastEntries(t *testing.T) {
	bus, _ := newMonitorBus(t)
	m := newMonitorModel(bus, "test", time.Minute)
	for i := range maxLogEntries + 10 {
		m.addLogEntry(fmt.Sprintf("entry %d", i), false)
	}
	require.Len(t, m.eventLog, maxLogEntries)
	assert.Equal(t, fmt.Sprintf("entry %d", maxLogEntries+9), m.eventLog[maxLogEntries-1].message)
}

func TestMonitorConnectionMessages(t *testing.T) {
	bus, _ := newMonitorBus(t)
	m := newMonitorModel(bus, "serial /dev/ttyUSB0", time.Minute)

	next, _ := m.Update(connectionLostMsg{})
	m = next.(monitorModel)
	assert.True(t, m.connectionLost)
	assert.Nil(t, m.identifySelected())
	assert.True(t, m.eventLog[len(m.eventLog)-1].isError)

	next, _ = m.Update(reconnectedMsg{connInfo: "serial /dev/ttyUSB1"})
	m = next.(monitorModel)
	assert.False(t, m.connectionLost)
	assert.Equal(t, "serial /dev/ttyUSB1", m.connInfo)
}

func TestDeviceItemLost(t *testing.T) {
	id := jdpacket.DeviceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	item := deviceItem{id: id, lost: true}
	assert.Equal(t, id.ShortID()+" (lost)", item.Title())
	assert.Equal(t, "no services", item.Description())

	item.firmware = "button board"
	assert.Equal(t, "button board", item.Description())
}
