// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashing

import (
	"bytes"
	"context"
	"encoding/binary"
	"slices"
	"sync"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Bootloader service protocol
const (
	bootloaderServiceIndex = 1

	BLCmdInfo       = 0x00
	BLCmdPageData   = 0x80
	BLCmdSetSession = 0x81

	scanStep = 10 * time.Millisecond

	// DefaultScanWindow is how long ScanFirmwares listens by default
	DefaultScanWindow = 300 * time.Millisecond
)

var firmwareRegisters = []uint16{
	jdpacket.ControlRegBootloaderFirmwareID,
	jdpacket.ControlRegFirmwareIdentifier,
	jdpacket.ControlRegFirmwareVersion,
	jdpacket.ControlRegDeviceDescription,
}

// FirmwareInfo describes the firmware a device is running
type FirmwareInfo struct {
	DeviceID                     jdpacket.DeviceID
	Version                      string
	Name                         string
	FirmwareIdentifier           uint32
	BootloaderFirmwareIdentifier uint32
}

// BootloaderInfo describes a device waiting in its bootloader
type BootloaderInfo struct {
	DeviceID    jdpacket.DeviceID
	DeviceClass uint32
	PageSize    uint32
	FlashSize   uint32
}

// ScanResult holds what a scan heard back
type ScanResult struct {
	Firmwares   []FirmwareInfo
	Bootloaders []BootloaderInfo
}

type scanCollector struct {
	mu          sync.Mutex
	firmwares   map[jdpacket.DeviceID]*FirmwareInfo
	bootloaders map[jdpacket.DeviceID]*BootloaderInfo
}

func (c *scanCollector) handle(ev jdom.BusEvent) {
	if ev.Kind != jdom.EventPacketReceive || ev.Packet == nil || !ev.Packet.IsReport() {
		return
	}
	pkt := ev.Packet
	data := pkt.Data()
	id := pkt.DeviceID()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case pkt.ServiceIndex() == jdpacket.ServiceIndexControl && pkt.IsRegisterGet():
		fw := c.firmwares[id]
		if fw == nil {
			fw = &FirmwareInfo{DeviceID: id}
			c.firmwares[id] = fw
		}
		switch pkt.RegisterCode() {
		case jdpacket.ControlRegBootloaderFirmwareID:
			fw.BootloaderFirmwareIdentifier = u32(data, 0)
		case jdpacket.ControlRegFirmwareIdentifier:
			fw.FirmwareIdentifier = u32(data, 0)
		case jdpacket.ControlRegFirmwareVersion:
			fw.Version = string(bytes.TrimRight(data, "\x00"))
		case jdpacket.ControlRegDeviceDescription:
			fw.Name = string(bytes.TrimRight(data, "\x00"))
		}

	case pkt.ServiceIndex() == bootloaderServiceIndex && pkt.ServiceCommand() == BLCmdInfo &&
		len(data) >= 16 && u32(data, 0) == jdpacket.ServiceClassBootloader:
		c.bootloaders[id] = &BootloaderInfo{
			DeviceID:    id,
			PageSize:    u32(data, 4),
			FlashSize:   u32(data, 8),
			DeviceClass: u32(data, 12),
		}
	}
}

// scan broadcasts firmware register gets and bootloader info requests tries
// times, collecting every answer heard in the meantime
func scan(ctx context.Context, bus *jdom.Bus, tries int, askFirmware bool) (ScanResult, error) {
	c := &scanCollector{
		firmwares:   make(map[jdpacket.DeviceID]*FirmwareInfo),
		bootloaders: make(map[jdpacket.DeviceID]*BootloaderInfo),
	}
	unsub := bus.Subscribe(c.handle)
	defer unsub()

	sched := bus.Scheduler()
	for i := 0; i < tries; i++ {
		if askFirmware {
			for _, reg := range firmwareRegisters {
				if err := bus.SendMulticommand(jdpacket.ServiceClassControl, jdpacket.NewRegisterGet(reg)); err != nil {
					return ScanResult{}, err
				}
				if err := jdom.Sleep(ctx, sched, scanStep); err != nil {
					return ScanResult{}, err
				}
			}
		}
		if err := bus.SendMulticommand(jdpacket.ServiceClassBootloader, jdpacket.NewPacket(BLCmdInfo, nil)); err != nil {
			return ScanResult{}, err
		}
		if err := jdom.Sleep(ctx, sched, scanStep); err != nil {
			return ScanResult{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var res ScanResult
	for _, fw := range c.firmwares {
		if fw.BootloaderFirmwareIdentifier == 0 {
			fw.BootloaderFirmwareIdentifier = fw.FirmwareIdentifier
		}
		if fw.FirmwareIdentifier == 0 {
			fw.FirmwareIdentifier = fw.BootloaderFirmwareIdentifier
		}
		if fw.BootloaderFirmwareIdentifier == 0 {
			continue
		}
		res.Firmwares = append(res.Firmwares, *fw)
	}
	for _, bl := range c.bootloaders {
		res.Bootloaders = append(res.Bootloaders, *bl)
	}
	slices.SortFunc(res.Firmwares, func(a, b FirmwareInfo) int { return bytes.Compare(a.DeviceID[:], b.DeviceID[:]) })
	slices.SortFunc(res.Bootloaders, func(a, b BootloaderInfo) int { return bytes.Compare(a.DeviceID[:], b.DeviceID[:]) })
	return res, nil
}

// ScanFirmwares asks every device for its firmware identity and listens for
// window. Devices in bootloader mode show up in Bootloaders.
func ScanFirmwares(ctx context.Context, bus *jdom.Bus, window time.Duration) (ScanResult, error) {
	tries := int(window / (50 * time.Millisecond))
	if tries < 1 {
		tries = 1
	}
	return scan(ctx, bus, tries, true)
}

// ScanBootloaders asks devices in bootloader mode to identify themselves
func ScanBootloaders(ctx context.Context, bus *jdom.Bus, tries int) ([]BootloaderInfo, error) {
	res, err := scan(ctx, bus, tries, false)
	return res.Bootloaders, err
}

// UpdateApplicable reports whether blob targets the device and carries a
// different version than it runs
func UpdateApplicable(info FirmwareInfo, blob *FirmwareBlob) bool {
	return blob != nil &&
		info.BootloaderFirmwareIdentifier == blob.DeviceClass &&
		info.Version != blob.Version
}

// Update pairs a device with the blob it should receive
type Update struct {
	Device FirmwareInfo
	Blob   *FirmwareBlob
}

// ComputeUpdates matches scanned devices against available blobs
func ComputeUpdates(infos []FirmwareInfo, blobs []*FirmwareBlob) []Update {
	var out []Update
	for _, info := range infos {
		for _, blob := range blobs {
			if UpdateApplicable(info, blob) {
				out = append(out, Update{Device: info, Blob: blob})
				break
			}
		}
	}
	return out
}

func u32(data []byte, off int) uint32 {
	if off+4 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[off:])
}
