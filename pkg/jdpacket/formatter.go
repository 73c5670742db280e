// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

var serviceClassNames = map[uint32]string{
	ServiceClassControl:       "control",
	ServiceClassBootloader:    "bootloader",
	ServiceClassRoleManager:   "roleManager",
	ServiceClassLogger:        "logger",
	ServiceClassSettings:      "settings",
	ServiceClassButton:        "button",
	ServiceClassThermometer:   "thermometer",
	ServiceClassServo:         "servo",
	ServiceClassPower:         "power",
	ServiceClassMotor:         "motor",
	ServiceClassSlider:        "potentiometer",
	ServiceClassRotaryEncoder: "rotaryEncoder",
}

// ServiceClassName returns the short name of a known service class, or its hex value
func ServiceClassName(class uint32) string {
	if name, ok := serviceClassNames[class]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", class)
}

// ServiceClassByName resolves a service class from its short name or a hex literal
func ServiceClassByName(name string) (uint32, bool) {
	for class, n := range serviceClassNames {
		if strings.EqualFold(n, name) {
			return class, true
		}
	}
	var class uint32
	if _, err := fmt.Sscanf(name, "0x%x", &class); err == nil {
		return class, true
	}
	return 0, false
}

// FormatCommand returns a human-readable description of a service command
func FormatCommand(p *Packet) string {
	cmd := p.ServiceCommand()
	switch {
	case p.IsCRCAck():
		return fmt.Sprintf("CRC_ACK 0x%04X", cmd)
	case p.IsPipe():
		kind := "DATA"
		if p.PipeType()&PipeMetadataMask != 0 {
			kind = "META"
		}
		if p.PipeType()&PipeCloseMask != 0 {
			kind += "|CLOSE"
		}
		return fmt.Sprintf("PIPE port=%d count=%d %s", p.PipePort(), p.PipeCount(), kind)
	case p.IsAnnounce():
		return "ANNOUNCE"
	case p.IsEvent():
		return fmt.Sprintf("EVENT 0x%02X #%d", p.EventCode(), p.EventCounter())
	case p.IsRegisterGet():
		return fmt.Sprintf("GET_REG 0x%03X", p.RegisterCode())
	case p.IsRegisterSet():
		return fmt.Sprintf("SET_REG 0x%03X", p.RegisterCode())
	default:
		return fmt.Sprintf("CMD 0x%04X", cmd)
	}
}

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	dir := "REPORT"
	if p.IsCommand() {
		dir = "COMMAND"
	}

	target := p.DeviceID().String()
	if class, ok := p.MulticommandClass(); ok {
		target = "*" + ServiceClassName(class)
	}

	flags := ""
	if p.RequiresAck() {
		flags = " ack"
	}

	result := fmt.Sprintf("[%s] %s %s/%d %s len=%d%s\n",
		timestamp, dir, target, p.ServiceIndex(), FormatCommand(p), p.Size(), flags)

	if p.IsAnnounce() {
		result += FormatAnnounce(p.Data())
	} else if p.Size() > 0 {
		result += "  " + hex.EncodeToString(p.Data()) + "\n"
	}
	return result
}

// FormatAnnounce formats the service list carried by an announce report
func FormatAnnounce(data []byte) string {
	if len(data) < AnnounceServicesOffset {
		return "  (empty announce)\n"
	}
	flags := binary.LittleEndian.Uint32(data[0:4])
	result := fmt.Sprintf("  Restart counter: %d, Ack: %t\n",
		flags&AnnounceRestartCounterMask, flags&AnnounceSupportsACK != 0)
	for i := AnnounceServicesOffset; i+4 <= len(data); i += 4 {
		class := binary.LittleEndian.Uint32(data[i : i+4])
		result += fmt.Sprintf("  [%d] %s\n", i/4, ServiceClassName(class))
	}
	return result
}
