// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import (
	"strings"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// RegisterKind tells whether a register can be written, changes on its own or is fixed
type RegisterKind int

const (
	RegisterRW RegisterKind = iota
	RegisterRO
	RegisterConst
)

func (k RegisterKind) String() string {
	switch k {
	case RegisterRW:
		return "rw"
	case RegisterRO:
		return "ro"
	default:
		return "const"
	}
}

// kindFromCode derives the register kind from the code ranges used when a
// service has no table entry: 0x001-0x0ff read-write, 0x100-0x17f read-only,
// 0x180-0x1ff constant.
func kindFromCode(code uint16) RegisterKind {
	switch {
	case code >= 0x180:
		return RegisterConst
	case code >= 0x100:
		return RegisterRO
	default:
		return RegisterRW
	}
}

// RegisterSpec describes one register of a service
type RegisterSpec struct {
	Code   uint16
	Name   string
	Kind   RegisterKind
	Layout *jdpacket.Layout
	Fields []string
}

// EventSpec describes one event of a service
type EventSpec struct {
	Code   uint8
	Name   string
	Layout *jdpacket.Layout
	Fields []string
}

// ServiceSpec describes the registers and events of a service class
type ServiceSpec struct {
	Class     uint32
	Name      string
	Registers map[uint16]*RegisterSpec
	Events    map[uint8]*EventSpec
}

// Register returns the spec of a register code, or nil
func (s *ServiceSpec) Register(code uint16) *RegisterSpec {
	if s == nil {
		return nil
	}
	return s.Registers[code]
}

// RegisterByName returns the spec of a register by name, or nil
func (s *ServiceSpec) RegisterByName(name string) *RegisterSpec {
	if s == nil {
		return nil
	}
	for _, r := range s.Registers {
		if strings.EqualFold(r.Name, name) {
			return r
		}
	}
	return nil
}

// Event returns the spec of an event code, or nil
func (s *ServiceSpec) Event(code uint8) *EventSpec {
	if s == nil {
		return nil
	}
	return s.Events[code]
}

type regDef struct {
	code   uint16
	name   string
	kind   RegisterKind
	format string
	fields string
}

type eventDef struct {
	code   uint8
	name   string
	format string
	fields string
}

var registry = map[uint32]*ServiceSpec{}

func define(class uint32, name string, regs []regDef, events []eventDef) {
	s := &ServiceSpec{
		Class:     class,
		Name:      name,
		Registers: make(map[uint16]*RegisterSpec, len(regs)),
		Events:    make(map[uint8]*EventSpec, len(events)),
	}
	for _, r := range regs {
		s.Registers[r.code] = &RegisterSpec{
			Code:   r.code,
			Name:   r.name,
			Kind:   r.kind,
			Layout: jdpacket.MustParseLayout(r.format),
			Fields: strings.Fields(r.fields),
		}
	}
	for _, e := range events {
		es := &EventSpec{Code: e.code, Name: e.name, Fields: strings.Fields(e.fields)}
		if e.format != "" {
			es.Layout = jdpacket.MustParseLayout(e.format)
		}
		s.Events[e.code] = es
	}
	registry[class] = s
}

func init() {
	define(jdpacket.ServiceClassControl, "control", []regDef{
		{jdpacket.ControlRegResetIn, "reset_in", RegisterRW, "u32", "duration"},
		{jdpacket.ControlRegDeviceDescription, "device_description", RegisterConst, "s", "description"},
		{jdpacket.ControlRegProductIdentifier, "product_identifier", RegisterConst, "u32", "identifier"},
		{jdpacket.ControlRegMcuTemperature, "mcu_temperature", RegisterRO, "i16", "temperature"},
		{jdpacket.ControlRegBootloaderProductID, "bootloader_product_identifier", RegisterConst, "u32", "identifier"},
		{jdpacket.ControlRegFirmwareVersion, "firmware_version", RegisterConst, "s", "version"},
		{jdpacket.ControlRegUptime, "uptime", RegisterRO, "u64", "uptime"},
	}, nil)

	define(jdpacket.ServiceClassRoleManager, "roleManager", []regDef{
		{0x80, "auto_bind", RegisterRW, "u8", "enabled"},
		{0x181, "all_roles_allocated", RegisterRO, "u8", "allocated"},
	}, []eventDef{
		{jdpacket.EventChange, "change", "", ""},
	})

	define(jdpacket.ServiceClassSettings, "settings", nil, []eventDef{
		{jdpacket.EventChange, "change", "", ""},
	})

	define(jdpacket.ServiceClassLogger, "logger", []regDef{
		{0x80, "min_priority", RegisterRW, "u8", "priority"},
	}, nil)

	define(jdpacket.ServiceClassBootloader, "bootloader", nil, nil)

	define(jdpacket.ServiceClassButton, "button", []regDef{
		{jdpacket.RegReading, "pressure", RegisterRO, "u0.16", "pressure"},
		{jdpacket.RegStreamingSamples, "streaming_samples", RegisterRW, "u8", "samples"},
		{jdpacket.RegStreamingInterval, "streaming_interval", RegisterRW, "u32", "interval"},
	}, []eventDef{
		{0x01, "down", "", ""},
		{0x02, "up", "u32", "time"},
		{0x81, "hold", "u32", "time"},
	})

	define(jdpacket.ServiceClassThermometer, "thermometer", []regDef{
		{jdpacket.RegReading, "temperature", RegisterRO, "i22.10", "temperature"},
		{jdpacket.RegMinReading, "min_temperature", RegisterConst, "i22.10", "temperature"},
		{jdpacket.RegMaxReading, "max_temperature", RegisterConst, "i22.10", "temperature"},
		{jdpacket.RegReadingError, "temperature_error", RegisterRO, "u22.10", "error"},
		{jdpacket.RegStreamingSamples, "streaming_samples", RegisterRW, "u8", "samples"},
	}, nil)

	define(jdpacket.ServiceClassServo, "servo", []regDef{
		{jdpacket.RegIntensity, "enabled", RegisterRW, "u8", "enabled"},
		{jdpacket.RegValue, "angle", RegisterRW, "i16.16", "angle"},
		{0x81, "offset", RegisterRW, "i16.16", "offset"},
		{jdpacket.RegReading, "actual_angle", RegisterRO, "i16.16", "angle"},
		{jdpacket.RegMinValue, "min_angle", RegisterConst, "i16.16", "angle"},
		{jdpacket.RegMaxValue, "max_angle", RegisterConst, "i16.16", "angle"},
	}, nil)

	define(jdpacket.ServiceClassPower, "power", []regDef{
		{jdpacket.RegIntensity, "allowed", RegisterRW, "u8", "allowed"},
		{0x07, "max_power", RegisterRW, "u16", "milliamps"},
		{jdpacket.RegReading, "current_draw", RegisterRO, "u16", "milliamps"},
		{0x181, "power_status", RegisterRO, "u8", "status"},
	}, nil)

	define(jdpacket.ServiceClassMotor, "motor", []regDef{
		{jdpacket.RegIntensity, "enabled", RegisterRW, "u8", "enabled"},
		{jdpacket.RegValue, "speed", RegisterRW, "i1.15", "speed"},
		{0x180, "load_torque", RegisterConst, "u16.16", "torque"},
	}, nil)

	define(jdpacket.ServiceClassSlider, "potentiometer", []regDef{
		{jdpacket.RegReading, "position", RegisterRO, "u0.16", "position"},
		{jdpacket.RegVariant, "variant", RegisterConst, "u8", "variant"},
	}, nil)

	define(jdpacket.ServiceClassRotaryEncoder, "rotaryEncoder", []regDef{
		{jdpacket.RegReading, "position", RegisterRO, "i32", "position"},
		{0x180, "clicks_per_turn", RegisterConst, "u16", "clicks"},
	}, nil)
}

// LookupService returns the static description of a service class, or nil
func LookupService(class uint32) *ServiceSpec {
	return registry[class]
}

// LookupServiceByName returns the static description of a service by name, or nil
func LookupServiceByName(name string) *ServiceSpec {
	for _, s := range registry {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}
