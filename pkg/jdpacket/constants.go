// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package jdpacket implements the frame and packet codec of the jdbus device bus.
//
// A frame is a 12-byte header (CRC16, payload size, flags, device identifier)
// followed by one or more packets. Each packet carries a 4-byte sub-header
// (data size, service index, service command) and up to 236 bytes of data.
// This package provides frame encoding/decoding, CRC validation, splitting of
// compressed frames, field layout packing and a byte-stuffed stream framing for
// serial links.
package jdpacket

// Frame layout
const (
	HeaderSize       = 12 // crc16 + size + flags + device id
	PacketHeaderSize = 4  // packet size + service index + service command
	MaxPayloadSize   = 236
	MaxFrameDataSize = PacketHeaderSize + MaxPayloadSize
	MaxFrameSize     = HeaderSize + MaxFrameDataSize
	DeviceIDSize     = 8
)

// Frame flags
const (
	FlagCommand                  = 0x01
	FlagAckRequested             = 0x02
	FlagIdentifierIsServiceClass = 0x04
)

// Service indices
const (
	ServiceIndexControl    = 0x00
	ServiceIndexMaxNormal  = 0x30
	ServiceIndexBroadcast  = 0x3d
	ServiceIndexPipe       = 0x3e
	ServiceIndexCRCAck     = 0x3f
	ServiceIndexMask       = 0x3f
	ServiceIndexInvMask    = 0xc0
	BroadcastHighMark      = 0xAAAAAAAA
	MaxServicesPerDevice   = ServiceIndexMaxNormal
	AnnounceServicesOffset = 4
)

// Service command encoding
const (
	CmdAdvertisementData = 0x0000
	CmdGetReg            = 0x1000
	CmdSetReg            = 0x2000
	CmdTopMask           = 0xf000
	CmdRegMask           = 0x0fff
	CmdEventMask         = 0x8000
	CmdEventCodeMask     = 0xff
	CmdEventCounterMask  = 0x7f
	CmdEventCounterPos   = 8
)

// Pipe command word layout
const (
	PipePortShift    = 7
	PipeCounterMask  = 0x1f
	PipeCloseMask    = 0x20
	PipeMetadataMask = 0x40
)

// Announce flags (first u32 of the control service announce report)
const (
	AnnounceRestartCounterMask = 0x0f
	AnnounceSupportsACK        = 0x100
	AnnounceSupportsBroadcast  = 0x200
	AnnounceSupportsFrames     = 0x400
	AnnounceIsClient           = 0x800
)

// Service classes
const (
	ServiceClassControl       = 0x00000000
	ServiceClassBootloader    = 0x1ffa9948
	ServiceClassRoleManager   = 0x1e4b7e66
	ServiceClassLogger        = 0x12dc1fca
	ServiceClassSettings      = 0x1107dc4a
	ServiceClassButton        = 0x1473a263
	ServiceClassThermometer   = 0x1421bac7
	ServiceClassServo         = 0x12fc9103
	ServiceClassPower         = 0x1fa4c95a
	ServiceClassMotor         = 0x17004cd8
	ServiceClassSlider        = 0x1f274746
	ServiceClassRotaryEncoder = 0x10fa29c9
)

// Control service commands
const (
	ControlCmdServices       = 0x00
	ControlCmdNoop           = 0x80
	ControlCmdIdentify       = 0x81
	ControlCmdReset          = 0x82
	ControlCmdFloodPing      = 0x83
	ControlCmdSetStatusLight = 0x84
)

// Control service registers
const (
	ControlRegResetIn              = 0x80
	ControlRegDeviceDescription    = 0x180
	ControlRegProductIdentifier    = 0x181
	ControlRegMcuTemperature       = 0x182
	ControlRegBootloaderProductID  = 0x184
	ControlRegFirmwareVersion      = 0x185
	ControlRegUptime               = 0x186
	ControlRegFirmwareIdentifier   = ControlRegProductIdentifier
	ControlRegBootloaderFirmwareID = ControlRegBootloaderProductID
)

// Common register codes shared by sensor and actuator services
const (
	RegIntensity         = 0x01
	RegValue             = 0x02
	RegMinValue          = 0x110
	RegMaxValue          = 0x111
	RegStreamingSamples  = 0x03
	RegStreamingInterval = 0x04
	RegReading           = 0x101
	RegReadingError      = 0x106
	RegMinReading        = 0x104
	RegMaxReading        = 0x105
	RegVariant           = 0x107
	RegStatusCode        = 0x103
	RegInstanceName      = 0x109
)

// Common event codes
const (
	EventActive        = 0x01
	EventInactive      = 0x02
	EventChange        = 0x03
	EventStatusChanged = 0x04
)
