// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import "github.com/sigurn/crc16"

// crcTable is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF)
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CalculateCRC computes the frame checksum for the given data
func CalculateCRC(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// frameCRC computes the checksum of an encoded frame, which covers everything
// after the CRC field up to the end of the declared payload.
func frameCRC(frame []byte) uint16 {
	return CalculateCRC(frame[2 : HeaderSize+int(frame[2])])
}
