// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// UF2 container constants
const (
	BlockSize       = 512
	blockHeaderSize = 32
	maxBlockPayload = BlockSize - blockHeaderSize - 4

	magicStart0 = 0x0A324655
	magicStart1 = 0x9E5D5157
	magicEnd    = 0x0AB16F30

	flagExtensionTags = 0x8000

	DefaultPageSize = 1024
)

// Extension tag designators
const (
	tagVersion     = 0x9fc7bc
	tagName        = 0x650d9d
	tagPageSize    = 0x0be9f7
	tagDeviceClass = 0xc8a729
)

// FirmwarePage is one page-aligned chunk of an image
type FirmwarePage struct {
	TargetAddress uint32
	Data          []byte
}

// FirmwareBlob is a parsed firmware image for one device class
type FirmwareBlob struct {
	Pages       []FirmwarePage
	DeviceClass uint32
	PageSize    int
	Name        string
	Version     string
	Store       string
}

func (b *FirmwareBlob) String() string {
	return fmt.Sprintf("%s %s (0x%08x, %d pages)", b.Name, b.Version, b.DeviceClass, len(b.Pages))
}

// ParseImageFile reads and parses a UF2 file
func ParseImageFile(path string) ([]*FirmwareBlob, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	blobs, err := ParseImage(buf)
	if err != nil {
		return nil, err
	}
	for _, b := range blobs {
		b.Store = filepath.Base(path)
	}
	return blobs, nil
}

// ParseImage splits a UF2 container into firmware blobs. A block with index
// zero starts a new blob. Bytes of a page not covered by any block are 0xFF.
func ParseImage(buf []byte) ([]*FirmwareBlob, error) {
	if len(buf)%BlockSize != 0 {
		return nil, &InvalidImageError{Offset: len(buf) - len(buf)%BlockSize, Reason: "truncated block"}
	}

	var blobs []*FirmwareBlob
	var cur *FirmwareBlob
	for off := 0; off < len(buf); off += BlockSize {
		block := buf[off : off+BlockSize]
		word := func(i int) uint32 { return binary.LittleEndian.Uint32(block[i*4:]) }

		if word(0) != magicStart0 || word(1) != magicStart1 ||
			binary.LittleEndian.Uint32(block[BlockSize-4:]) != magicEnd {
			return nil, &InvalidImageError{Offset: off, Reason: "bad magic"}
		}
		flags, target, size, index, family := word(2), word(3), int(word(4)), word(5), word(7)
		if size > maxBlockPayload {
			return nil, &InvalidImageError{Offset: off, Reason: fmt.Sprintf("payload size %d", size)}
		}

		if index == 0 {
			cur = &FirmwareBlob{
				DeviceClass: family,
				PageSize:    DefaultPageSize,
				Name:        fmt.Sprintf("FW %x", family),
			}
			blobs = append(blobs, cur)
		}
		if cur == nil {
			return nil, &InvalidImageError{Offset: off, Reason: "first block index is not zero"}
		}

		if flags&flagExtensionTags != 0 {
			if err := parseTags(cur, block[blockHeaderSize+size:BlockSize-4]); err != nil {
				return nil, &InvalidImageError{Offset: off, Reason: err.Error()}
			}
		}

		if err := placePayload(cur, target, block[blockHeaderSize:blockHeaderSize+size]); err != nil {
			return nil, &InvalidImageError{Offset: off, Reason: err.Error()}
		}
	}
	return blobs, nil
}

func placePayload(b *FirmwareBlob, target uint32, payload []byte) error {
	pageSize := uint32(b.PageSize)
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of two", pageSize)
	}
	var page *FirmwarePage
	if n := len(b.Pages); n > 0 {
		last := &b.Pages[n-1]
		if last.TargetAddress <= target && target < last.TargetAddress+pageSize {
			page = last
		}
	}
	if page == nil {
		data := bytes.Repeat([]byte{0xff}, int(pageSize))
		b.Pages = append(b.Pages, FirmwarePage{TargetAddress: target &^ (pageSize - 1), Data: data})
		page = &b.Pages[len(b.Pages)-1]
	}
	start := int(target - page.TargetAddress)
	if start+len(payload) > len(page.Data) {
		return fmt.Errorf("payload at 0x%08x crosses a page boundary", target)
	}
	copy(page.Data[start:], payload)
	return nil
}

// parseTags reads size-prefixed extension tags: a byte length, a 3-byte
// designator, then the value, each tag padded to 4 bytes.
func parseTags(b *FirmwareBlob, buf []byte) error {
	for i := 0; i+4 <= len(buf); {
		sz := int(buf[i])
		if sz == 0 {
			break
		}
		if sz < 4 || i+sz > len(buf) {
			return fmt.Errorf("extension tag of %d bytes at %d", sz, i)
		}
		desig := binary.LittleEndian.Uint32(buf[i:]) >> 8
		value := buf[i+4 : i+sz]
		switch desig {
		case tagVersion:
			b.Version = string(bytes.TrimRight(value, "\x00"))
		case tagName:
			b.Name = string(bytes.TrimRight(value, "\x00"))
		case tagPageSize:
			if len(value) >= 4 {
				b.PageSize = int(binary.LittleEndian.Uint32(value))
			}
		case tagDeviceClass:
			if len(value) >= 4 {
				b.DeviceClass = binary.LittleEndian.Uint32(value)
			}
		}
		i += (sz + 3) &^ 3
	}
	return nil
}
