// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdpacket

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	ValidFrames   uint64
	CRCErrors     uint64
	DecodeErrors  uint64
	SplitErrors   uint64
	TotalPackets  uint64
	AckRequests   uint64
	Announces     uint64
	Multicommands uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one received frame, the packets split from it and the
// first error reported by DecodeFrame or Split.
func (s *Statistics) Update(packets []*Packet, err error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	var pe *ProtocolError
	switch {
	case err == nil:
		s.ValidFrames++
	case IsCRCMismatch(err):
		s.CRCErrors++
	case errors.As(err, &pe):
		s.SplitErrors++
	default:
		s.DecodeErrors++
	}

	for _, p := range packets {
		s.TotalPackets++
		if p.RequiresAck() {
			s.AckRequests++
		}
		if p.IsAnnounce() {
			s.Announces++
		}
		if p.IsMulticommand() {
			s.Multicommands++
		}
	}
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.ErrorCount()) / elapsed
	}
}

// ErrorCount returns the number of frames that failed to decode cleanly
func (s *Statistics) ErrorCount() uint64 {
	return s.CRCErrors + s.DecodeErrors + s.SplitErrors
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.SplitErrors > 0 {
		result += fmt.Sprintf("Split Errors:    %8d (%.1f%%)\n", s.SplitErrors, percent(s.SplitErrors))
	}
	result += fmt.Sprintf("Packets:         %8d\n", s.TotalPackets)
	result += fmt.Sprintf("  Announces:        %5d\n", s.Announces)
	result += fmt.Sprintf("  Ack Requests:     %5d\n", s.AckRequests)
	result += fmt.Sprintf("  Multicommands:    %5d\n", s.Multicommands)
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
