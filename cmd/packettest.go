// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:     "packet-test",
	Aliases: []string{"packet_test"},
	Short:   "Test connection by waiting for a valid packet",
	Long: `Wait for a valid bus packet on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any frame
that passes the CRC check. Frames failing the check are counted and skipped.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for testing connectivity to a device or a WebSocket bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(packetTestTimeout)*time.Second)
	defer cancel()

	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	fmt.Printf("jdbus - Packet Test\n")
	fmt.Printf("Connection: %s\n", s.desc)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid packet...\n\n")

	packetChan := make(chan *jdpacket.Packet, 1)
	unsub := s.bus.Subscribe(func(ev jdom.BusEvent) {
		if ev.Kind != jdom.EventPacketReceive && ev.Kind != jdom.EventPacketAnnounce {
			return
		}
		select {
		case packetChan <- ev.Packet:
		default:
		}
	})
	defer unsub()

	select {
	case packet := <-packetChan:
		stats := s.bus.Stats()
		if bad := stats.ErrorCount(); bad > 0 {
			fmt.Printf("(skipped %d invalid frames before sync)\n", bad)
		}
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Printf("  Command: %s\n", jdpacket.FormatCommand(packet))
		fmt.Printf("  Device: %s\n", packet.DeviceID())
		fmt.Printf("  Service: %d\n", packet.ServiceIndex())
		fmt.Printf("  Length: %d bytes\n", packet.Size())
		fmt.Printf("  CRC: 0x%04X\n", packet.CRC())
		return nil

	case <-s.Done():
		return &exitError{code: 2, err: fmt.Errorf("connection closed")}

	case <-ctx.Done():
		fmt.Printf("TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		return &exitError{code: 1}
	}
}
