// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping <device-id>",
	Short: "Measure round trips to a device with acknowledged commands",
	Long: `Send acknowledged no-op commands to a device and wait for each CRC ack.

After the pings the device uptime register is read so the output shows the
device is alive and how long it has been running.

This is useful for verifying:
  - the connection carries traffic both ways
  - the device answers ack requests
  - the round trip time over serial or a WebSocket bridge

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	id, err := jdpacket.ParseDeviceID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	fmt.Printf("jdbus - Ping\n")
	fmt.Printf("Connection: %s\n", s.desc)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	dev, err := waitDevice(ctx, s.bus, id, time.Duration(pingTimeout)*time.Second)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	successCount := 0
	failCount := 0
	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		pctx, cancel := context.WithTimeout(ctx, time.Duration(pingTimeout)*time.Second)
		start := time.Now()
		err := dev.SendWithAck(pctx, jdpacket.ServiceIndexControl, jdpacket.NewControlCommand(jdpacket.ControlCmdNoop))
		cancel()
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("ACK from %s, rtt=%v\n", dev.ID().ShortID(), time.Since(start).Round(time.Millisecond))
			successCount++
		}

		if i < pingCount {
			if err := jdom.Sleep(ctx, s.bus.Scheduler(), 100*time.Millisecond); err != nil {
				return err
			}
		}
	}

	if ms, err := readUptime(ctx, dev, time.Duration(pingTimeout)*time.Second); err == nil {
		fmt.Printf("\nDevice uptime: %s\n", formatUptime(ms))
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acks received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// waitDevice asks the bus to announce and waits for the device to appear
func waitDevice(ctx context.Context, bus *jdom.Bus, id jdpacket.DeviceID, timeout time.Duration) (*jdom.Device, error) {
	if err := requestAnnounce(bus); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return bus.WaitForDevice(wctx, id)
}

// readUptime refreshes the uptime register of a device and returns it in
// milliseconds
func readUptime(ctx context.Context, dev *jdom.Device, timeout time.Duration) (uint64, error) {
	reg := dev.Service(jdpacket.ServiceIndexControl).Register(jdpacket.ControlRegUptime)
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := reg.Refresh(rctx); err != nil {
		return 0, err
	}
	data := reg.Data()
	if len(data) < 8 {
		return 0, fmt.Errorf("%s: short uptime report (%d bytes)", dev, len(data))
	}
	return binary.LittleEndian.Uint64(data) / 1000, nil
}
