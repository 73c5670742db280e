// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	discoveryTimeout int
	discoveryExpect  int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover devices via serial or WebSocket",
	Long: `Ask every device on the bus to announce itself and list what answers.

The announce request is multicast to the control service of every device.
Devices answer with their service list; firmware registers are read from each
device that answers so the summary can show what it runs.

Examples:
  # Direct serial discovery
  jdbus discovery --port /dev/ttyACM0

  # Discovery through a WebSocket bridge, stop once three devices answered
  jdbus discovery --url ws://bridge.local/bus --expect 3

Exit codes:
  0 - Discovery successful (at least one device found)
  1 - Discovery failed (no devices or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Timeout in seconds for discovery")
	discoveryCmd.Flags().IntVar(&discoveryExpect, "expect", 0, "Stop as soon as this many devices answered")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	fmt.Printf("jdbus - Device Discovery\n")
	fmt.Printf("Connection: %s\n", s.desc)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	enough := make(chan struct{})
	var once sync.Once
	unsub := s.bus.Subscribe(func(ev jdom.BusEvent) {
		if ev.Kind != jdom.EventDeviceAnnounce {
			return
		}
		fmt.Printf("Device found: %s (%d services)\n", ev.Device, len(ev.Device.ServiceClasses())-1)
		for _, reg := range []uint16{jdpacket.ControlRegFirmwareVersion, jdpacket.ControlRegDeviceDescription} {
			if err := ev.Device.SendCommand(jdpacket.ServiceIndexControl, jdpacket.NewRegisterGet(reg)); err != nil {
				logger.Debug("firmware register request failed", "device", ev.Device.String(), "error", err)
			}
		}
		if discoveryExpect > 0 && len(s.bus.Devices()) >= discoveryExpect {
			once.Do(func() { close(enough) })
		}
	})
	defer unsub()

	fmt.Printf("Sending announce request...\n")
	if err := requestAnnounce(s.bus); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("send failed: %w", err)}
	}

	select {
	case <-enough:
		// Give firmware register reports a moment to arrive
		_ = jdom.Sleep(ctx, s.bus.Scheduler(), 200*time.Millisecond)
	case <-ctx.Done():
	}

	devices := s.bus.Devices()
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID().String() < devices[j].ID().String()
	})

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Devices found: %d\n", len(devices))
	for _, d := range devices {
		printDevice(d)
	}

	if len(devices) == 0 {
		fmt.Printf("No devices discovered. Check connection and device power.\n")
		return &exitError{code: 1}
	}
	return nil
}

func printDevice(d *jdom.Device) {
	fmt.Printf("\n%s\n", d.ID())
	fw := d.Firmware()
	if fw.Description != "" {
		fmt.Printf("  Description: %s\n", fw.Description)
	}
	if fw.Version != "" {
		fmt.Printf("  Firmware: %s\n", fw.Version)
	}
	fmt.Printf("  Restarts: %d\n", d.RestartCounter())

	names := make([]string, 0, len(d.Services()))
	for _, svc := range d.Services() {
		if svc.Index() == jdpacket.ServiceIndexControl {
			continue
		}
		names = append(names, fmt.Sprintf("%d:%s", svc.Index(), svc.Name()))
	}
	fmt.Printf("  Services: %s\n", strings.Join(names, " "))
}
