// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	showAll       bool
	statsInterval int
	errorsRecord  string
)

var errorDetectionCmd = &cobra.Command{
	Use:     "error-detection",
	Aliases: []string{"error_detection"},
	Short:   "Detect and analyze corrupted frames",
	Long: `Track frame errors on the bus with periodic statistics.

Each received frame is checked and the following are reported:
  - CRC mismatches (frame header CRC against the received bytes)
  - Malformed frames (packet sizes running past the frame end)
  - Device restarts, seen as a reset announce counter
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid packets too.
The monitor command shows the same statistics in a terminal UI.`,
	Args: cobra.NoArgs,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().StringVar(&errorsRecord, "record", "", "Record every frame to a trace file")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openBus(ctx, errorsRecord)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	fmt.Printf("jdbus - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", s.desc)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	unsub := s.bus.Subscribe(func(ev jdom.BusEvent) {
		switch ev.Kind {
		case jdom.EventFrameError:
			printFrameError(ev.Frame, ev.Err)
		case jdom.EventDeviceRestart:
			printRestart(ev.Device)
		case jdom.EventPacketReceive, jdom.EventPacketAnnounce:
			if showAll {
				fmt.Print(jdpacket.FormatPacket(ev.Packet))
			}
		}
	})
	defer unsub()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			stats := s.bus.Stats()
			fmt.Println()
			fmt.Print(stats.String())
			return nil
		case <-s.Done():
			return &exitError{code: 2, err: fmt.Errorf("connection closed")}
		case <-statsTicker.C:
			stats := s.bus.Stats()
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}

// printFrameError prints a rejected frame in highlighted format
func printFrameError(f *jdpacket.Frame, err error) {
	timestamp := time.Now().Format("15:04:05.000")

	var pe *jdpacket.ProtocolError
	switch {
	case jdpacket.IsCRCMismatch(err):
		errors.As(err, &pe)
		fmt.Printf("[%s] \033[1;31mCRC ERROR:\033[0m frame from %s\n", timestamp, frameSource(f))
		fmt.Printf("  CRC: header=0x%04X computed=0x%04X\n", pe.Actual, pe.Expected)
	case errors.As(err, &pe):
		fmt.Printf("[%s] \033[1;33mMALFORMED FRAME:\033[0m from %s\n", timestamp, frameSource(f))
		fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")
		fmt.Printf("  Issue: %s at payload offset %d\n", pe.Reason, pe.Offset)
	default:
		fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	}
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

func frameSource(f *jdpacket.Frame) string {
	if f == nil {
		return "unknown device"
	}
	return f.DeviceID.String()
}

// printRestart prints a device restart
func printRestart(d *jdom.Device) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mRESTART:\033[0m %s (restart counter %d)\n\n", timestamp, d.ID(), d.RestartCounter())
}
