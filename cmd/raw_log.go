// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	rawLogRecord   string
	rawLogNoAcks   bool
	rawLogOnlyFrom string
)

var rawLogCmd = &cobra.Command{
	Use:     "raw-log",
	Aliases: []string{"raw_log"},
	Short:   "Display raw packet log in human-readable format",
	Long: `Continuously decode and display bus packets as they arrive.

Each packet is shown with timestamp, direction, target device and service,
the decoded command and its payload. Frames failing the CRC are reported as
errors.

With --record every frame seen and sent is also written to a trace file that
the replay command can play back later.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogRecord, "record", "", "Write a trace of the session to this file")
	rawLogCmd.Flags().BoolVar(&rawLogNoAcks, "no-acks", false, "Hide CRC ack packets")
	rawLogCmd.Flags().StringVar(&rawLogOnlyFrom, "device", "", "Only show packets of this device id")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	var only jdpacket.DeviceID
	if rawLogOnlyFrom != "" {
		id, err := jdpacket.ParseDeviceID(rawLogOnlyFrom)
		if err != nil {
			return err
		}
		only = id
	}

	ctx := cmd.Context()
	s, err := openBus(ctx, rawLogRecord)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	fmt.Printf("jdbus - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", s.desc)
	if rawLogRecord != "" {
		fmt.Printf("Recording: %s\n", rawLogRecord)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	unsub := s.bus.Subscribe(func(ev jdom.BusEvent) {
		switch ev.Kind {
		case jdom.EventFrameError:
			fmt.Printf("[ERROR] %v\n", ev.Err)
		case jdom.EventPacketReceive, jdom.EventPacketAnnounce:
			p := ev.Packet
			if rawLogNoAcks && p.IsCRCAck() {
				return
			}
			if !only.IsZero() && p.DeviceID() != only {
				return
			}
			fmt.Print(jdpacket.FormatPacket(p))
		}
	})
	defer unsub()

	select {
	case <-ctx.Done():
	case <-s.Done():
		logger.Info("connection closed")
	}
	return nil
}
