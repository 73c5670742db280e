// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/internal/logging"
	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
	"github.com/Thermoquad/jdbus/pkg/trace"
	"github.com/Thermoquad/jdbus/pkg/transport"
)

var (
	replaySpeed    float64
	replayOutbound bool
	replayQuiet    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace-file>",
	Short: "Play a recorded trace into an offline bus",
	Long: `Feed the frames of a trace written by raw-log --record into a bus that
has no connection, printing each packet as it is decoded and the devices the
bus learned at the end.

--speed scales the recorded pacing; 0 replays as fast as possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "Playback speed factor (0 = as fast as possible)")
	replayCmd.Flags().BoolVar(&replayOutbound, "outbound", false, "Also replay frames this client sent")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print the summary")
}

func runReplay(cmd *cobra.Command, args []string) error {
	r, err := trace.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("jdbus - Trace Replay\n")
	fmt.Printf("Trace: %s\n", args[0])
	fmt.Printf("Session: %s\n", h.SessionID)
	fmt.Printf("Recorded: %s from %s\n\n", h.Started.Format(time.RFC3339), h.Source)

	ctx := cmd.Context()
	bus := jdom.NewBus(transport.NewOffline(args[0]), jdom.WithLogger(logger), jdom.WithAnnounceInterval(0))
	detach := logging.NewBusAdapter(logger).Attach(bus)
	defer detach()
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer bus.Close()

	// Recorded traffic is not refreshed by live devices
	bus.FreezeDevices()

	if !replayQuiet {
		unsub := bus.Subscribe(func(ev jdom.BusEvent) {
			switch ev.Kind {
			case jdom.EventFrameError:
				fmt.Printf("[ERROR] %v\n", ev.Err)
			case jdom.EventPacketReceive, jdom.EventPacketAnnounce:
				fmt.Print(jdpacket.FormatPacket(ev.Packet))
			}
		})
		defer unsub()
	}

	p := &trace.Player{Speed: replaySpeed, Outbound: replayOutbound}
	n, err := p.Play(ctx, r, bus)
	if err != nil {
		return fmt.Errorf("replay stopped after %d frames: %w", n, err)
	}

	stats := bus.Stats()
	fmt.Printf("\n--- Replay summary ---\n")
	fmt.Printf("Frames: %d\n", n)
	fmt.Printf("%s\n", stats.String())
	for _, d := range bus.Devices() {
		printDevice(d)
	}
	return nil
}
