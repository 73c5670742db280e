// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/jdbus/pkg/flashing"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

var (
	flashForce   bool
	flashDryRun  bool
	flashDevices []string
)

var flashCmd = &cobra.Command{
	Use:   "flash <image.uf2>",
	Short: "Update device firmware from a UF2 image",
	Long: `Scan the bus for devices whose bootloader matches a firmware blob in the
image and flash every device running a different version.

Devices are flashed together, one blob at a time. Each device is reset at the
end whether or not the update succeeded.

Exit codes:
  0 - All updates applied (or nothing to do)
  1 - An update failed
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().BoolVar(&flashForce, "force", false, "Flash even when the device already runs the image version")
	flashCmd.Flags().BoolVar(&flashDryRun, "dry-run", false, "Only list the updates that would be applied")
	flashCmd.Flags().StringSliceVar(&flashDevices, "device", nil, "Only flash these device ids")
}

func runFlash(cmd *cobra.Command, args []string) error {
	blobs, err := flashing.ParseImageFile(args[0])
	if err != nil {
		return err
	}
	only := make(map[jdpacket.DeviceID]bool)
	for _, s := range flashDevices {
		id, err := jdpacket.ParseDeviceID(s)
		if err != nil {
			return err
		}
		only[id] = true
	}

	fmt.Printf("jdbus - Firmware Update\n")
	fmt.Printf("Image: %s\n", args[0])
	for _, b := range blobs {
		fmt.Printf("  %s\n", b)
	}

	ctx := cmd.Context()
	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()
	fmt.Printf("Connection: %s\n\n", s.desc)

	scan, err := flashing.ScanFirmwares(ctx, s.bus, cfg.Flashing.ScanWindow)
	if err != nil {
		return err
	}

	var updates []flashing.Update
	for _, u := range planUpdates(scan.Firmwares, blobs, flashForce) {
		if len(only) == 0 || only[u.Device.DeviceID] {
			updates = append(updates, u)
		}
	}
	if len(updates) == 0 {
		fmt.Printf("No updates to apply (%d devices scanned)\n", len(scan.Firmwares))
		return nil
	}

	for _, u := range updates {
		current := u.Device.Version
		if current == "" {
			current = "unknown"
		}
		fmt.Printf("%s: %s -> %s\n", u.Device.DeviceID, current, u.Blob.Version)
	}
	if flashDryRun {
		return nil
	}

	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	flasher := flashing.NewFlasher(s.bus,
		flashing.WithLogger(logger),
		flashing.WithRetries(cfg.Flashing.Retries),
		flashing.WithProgress(func(p flashing.Progress) {
			if interactive {
				fmt.Printf("\r%s %-10s", bar.ViewAs(p.Fraction), p.Phase)
			}
		}),
	)

	failed := 0
	for blob, cands := range groupUpdates(updates) {
		fmt.Printf("\nFlashing %s to %d device(s)\n", blob, len(cands))
		if err := flasher.FlashFirmwareBlob(ctx, blob, cands); err != nil {
			fmt.Printf("\nFAILED: %v\n", err)
			failed++
			continue
		}
		fmt.Printf("\nDone\n")
	}

	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// planUpdates matches scanned devices to blobs. With force the version check
// is skipped and any device whose bootloader takes the blob is updated.
func planUpdates(infos []flashing.FirmwareInfo, blobs []*flashing.FirmwareBlob, force bool) []flashing.Update {
	if !force {
		return flashing.ComputeUpdates(infos, blobs)
	}
	var out []flashing.Update
	for _, info := range infos {
		for _, blob := range blobs {
			if info.BootloaderFirmwareIdentifier == blob.DeviceClass {
				out = append(out, flashing.Update{Device: info, Blob: blob})
				break
			}
		}
	}
	return out
}

// groupUpdates collects the devices that take each blob
func groupUpdates(updates []flashing.Update) map[*flashing.FirmwareBlob][]flashing.FirmwareInfo {
	out := make(map[*flashing.FirmwareBlob][]flashing.FirmwareInfo)
	for _, u := range updates {
		out[u.Blob] = append(out[u.Blob], u.Device)
	}
	return out
}
