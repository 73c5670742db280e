// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/pkg/settings"
)

var (
	settingsTimeout int
	settingsHex     bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write the key/value settings store of a device",
	Long: `Access the settings service of a device on the bus.

Keys starting with "$" are secret: their values are never listed, only read
back with an explicit get.

  jdbus settings list
  jdbus settings get wifi.ssid
  jdbus settings set wifi.ssid home
  jdbus settings set '$wifi.psk' hunter2
  jdbus settings set calib 0a0b --hex
  jdbus settings delete wifi.ssid
  jdbus settings clear`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read one setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one setting",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var settingsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete one setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsDelete,
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every setting",
	Args:  cobra.NoArgs,
	RunE:  runSettingsClear,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd, settingsDeleteCmd, settingsClearCmd)
	settingsCmd.PersistentFlags().IntVar(&settingsTimeout, "timeout", 5, "Timeout in seconds")
	settingsCmd.PersistentFlags().BoolVar(&settingsHex, "hex", false, "Values are hex bytes")
}

// withSettings connects, finds the settings service and runs fn
func withSettings(cmd *cobra.Command, fn func(ctx context.Context, c *settings.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), settleWait+time.Duration(settingsTimeout)*time.Second)
	defer cancel()

	s, err := openBus(ctx, "")
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()
	if err := settle(ctx, s.bus); err != nil {
		return err
	}

	c, err := settings.FindClient(s.bus)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

// formatValue renders a value as text when it is printable, else as hex
func formatValue(v []byte) string {
	if settingsHex || !utf8.Valid(v) || strings.ContainsFunc(string(v), func(r rune) bool { return r < 0x20 }) {
		return "0x" + hex.EncodeToString(v)
	}
	return fmt.Sprintf("%q", v)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	return withSettings(cmd, func(ctx context.Context, c *settings.Client) error {
		entries, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Secret() {
				fmt.Printf("%-32s (secret)\n", e.Key)
				continue
			}
			fmt.Printf("%-32s %s\n", e.Key, formatValue(e.Value))
		}
		return nil
	})
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withSettings(cmd, func(ctx context.Context, c *settings.Client) error {
		v, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Printf("%s is not set\n", args[0])
			return &exitError{code: 1}
		}
		fmt.Printf("%s\n", formatValue(v))
		return nil
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	value := []byte(args[1])
	if settingsHex {
		v, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		value = v
	}
	return withSettings(cmd, func(ctx context.Context, c *settings.Client) error {
		return c.Set(ctx, args[0], value)
	})
}

func runSettingsDelete(cmd *cobra.Command, args []string) error {
	return withSettings(cmd, func(ctx context.Context, c *settings.Client) error {
		return c.Delete(ctx, args[0])
	})
}

func runSettingsClear(cmd *cobra.Command, args []string) error {
	return withSettings(cmd, func(ctx context.Context, c *settings.Client) error {
		return c.Clear(ctx)
	})
}
