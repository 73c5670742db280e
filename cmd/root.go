// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/internal/config"
	"github.com/Thermoquad/jdbus/internal/logging"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Global flags
	configPath string
	logLevel   string
	settleWait time.Duration

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "jdbus",
	Short: "Device bus client",
	Long: `jdbus - A CLI tool for talking to devices on a single-wire device bus.

Discovers devices, reads and writes registers, updates firmware, binds roles
and records bus traffic for later replay.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 1000000]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the JDBUS_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "jdbus.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&settleWait, "settle", time.Second, "Time to let devices announce before acting")
}

// loadConfig reads the configuration file and lets explicit flags override it
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		c.Transport.Port = portName
		c.Transport.URL = ""
	}
	if flags.Changed("baud") {
		c.Transport.Baud = baudRate
	}
	if flags.Changed("url") {
		c.Transport.URL = wsURL
		c.Transport.Port = ""
	}
	if flags.Changed("username") {
		c.Transport.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		c.Transport.Insecure = wsNoSSLVerify
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := config.Validate(c); err != nil {
		return err
	}

	l, err := logging.New(os.Stderr, c.Log.Level, c.Log.Format)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	cfg, logger = c, l
	return nil
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
