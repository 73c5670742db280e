// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/jdbus/internal/logging"
	"github.com/Thermoquad/jdbus/pkg/jdom"
)

var (
	monitorRecord  string
	monitorLogFile string
	monitorRefresh time.Duration
)

const (
	batchInterval  = 50 * time.Millisecond
	eventQueueSize = 1024
	minBackoff     = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for watching devices on the bus",
	Long: `Watch the bus in an interactive terminal UI.

Features:
  - Live device list with services and firmware details
  - Device uptime, refreshed periodically
  - Frame statistics and error rates
  - Event log (devices found, lost, restarted and frame errors)
  - Identify the selected device (enter)
  - Automatic reconnection on connection loss

Log output would corrupt the screen, so it is discarded unless --log-file
is given.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorRecord, "record", "", "Record every frame to a trace file")
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Write log output to this file")
	monitorCmd.Flags().DurationVar(&monitorRefresh, "refresh", 5*time.Second, "Device uptime refresh interval")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	var w io.Writer = io.Discard
	if monitorLogFile != "" {
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		defer f.Close()
		w = f
	}
	l, err := logging.New(w, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger = l

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := openBus(ctx, monitorRecord)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	m := newMonitorModel(s.bus, s.desc, monitorRefresh)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	br := newBridge(s.bus, p)
	defer br.stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchConnection(ctx, s, p)
	}()

	_ = requestAnnounce(s.bus)

	_, err = p.Run()
	cancel()
	wg.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// bridge forwards bus events to the program in batches so that a busy bus
// does not flood the update loop
type bridge struct {
	events chan jdom.BusEvent
	unsub  func()
	done   chan struct{}
	wg     sync.WaitGroup
}

func newBridge(bus *jdom.Bus, p *tea.Program) *bridge {
	br := &bridge{
		events: make(chan jdom.BusEvent, eventQueueSize),
		done:   make(chan struct{}),
	}
	br.unsub = bus.Subscribe(func(ev jdom.BusEvent) {
		select {
		case br.events <- ev:
		default:
			// Dropped; the statistics bar still counts the frame
		}
	})
	br.wg.Add(1)
	go br.run(p)
	return br
}

func (br *bridge) run(p *tea.Program) {
	defer br.wg.Done()
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	var batch []jdom.BusEvent
	for {
		select {
		case <-br.done:
			return
		case ev := <-br.events:
			batch = append(batch, ev)
		case <-ticker.C:
			if len(batch) > 0 {
				p.Send(busBatchMsg{events: batch})
				batch = nil
			}
		}
	}
}

func (br *bridge) stop() {
	br.unsub()
	close(br.done)
	br.wg.Wait()
}

// watchConnection reopens the transport with exponential backoff whenever
// the link drops
func watchConnection(ctx context.Context, s *session, p *tea.Program) {
	for {
		done := s.Done()
		if done == nil {
			<-ctx.Done()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-done:
		}

		p.Send(connectionLostMsg{})
		_ = s.bus.Disconnect(ctx)

		if !reconnect(ctx, s.bus) {
			return
		}
		p.Send(reconnectedMsg{connInfo: s.desc})
		_ = requestAnnounce(s.bus)
	}
}

// reconnect retries Connect until it succeeds. Returns false if ctx ends first.
func reconnect(ctx context.Context, bus *jdom.Bus) bool {
	backoff := minBackoff
	for {
		if err := jdom.Sleep(ctx, bus.Scheduler(), backoff); err != nil {
			return false
		}
		err := bus.Connect(ctx)
		if err == nil {
			return true
		}
		bus.Logger().Warn("reconnect failed", "error", err, "retry_in", backoff)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
