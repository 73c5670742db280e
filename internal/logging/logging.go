// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the process logger and adapts bus events to it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// ParseLevel maps a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to w in "text" or "json" format
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// BusAdapter writes bus events to a logger
type BusAdapter struct {
	logger *slog.Logger
}

// NewBusAdapter creates an adapter writing to logger
func NewBusAdapter(logger *slog.Logger) *BusAdapter {
	return &BusAdapter{logger: logger}
}

// Attach subscribes the adapter to bus
func (a *BusAdapter) Attach(bus *jdom.Bus) (detach func()) {
	return bus.Subscribe(a.Log)
}

// Log writes one bus event. Directory changes log at Info, per-packet
// traffic at Debug.
func (a *BusAdapter) Log(ev jdom.BusEvent) {
	attrs := []slog.Attr{slog.String("event", ev.Kind.String())}
	if ev.Kind == jdom.EventConnectionState {
		attrs = append(attrs, slog.String("state", ev.State.String()))
	}
	if ev.Device != nil {
		attrs = append(attrs, slog.String("device", ev.Device.String()))
	}
	if ev.Packet != nil {
		attrs = append(attrs,
			slog.Int("service_index", int(ev.Packet.ServiceIndex())),
			slog.Int("command", int(ev.Packet.ServiceCommand())),
		)
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	level := slog.LevelDebug
	switch ev.Kind {
	case jdom.EventConnectionState, jdom.EventDeviceConnect, jdom.EventDeviceDisconnect,
		jdom.EventDeviceRestart, jdom.EventDeviceLost, jdom.EventDeviceFound:
		level = slog.LevelInfo
	case jdom.EventFrameError:
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "bus event", attrs...)
}
