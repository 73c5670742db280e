// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/jdom"
	"github.com/Thermoquad/jdbus/pkg/jdom/jdtest"
	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARNING", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", "json")
	require.NoError(t, err)
	l.Debug("hidden")
	l.Info("shown", "k", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])

	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestBusAdapterLogsDeviceEvents(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "json")
	require.NoError(t, err)

	hub := jdtest.NewHub()
	bus := jdom.NewBus(hub.Endpoint(), jdom.WithScheduler(jdtest.NewManualScheduler()), jdom.WithAnnounceInterval(0))
	detach := NewBusAdapter(logger).Attach(bus)
	defer detach()
	require.NoError(t, bus.Connect(context.Background()))
	defer bus.Close()

	sim := jdtest.NewSimDevice(hub, jdpacket.DeviceID{1, 1, 1, 1, 2, 2, 2, 2}, jdpacket.ServiceClassButton)
	require.NoError(t, sim.Announce())

	var events []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		events = append(events, rec["event"].(string))
	}
	assert.Contains(t, events, "connection_state")
	assert.Contains(t, events, "device_connect")
	assert.NotContains(t, events, "packet_receive", "per-packet events stay at debug")
}
