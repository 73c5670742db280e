// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jdbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

// ============================================================================
// Load
// ============================================================================

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.Bus.Announces())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
transport:
  url: wss://bridge.local/bus
  username: admin
  insecure: true
bus:
  lost_after: 2s
  self_announce: false
flashing:
  retries: 5
  scan_window: 500ms
roles:
  required:
    - role: arm/servo1
      service: servo
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://bridge.local/bus", cfg.Transport.URL)
	assert.True(t, cfg.Transport.Insecure)
	assert.Equal(t, DefaultBaud, cfg.Transport.Baud)
	assert.Equal(t, 2*time.Second, cfg.Bus.LostAfter)
	assert.Equal(t, DefaultRemoveAfter, cfg.Bus.RemoveAfter)
	assert.False(t, cfg.Bus.Announces())
	assert.Equal(t, 5, cfg.Flashing.Retries)
	assert.Equal(t, 500*time.Millisecond, cfg.Flashing.ScanWindow)
	assert.Equal(t, "json", cfg.Log.Format)

	reqs, err := cfg.Roles.Requirements()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(jdpacket.ServiceClassServo), reqs[0].ServiceClass)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "transport: [1, 2"))
	assert.Error(t, err)
}

// ============================================================================
// Validate
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"port and url", func(c *Config) { c.Transport.Port = "/dev/ttyACM0"; c.Transport.URL = "ws://x" }, false},
		{"http url", func(c *Config) { c.Transport.URL = "http://x" }, false},
		{"lost after remove", func(c *Config) { c.Bus.LostAfter = 6 * time.Second }, false},
		{"negative retries", func(c *Config) { c.Flashing.Retries = -1 }, false},
		{"role without service", func(c *Config) { c.Roles.Required = []RoleConfig{{Role: "a"}} }, false},
		{"duplicate role", func(c *Config) {
			c.Roles.Required = []RoleConfig{{Role: "a", Service: "servo"}, {Role: "a", Service: "button"}}
		}, false},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, false},
		{"warn level", func(c *Config) { c.Log.Level = "WARN" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
