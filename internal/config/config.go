// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the jdbus YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/jdbus/pkg/roles"
)

// Defaults
const (
	DefaultBaud          = 1000000
	DefaultLostAfter     = 1500 * time.Millisecond
	DefaultRemoveAfter   = 5 * time.Second
	DefaultAnnounceEvery = 499 * time.Millisecond
	DefaultRetries       = 15
	DefaultScanWindow    = 300 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Bus       BusConfig       `yaml:"bus"`
	Flashing  FlashingConfig  `yaml:"flashing"`
	Roles     RolesConfig     `yaml:"roles"`
	Log       LogConfig       `yaml:"log"`
}

// ---- TRANSPORT ----

type TransportConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Insecure bool   `yaml:"insecure"`
}

// ---- BUS ----

type BusConfig struct {
	LostAfter     time.Duration `yaml:"lost_after"`
	RemoveAfter   time.Duration `yaml:"remove_after"`
	SelfAnnounce  *bool         `yaml:"self_announce"`
	AnnounceEvery time.Duration `yaml:"announce_every"`
}

// Announces reports whether the bus announces its own device
func (b BusConfig) Announces() bool {
	return b.SelfAnnounce == nil || *b.SelfAnnounce
}

// ---- FLASHING ----

type FlashingConfig struct {
	Retries    int           `yaml:"retries"`
	ScanWindow time.Duration `yaml:"scan_window"`
}

// ---- ROLES ----

type RolesConfig struct {
	// File keeps stored roles and may list requirements too
	File     string       `yaml:"file"`
	Required []RoleConfig `yaml:"required"`
}

type RoleConfig struct {
	Role    string `yaml:"role"`
	Service string `yaml:"service"`
}

// Requirements merges the inline requirements with those of the role file
func (r RolesConfig) Requirements() ([]roles.Requirement, error) {
	var out []roles.Requirement
	for i, rc := range r.Required {
		req, err := roles.ParseRequirement(rc.Role, rc.Service)
		if err != nil {
			return nil, fmt.Errorf("roles.required[%d]: %w", i, err)
		}
		out = append(out, req)
	}
	if r.File != "" {
		more, err := roles.LoadRequirements(r.File)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	return out, nil
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field
func (c *Config) ApplyDefaults() {
	if c.Transport.Baud == 0 {
		c.Transport.Baud = DefaultBaud
	}
	if c.Bus.LostAfter == 0 {
		c.Bus.LostAfter = DefaultLostAfter
	}
	if c.Bus.RemoveAfter == 0 {
		c.Bus.RemoveAfter = DefaultRemoveAfter
	}
	if c.Bus.AnnounceEvery == 0 {
		c.Bus.AnnounceEvery = DefaultAnnounceEvery
	}
	if c.Flashing.Retries == 0 {
		c.Flashing.Retries = DefaultRetries
	}
	if c.Flashing.ScanWindow == 0 {
		c.Flashing.ScanWindow = DefaultScanWindow
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
