// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	t := cfg.Transport
	if t.Port != "" && t.URL != "" {
		return fmt.Errorf("transport: port %q and url %q are mutually exclusive", t.Port, t.URL)
	}
	if t.Baud < 0 {
		return fmt.Errorf("transport: baud must be positive, got %d", t.Baud)
	}
	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("transport: url %q: %w", t.URL, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport: url %q must use ws:// or wss://", t.URL)
		}
	}

	b := cfg.Bus
	if b.LostAfter < 0 || b.RemoveAfter < 0 || b.AnnounceEvery < 0 {
		return fmt.Errorf("bus: durations must not be negative")
	}
	if b.RemoveAfter != 0 && b.LostAfter >= b.RemoveAfter {
		return fmt.Errorf("bus: lost_after %s must be shorter than remove_after %s", b.LostAfter, b.RemoveAfter)
	}

	if cfg.Flashing.Retries < 0 {
		return fmt.Errorf("flashing: retries must not be negative, got %d", cfg.Flashing.Retries)
	}
	if cfg.Flashing.ScanWindow < 0 {
		return fmt.Errorf("flashing: scan_window must not be negative")
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Roles.Required {
		if r.Role == "" {
			return fmt.Errorf("roles.required[%d]: role is required", i)
		}
		if r.Service == "" {
			return fmt.Errorf("roles.required[%d]: role %q has no service", i, r.Role)
		}
		if seen[r.Role] {
			return fmt.Errorf("roles.required[%d]: role %q listed twice", i, r.Role)
		}
		seen[r.Role] = true
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}
	return nil
}
