// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashing

import (
	"io"
	"log/slog"
	"time"
)

// Phase names reported in Progress
const (
	PhaseSession   = "session"
	PhaseWriting   = "writing"
	PhaseResetting = "resetting"
	PhaseDone      = "done"
)

// Progress describes how far a flash operation got
type Progress struct {
	Phase    string
	Step     int
	Total    int
	Fraction float64
}

// ProgressFunc receives progress updates. Fraction never decreases.
type ProgressFunc func(Progress)

// Config holds the flasher configuration
type Config struct {
	Logger   *slog.Logger
	Progress ProgressFunc

	// Retries bounds session setup and per-page rounds
	Retries int

	// StatusPolls and StatusPollInterval bound the wait for status reports
	// after each round
	StatusPolls        int
	StatusPollInterval time.Duration

	// ResetWaitSteps and ResetWaitStep define the unconditional wait after
	// the final reset, letting devices leave bootloader mode
	ResetWaitSteps int
	ResetWaitStep  time.Duration

	// ScanTries is the number of bootloader announce requests sent before
	// flashing
	ScanTries int
}

func defaultConfig() Config {
	return Config{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retries:            15,
		StatusPolls:        100,
		StatusPollInterval: 5 * time.Millisecond,
		ResetWaitSteps:     10,
		ResetWaitStep:      150 * time.Millisecond,
		ScanTries:          5,
	}
}

// Option configures a Flasher
type Option func(*Config)

// WithLogger sets the flasher logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithProgress sets a progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithRetries sets the number of session and page rounds
func WithRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Retries = n
		}
	}
}

// WithStatusWait sets how long each round waits for status reports
func WithStatusWait(polls int, interval time.Duration) Option {
	return func(c *Config) {
		if polls > 0 && interval > 0 {
			c.StatusPolls = polls
			c.StatusPollInterval = interval
		}
	}
}

// WithResetWait sets the wait after the final reset
func WithResetWait(steps int, step time.Duration) Option {
	return func(c *Config) {
		if steps >= 0 && step >= 0 {
			c.ResetWaitSteps = steps
			c.ResetWaitStep = step
		}
	}
}

// WithScanTries sets how many bootloader announce requests are sent
func WithScanTries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ScanTries = n
		}
	}
}
