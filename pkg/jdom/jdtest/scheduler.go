// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package jdtest provides a manual clock, an in-memory frame hub and
// simulated devices for driving a jdom.Bus deterministically in tests.
package jdtest

import (
	"sync"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdom"
)

// ManualScheduler is a jdom.Scheduler whose time only moves on Advance
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, x := range t.s.timers {
		if x == t {
			t.s.timers = append(t.s.timers[:i], t.s.timers[i+1:]...)
			break
		}
	}
	return true
}

// NewManualScheduler creates a scheduler starting at a fixed instant
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current manual time
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc schedules f to run when the clock passes now+d
func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) jdom.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in time order.
// Timers scheduled by a firing callback run in the same call when due.
// Callbacks run without the scheduler lock held.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		next := -1
		for i, t := range s.timers {
			if t.at.After(target) {
				continue
			}
			if next < 0 || t.at.Before(s.timers[next].at) ||
				(t.at.Equal(s.timers[next].at) && t.seq < s.timers[next].seq) {
				next = i
			}
		}
		if next < 0 {
			break
		}
		t := s.timers[next]
		s.timers = append(s.timers[:next], s.timers[next+1:]...)
		t.stopped = true
		if t.at.After(s.now) {
			s.now = t.at
		}
		s.mu.Unlock()
		t.f()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// Step advances the clock in increments of step until d has elapsed
func (s *ManualScheduler) Step(d, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		s.Advance(min(step, d-elapsed))
	}
}

// Pending returns the number of scheduled timers
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
