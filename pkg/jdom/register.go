// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jdom

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/jdbus/pkg/jdpacket"
)

// Register refresh timing
const (
	refreshFirstRetry  = 30 * time.Millisecond
	refreshSecondRetry = 80 * time.Millisecond
	refreshTimeout     = 150 * time.Millisecond
)

// RegisterEventKind identifies a register notification
type RegisterEventKind int

const (
	// RegisterReportReceived fires for every report of the register
	RegisterReportReceived RegisterEventKind = iota
	// RegisterValueChanged fires when a report carries different data
	RegisterValueChanged
)

// RegisterEvent is delivered to register listeners
type RegisterEvent struct {
	Kind     RegisterEventKind
	Register *Register
	Data     []byte
}

// Register is one register of a service.
//
// A register holds two values: the confirmed value from the last report of
// the device, and a pending value written locally but not yet reported back.
// A report always replaces the confirmed value and clears the pending one.
type Register struct {
	service *Service
	code    uint16
	spec    *RegisterSpec

	data       []byte
	pending    []byte
	lastReport time.Time
	unpacked   []any

	// set when another client writes the register; cleared by the next report
	overwritten bool

	events Emitter[RegisterEvent]
}

func newRegister(s *Service, code uint16) *Register {
	return &Register{
		service: s,
		code:    code,
		spec:    s.spec.Register(code),
	}
}

func (r *Register) bus() *Bus {
	return r.service.device.bus
}

// Service returns the owning service
func (r *Register) Service() *Service {
	return r.service
}

// Code returns the register code
func (r *Register) Code() uint16 {
	return r.code
}

// Spec returns the register description, or nil when unknown
func (r *Register) Spec() *RegisterSpec {
	return r.spec
}

// Name returns the register name
func (r *Register) Name() string {
	if r.spec != nil {
		return r.spec.Name
	}
	return fmt.Sprintf("reg_0x%x", r.code)
}

// Kind returns whether the register is writable, read-only or constant
func (r *Register) Kind() RegisterKind {
	if r.spec != nil {
		return r.spec.Kind
	}
	return kindFromCode(r.code)
}

func (r *Register) String() string {
	return fmt.Sprintf("%s.%s", r.service, r.Name())
}

// Data returns a copy of the confirmed value, nil before the first report
func (r *Register) Data() []byte {
	r.bus().mu.Lock()
	defer r.bus().mu.Unlock()
	if r.data == nil {
		return nil
	}
	return append([]byte(nil), r.data...)
}

// Pending returns the unconfirmed local write, or nil
func (r *Register) Pending() []byte {
	r.bus().mu.Lock()
	defer r.bus().mu.Unlock()
	if r.pending == nil {
		return nil
	}
	return append([]byte(nil), r.pending...)
}

// Current returns the pending value when one exists, else the confirmed value
func (r *Register) Current() []byte {
	r.bus().mu.Lock()
	defer r.bus().mu.Unlock()
	v := r.data
	if r.pending != nil {
		v = r.pending
	}
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

// LastReport returns the time of the last report, zero before the first one
func (r *Register) LastReport() time.Time {
	r.bus().mu.Lock()
	defer r.bus().mu.Unlock()
	return r.lastReport
}

// HasReport returns true once the device reported the register
func (r *Register) HasReport() bool {
	return !r.LastReport().IsZero()
}

// Values decodes the confirmed value with the register layout.
// The decoded slice is cached until the next report.
func (r *Register) Values() ([]any, error) {
	if r.spec == nil || r.spec.Layout == nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), ErrNoLayout)
	}
	r.bus().mu.Lock()
	defer r.bus().mu.Unlock()
	if r.unpacked == nil && r.data != nil {
		r.unpacked = r.spec.Layout.Unpack(r.data)
	}
	return r.unpacked, nil
}

// Fields returns the decoded confirmed value paired with field names
func (r *Register) Fields() ([]Field, error) {
	values, err := r.Values()
	if err != nil {
		return nil, err
	}
	return namedFields(r.spec.Fields, values), nil
}

// Subscribe registers a listener for reports and value changes
func (r *Register) Subscribe(fn func(RegisterEvent)) (unsubscribe func()) {
	return r.events.Subscribe(fn)
}

// SetValues packs values with the register layout and stores them as the
// pending value. Nothing is sent.
func (r *Register) SetValues(values ...any) ([]byte, error) {
	if r.spec == nil || r.spec.Layout == nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), ErrNoLayout)
	}
	data, err := r.spec.Layout.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), err)
	}
	r.bus().mu.Lock()
	r.pending = data
	r.bus().mu.Unlock()
	return data, nil
}

// SendSet stores data as the pending value and writes it to the device. When
// the device supports acks the call waits for one.
func (r *Register) SendSet(ctx context.Context, data []byte) error {
	r.bus().mu.Lock()
	r.pending = append([]byte(nil), data...)
	r.bus().mu.Unlock()

	pkt := jdpacket.NewRegisterSet(r.code, data)
	dev := r.service.device
	if dev.SupportsAck() {
		return dev.SendWithAck(ctx, r.service.index, pkt)
	}
	return dev.SendCommand(r.service.index, pkt)
}

// Write packs values with the register layout and sends them
func (r *Register) Write(ctx context.Context, values ...any) error {
	data, err := r.SetValues(values...)
	if err != nil {
		return err
	}
	return r.SendSet(ctx, data)
}

// Stale reports whether the confirmed value should be refreshed before use.
// It is stale before the first report, while a local write is pending, after
// another client wrote the register, and once the last report is older than
// maxAge. A maxAge of zero or less never expires by age.
func (r *Register) Stale(maxAge time.Duration) bool {
	b := r.bus()
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.lastReport.IsZero(), r.pending != nil, r.overwritten:
		return true
	case maxAge > 0:
		return b.sched.Now().Sub(r.lastReport) > maxAge
	}
	return false
}

// Read returns the confirmed value, refreshing it first when it is stale
func (r *Register) Read(ctx context.Context, maxAge time.Duration) ([]byte, error) {
	if r.Stale(maxAge) {
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return r.Data(), nil
}

// SendGet asks the device to report the register
func (r *Register) SendGet() error {
	return r.service.device.SendCommand(r.service.index, jdpacket.NewRegisterGet(r.code))
}

// Refresh sends a get and waits for the next report, resending twice before
// giving up with ErrRefreshTimeout.
func (r *Register) Refresh(ctx context.Context) error {
	got := make(chan struct{}, 1)
	unsub := r.Subscribe(func(ev RegisterEvent) {
		if ev.Kind == RegisterReportReceived {
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	sched := r.bus().sched
	retry := make(chan struct{}, 2)
	timeout := make(chan struct{})
	timers := []Timer{
		sched.AfterFunc(refreshFirstRetry, func() { retry <- struct{}{} }),
		sched.AfterFunc(refreshSecondRetry, func() { retry <- struct{}{} }),
		sched.AfterFunc(refreshTimeout, func() { close(timeout) }),
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	if err := r.SendGet(); err != nil {
		return err
	}
	for {
		select {
		case <-got:
			return nil
		case <-retry:
			if err := r.SendGet(); err != nil {
				return err
			}
		case <-timeout:
			return fmt.Errorf("%s: %w", r, ErrRefreshTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processReportLocked is the only writer of the confirmed value
func (r *Register) processReportLocked(pkt *jdpacket.Packet, n *notifier) {
	data := append([]byte(nil), pkt.Data()...)
	changed := r.data == nil || !bytes.Equal(r.data, data)
	r.data = data
	r.pending = nil
	r.overwritten = false
	r.unpacked = nil
	r.lastReport = r.bus().sched.Now()

	n.add(func() { r.events.Emit(RegisterEvent{Kind: RegisterReportReceived, Register: r, Data: data}) })
	if changed {
		n.add(func() { r.events.Emit(RegisterEvent{Kind: RegisterValueChanged, Register: r, Data: data}) })
	}
}
